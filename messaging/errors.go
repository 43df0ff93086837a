package messaging

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the messaging container.
var (
	// ErrDatabaseRequired is returned by NewContainer when database is nil.
	ErrDatabaseRequired = errors.New("mongodb database is required")

	// ErrListenerRequired is returned by Register when the request has no
	// listener.
	ErrListenerRequired = errors.New("subscription request listener is required")

	// ErrOptionsRequired is returned by Register when the request has no
	// options variant.
	ErrOptionsRequired = errors.New("subscription request options are required")

	// ErrCollectionRequired is returned when a collection name is missing
	// where one is mandatory (tailable cursor requests, store constructors).
	ErrCollectionRequired = errors.New("mongodb collection is required")

	// ErrUnsupportedRequest is returned by Register for a request options
	// variant the task factory does not recognize. The options interface is
	// sealed, so this indicates a bug rather than a caller mistake.
	ErrUnsupportedRequest = errors.New("unsupported subscription request type")

	// ErrResumePositionLost indicates the stored resume token points at an
	// oplog position the server no longer retains.
	ErrResumePositionLost = errors.New("change stream resume position is no longer in the oplog")
)

// IsResumePositionLost checks if an error indicates a stale resume token.
func IsResumePositionLost(err error) bool {
	return errors.Is(err, ErrResumePositionLost)
}

// translateError maps driver errors into the package's error taxonomy.
// Unrecognized errors pass through unchanged.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if isHistoryLost(err) {
		return fmt.Errorf("%w: %w", ErrResumePositionLost, err)
	}
	return err
}

// isHistoryLost checks for MongoDB error code 286 (ChangeStreamHistoryLost)
// by name, or the server message used by older releases.
func isHistoryLost(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "ChangeStreamHistoryLost") ||
		strings.Contains(msg, "resume point may no longer be in the oplog")
}
