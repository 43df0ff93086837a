package messaging

import (
	"context"
	"reflect"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Listener receives the messages emitted by a subscription's cursor, one at
// a time, in cursor order. A returned error is routed to the subscription's
// error handler; it does not stop the task.
type Listener func(ctx context.Context, msg *Message) error

// ErrorHandler receives translated errors from a running task.
type ErrorHandler func(error)

// SubscriptionRequest describes one subscription: the listener to invoke,
// the options variant selecting the cursor type, and optionally the domain
// type message bodies convert into.
//
// Requests are identified by pointer: registering the same *SubscriptionRequest
// twice returns the existing Subscription.
type SubscriptionRequest struct {
	// Listener is invoked for every emitted message. Required.
	Listener Listener

	// Options selects and configures the cursor type. Required; exactly one
	// of ChangeStreamOptions or TailableOptions.
	Options RequestOptions

	// BodyType is the target type for Message.Body conversion. Nil leaves
	// bodies as bson.Raw.
	BodyType reflect.Type

	// ErrorHandler overrides the container's error handler for this
	// subscription. Optional.
	ErrorHandler ErrorHandler
}

// NewChangeStreamRequest builds a change stream subscription request.
func NewChangeStreamRequest(listener Listener, opts ChangeStreamOptions) *SubscriptionRequest {
	return &SubscriptionRequest{Listener: listener, Options: opts}
}

// NewTailableRequest builds a tailable cursor subscription request.
func NewTailableRequest(listener Listener, opts TailableOptions) *SubscriptionRequest {
	return &SubscriptionRequest{Listener: listener, Options: opts}
}

// BodyTypeOf returns the reflect.Type for T, for SubscriptionRequest.BodyType.
func BodyTypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// RequestOptions is the sealed options variant of a SubscriptionRequest.
// The only implementations are ChangeStreamOptions and TailableOptions, so
// the task factory's type switch is exhaustive.
type RequestOptions interface {
	isRequestOptions()
}

// ChangeStreamOptions configures a change stream subscription.
//
// The stream is scoped to a single collection when Collection is set,
// otherwise to the whole database.
//
// Resume position: when ResumeToken is set it is applied as resumeAfter (or
// startAfter when StartAfter is true). ResumeTimestamp is applied as
// startAtOperationTime only when no token is set — a token always takes
// precedence over a simultaneously configured timestamp.
type ChangeStreamOptions struct {
	// Database overrides the container's database for this subscription.
	Database string

	// Collection scopes the stream to one collection. Empty watches the
	// whole database.
	Collection string

	// Pipeline filters the stream. Field paths in $match stages are
	// rewritten against fullDocument unless they reference one of the
	// reserved change event fields (operationType, fullDocument,
	// documentKey, updateDescription, ns).
	Pipeline mongo.Pipeline

	// ResumeToken resumes the stream after a previously observed position.
	ResumeToken bson.Raw

	// StartAfter applies ResumeToken as startAfter instead of resumeAfter,
	// allowing resumption across an invalidate event.
	StartAfter bool

	// ResumeTimestamp starts the stream at an operation time. Ignored when
	// ResumeToken is set.
	ResumeTimestamp *bson.Timestamp

	// FullDocument controls document lookup for update events. When unset
	// and the request has a concrete BodyType, updateLookup is forced, since
	// field deltas cannot be mapped onto a domain type.
	FullDocument FullDocumentOption

	// FullDocumentBeforeChange requests pre-images (MongoDB 6.0+).
	FullDocumentBeforeChange FullDocumentOption

	// Collation applies a collation to the pipeline.
	Collation *options.Collation

	// MaxAwaitTime bounds how long the server holds a getMore.
	MaxAwaitTime time.Duration
}

func (ChangeStreamOptions) isRequestOptions() {}

// Query is the user-level filter for a tailable cursor request.
type Query struct {
	// Filter is a store-native filter document (bson.D, bson.M or a struct
	// with bson tags). Nil matches everything.
	Filter any

	// Collation applies a collation to the find.
	Collation *options.Collation
}

// TailableOptions configures a tailable-await cursor subscription over a
// capped collection.
type TailableOptions struct {
	// Collection is the capped collection to tail. Required.
	Collection string

	// Query filters the tailed documents.
	Query Query
}

func (TailableOptions) isRequestOptions() {}

// FullDocumentOption specifies how change events return full documents.
//
// For insert and replace operations, the full document is always included.
// This option controls behavior for update and delete operations.
type FullDocumentOption string

const (
	// FullDocumentDefault returns the full document only for insert and
	// replace. Update events only include the changed fields.
	FullDocumentDefault FullDocumentOption = "default"

	// FullDocumentUpdateLookup performs a lookup to return the current
	// document for update events. Note: the document returned is the current
	// state, which may have been modified by subsequent updates.
	FullDocumentUpdateLookup FullDocumentOption = "updateLookup"

	// FullDocumentWhenAvailable returns the post-image if available.
	// Requires MongoDB 6.0+ with pre/post images enabled on the collection.
	FullDocumentWhenAvailable FullDocumentOption = "whenAvailable"

	// FullDocumentRequired returns the post-image or fails if not available.
	FullDocumentRequired FullDocumentOption = "required"

	// FullDocumentOff disables pre-images (FullDocumentBeforeChange only).
	FullDocumentOff FullDocumentOption = "off"
)

// driverOption converts a FullDocumentOption to the driver's option.
func (f FullDocumentOption) driverOption() options.FullDocument {
	switch f {
	case FullDocumentUpdateLookup:
		return options.UpdateLookup
	case FullDocumentWhenAvailable:
		return options.WhenAvailable
	case FullDocumentRequired:
		return options.Required
	case FullDocumentOff:
		return options.Off
	default:
		return options.Default
	}
}
