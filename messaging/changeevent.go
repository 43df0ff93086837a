package messaging

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// OperationType represents the type of change operation.
type OperationType string

const (
	OperationInsert     OperationType = "insert"
	OperationUpdate     OperationType = "update"
	OperationReplace    OperationType = "replace"
	OperationDelete     OperationType = "delete"
	OperationDrop       OperationType = "drop"
	OperationRename     OperationType = "rename"
	OperationDropDB     OperationType = "dropDatabase"
	OperationInvalidate OperationType = "invalidate"
)

// ChangeEvent is the decoded view of a change stream document.
// See: https://www.mongodb.com/docs/manual/reference/change-events/
//
// Invalidate and dropDatabase events carry no (or a partial) ns field;
// message properties fall back to the request's configured names for those.
type ChangeEvent struct {
	ID                       bson.Raw           `bson:"_id"` // resume token
	OperationType            OperationType      `bson:"operationType"`
	NS                       ChangeNamespace    `bson:"ns"`
	DocumentKey              bson.Raw           `bson:"documentKey,omitempty"`
	FullDocument             bson.Raw           `bson:"fullDocument,omitempty"`
	FullDocumentBeforeChange bson.Raw           `bson:"fullDocumentBeforeChange,omitempty"`
	UpdateDescription        *UpdateDescription `bson:"updateDescription,omitempty"`
	ClusterTime              bson.Timestamp     `bson:"clusterTime"`
}

// ChangeNamespace identifies the collection a change event originated from.
type ChangeNamespace struct {
	DB   string `bson:"db"`
	Coll string `bson:"coll"`
}

// UpdateDescription contains details about an update operation.
type UpdateDescription struct {
	UpdatedFields   bson.Raw         `bson:"updatedFields,omitempty"`
	RemovedFields   []string         `bson:"removedFields,omitempty"`
	TruncatedArrays []TruncatedArray `bson:"truncatedArrays,omitempty"`
}

// TruncatedArray records an array shortened by an update.
type TruncatedArray struct {
	Field   string `bson:"field"`
	NewSize int32  `bson:"newSize"`
}

// DecodeChangeEvent decodes a raw change stream document.
func DecodeChangeEvent(raw bson.Raw) (*ChangeEvent, error) {
	var ev ChangeEvent
	if err := bson.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode change event: %w", err)
	}
	return &ev, nil
}
