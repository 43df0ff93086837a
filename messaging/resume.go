package messaging

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// DefaultResumeTokenCollection is the default collection for stored resume
// tokens.
const DefaultResumeTokenCollection = "_odm_resume_tokens"

// ResumeTokenStore persists resume tokens for reliable change stream
// resumption. Change stream tasks created by a container configured with
// WithResumeTokenStore load the stored token at cursor initialization (when
// the request carries none) and persist the latest token after each
// dispatched message.
//
// Implement this interface to store tokens in MongoDB, Redis, or another
// backend.
type ResumeTokenStore interface {
	// Load retrieves the last resume token for a namespace key
	// ("database.collection", "*" standing in for a database-scoped stream).
	// Returns nil if no token exists.
	Load(ctx context.Context, key string) (bson.Raw, error)

	// Save persists a resume token for a namespace key. A nil token deletes
	// the stored entry (used to clear stale tokens).
	Save(ctx context.Context, key string, token bson.Raw) error
}

// MongoResumeTokenStore implements ResumeTokenStore using a MongoDB
// collection.
type MongoResumeTokenStore struct {
	collection *mongo.Collection
}

// resumeTokenDoc represents the stored resume token document.
type resumeTokenDoc struct {
	ID        string    `bson:"_id"`        // Namespace key
	Token     bson.Raw  `bson:"token"`      // Resume token
	UpdatedAt time.Time `bson:"updated_at"` // Last update time
}

// NewMongoResumeTokenStore creates a resume token store using the given
// collection.
//
// Example:
//
//	store, _ := messaging.NewMongoResumeTokenStore(db.Collection(messaging.DefaultResumeTokenCollection))
//	container, _ := messaging.NewContainer(db,
//	    messaging.WithResumeTokenStore(store),
//	)
func NewMongoResumeTokenStore(collection *mongo.Collection) (*MongoResumeTokenStore, error) {
	if collection == nil {
		return nil, ErrCollectionRequired
	}
	return &MongoResumeTokenStore{collection: collection}, nil
}

// Load retrieves the resume token stored for a namespace key.
func (s *MongoResumeTokenStore) Load(ctx context.Context, key string) (bson.Raw, error) {
	var doc resumeTokenDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil // No token stored yet
		}
		return nil, err
	}
	return doc.Token, nil
}

// Save persists the resume token for a namespace key.
// If token is nil, the stored token is deleted (used to clear stale tokens).
func (s *MongoResumeTokenStore) Save(ctx context.Context, key string, token bson.Raw) error {
	if token == nil {
		_, err := s.collection.DeleteOne(ctx, bson.M{"_id": key})
		return err
	}

	_, err := s.collection.UpdateOne(
		ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{
			"token":      token,
			"updated_at": time.Now(),
		}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// EnsureIndexes creates the necessary indexes for the resume token store.
// Call this once during application startup.
func (s *MongoResumeTokenStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, s.Indexes())
	return err
}

// Indexes returns the index models for manual creation.
// Use this if you prefer to manage indexes separately (e.g., via migrations).
func (s *MongoResumeTokenStore) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "updated_at", Value: 1}},
		},
	}
}

// Compile-time check
var _ ResumeTokenStore = (*MongoResumeTokenStore)(nil)
