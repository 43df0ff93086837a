package messaging

import (
	"context"
	"reflect"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/mongokit/mongoodm/conversion"
)

// findCursor adapts *mongo.Cursor to the task cursor.
type findCursor struct {
	c *mongo.Cursor
}

func (f *findCursor) ID() int64                        { return f.c.ID() }
func (f *findCursor) TryNext(ctx context.Context) bool { return f.c.TryNext(ctx) }
func (f *findCursor) Current() bson.Raw                { return f.c.Current }
func (f *findCursor) Err() error                       { return f.c.Err() }
func (f *findCursor) Close(ctx context.Context) error  { return f.c.Close(ctx) }

// tailableTask builds the task for a TailableOptions request.
type tailableTask struct {
	db       *mongo.Database
	opts     TailableOptions
	bodyType reflect.Type
	reader   conversion.EntityReader
}

// initCursor opens a tailable, await-capable, non-timing-out cursor over the
// target capped collection with the request's filter applied.
func (t *tailableTask) initCursor(ctx context.Context) (cursor, error) {
	filter := t.opts.Query.Filter
	if filter == nil {
		filter = bson.D{}
	}

	findOpts := options.Find().
		SetCursorType(options.TailableAwait).
		SetNoCursorTimeout(true)
	if t.opts.Query.Collation != nil {
		findOpts.SetCollation(t.opts.Query.Collation)
	}

	cur, err := t.db.Collection(t.opts.Collection).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	return &findCursor{c: cur}, nil
}

// createMessage wraps one tailed document; the document itself is the body
// source.
func (t *tailableTask) createMessage(raw bson.Raw) (*Message, error) {
	props := Properties{
		DatabaseName:   t.db.Name(),
		CollectionName: t.opts.Collection,
	}
	return newMessage(raw, props, bodyDecoder(t.reader, t.bodyType, raw)), nil
}
