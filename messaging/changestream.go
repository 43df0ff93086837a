package messaging

import (
	"context"
	"log/slog"
	"reflect"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/mongokit/mongoodm/conversion"
)

// Top-level change event fields excluded from the fullDocument prefix
// rewrite of user filters.
var reservedEventFields = map[string]struct{}{
	"operationType":     {},
	"fullDocument":      {},
	"documentKey":       {},
	"updateDescription": {},
	"ns":                {},
}

// prefixPipeline rewrites user field paths in $match stages against the
// fullDocument of the change event. Reserved event fields keep their
// top-level meaning; operator keys and already-prefixed paths pass through.
// Stages other than $match are left untouched.
func prefixPipeline(pipeline mongo.Pipeline) mongo.Pipeline {
	if len(pipeline) == 0 {
		return pipeline
	}
	out := make(mongo.Pipeline, 0, len(pipeline))
	for _, stage := range pipeline {
		if len(stage) == 1 && stage[0].Key == "$match" {
			out = append(out, bson.D{{Key: "$match", Value: prefixFilter(stage[0].Value)}})
			continue
		}
		out = append(out, stage)
	}
	return out
}

// prefixFilter rewrites the field keys of a filter document, recursing into
// logical operators ($and, $or, $nor) whose values are filter arrays.
func prefixFilter(filter any) any {
	switch f := filter.(type) {
	case bson.D:
		out := make(bson.D, 0, len(f))
		for _, el := range f {
			out = append(out, bson.E{Key: prefixKey(el.Key), Value: prefixOperand(el.Key, el.Value)})
		}
		return out
	case bson.M:
		out := make(bson.M, len(f))
		for k, v := range f {
			out[prefixKey(k)] = prefixOperand(k, v)
		}
		return out
	default:
		return filter
	}
}

func prefixOperand(key string, value any) any {
	if !strings.HasPrefix(key, "$") {
		return value
	}
	// Logical operators carry arrays of sub-filters.
	switch vs := value.(type) {
	case bson.A:
		out := make(bson.A, 0, len(vs))
		for _, v := range vs {
			out = append(out, prefixFilter(v))
		}
		return out
	case []bson.D:
		out := make([]bson.D, 0, len(vs))
		for _, v := range vs {
			out = append(out, prefixFilter(v).(bson.D))
		}
		return out
	case []bson.M:
		out := make([]bson.M, 0, len(vs))
		for _, v := range vs {
			out = append(out, prefixFilter(v).(bson.M))
		}
		return out
	default:
		return prefixFilter(value)
	}
}

func prefixKey(key string) string {
	if strings.HasPrefix(key, "$") {
		return key
	}
	root, _, _ := strings.Cut(key, ".")
	if _, reserved := reservedEventFields[root]; reserved {
		return key
	}
	return "fullDocument." + key
}

// effectiveFullDocument decides the full-document lookup mode: an explicit
// choice wins; otherwise a concrete body type forces updateLookup, because
// field-level deltas cannot be mapped onto a domain type.
func effectiveFullDocument(o ChangeStreamOptions, bodyType reflect.Type) FullDocumentOption {
	if o.FullDocument != "" {
		return o.FullDocument
	}
	if bodyType != nil && bodyType != conversion.RawType {
		return FullDocumentUpdateLookup
	}
	return ""
}

// resumePosition is the single resume coordinate applied at cursor open.
type resumePosition struct {
	token      bson.Raw
	startAfter bool
	timestamp  *bson.Timestamp
}

// resolveResumePosition picks exactly one of token or timestamp: a token
// (resumeAfter/startAfter per the StartAfter flag) always wins over a
// simultaneously configured timestamp.
func resolveResumePosition(o ChangeStreamOptions) resumePosition {
	if len(o.ResumeToken) > 0 {
		return resumePosition{token: o.ResumeToken, startAfter: o.StartAfter}
	}
	if o.ResumeTimestamp != nil {
		return resumePosition{timestamp: o.ResumeTimestamp}
	}
	return resumePosition{}
}

// changeStreamCursor adapts *mongo.ChangeStream to the task cursor.
type changeStreamCursor struct {
	cs *mongo.ChangeStream
}

func (c *changeStreamCursor) ID() int64                        { return c.cs.ID() }
func (c *changeStreamCursor) TryNext(ctx context.Context) bool { return c.cs.TryNext(ctx) }
func (c *changeStreamCursor) Current() bson.Raw                { return c.cs.Current }
func (c *changeStreamCursor) Err() error                       { return c.cs.Err() }
func (c *changeStreamCursor) Close(ctx context.Context) error  { return c.cs.Close(ctx) }
func (c *changeStreamCursor) ResumeToken() bson.Raw            { return c.cs.ResumeToken() }

// resumeTokener is satisfied by cursors that expose a resumable position.
type resumeTokener interface {
	ResumeToken() bson.Raw
}

// changeStreamTask builds the task for a ChangeStreamOptions request.
type changeStreamTask struct {
	client      *mongo.Client
	db          *mongo.Database
	opts        ChangeStreamOptions
	bodyType    reflect.Type
	reader      conversion.EntityReader
	resumeStore ResumeTokenStore
	logger      *slog.Logger
}

// database resolves the database the stream is scoped to.
func (c *changeStreamTask) database() *mongo.Database {
	if c.opts.Database != "" {
		return c.client.Database(c.opts.Database)
	}
	return c.db
}

// resumeKey is the namespace the stored resume token is keyed under.
func (c *changeStreamTask) resumeKey() string {
	coll := c.opts.Collection
	if coll == "" {
		coll = "*"
	}
	return c.database().Name() + "." + coll
}

// initCursor opens the change stream, applying the prefixed pipeline, the
// resume position, the full-document modes and the collation.
func (c *changeStreamTask) initCursor(ctx context.Context) (cursor, error) {
	csOpts := options.ChangeStream()

	if fd := effectiveFullDocument(c.opts, c.bodyType); fd != "" {
		csOpts.SetFullDocument(fd.driverOption())
	}
	if c.opts.FullDocumentBeforeChange != "" {
		csOpts.SetFullDocumentBeforeChange(c.opts.FullDocumentBeforeChange.driverOption())
	}

	pos := resolveResumePosition(c.opts)
	if pos.token == nil && c.resumeStore != nil {
		token, err := c.resumeStore.Load(ctx, c.resumeKey())
		if err != nil {
			c.logger.Warn("failed to load resume token", "key", c.resumeKey(), "error", err)
		} else if token != nil {
			pos = resumePosition{token: token}
		}
	}
	switch {
	case pos.token != nil && pos.startAfter:
		csOpts.SetStartAfter(pos.token)
	case pos.token != nil:
		csOpts.SetResumeAfter(pos.token)
	case pos.timestamp != nil:
		csOpts.SetStartAtOperationTime(pos.timestamp)
	}

	if c.opts.Collation != nil {
		csOpts.SetCollation(*c.opts.Collation)
	}
	if c.opts.MaxAwaitTime > 0 {
		csOpts.SetMaxAwaitTime(c.opts.MaxAwaitTime)
	}

	pipeline := prefixPipeline(c.opts.Pipeline)
	if pipeline == nil {
		pipeline = mongo.Pipeline{}
	}

	var cs *mongo.ChangeStream
	var err error
	if c.opts.Collection != "" {
		cs, err = c.database().Collection(c.opts.Collection).Watch(ctx, pipeline, csOpts)
	} else {
		cs, err = c.database().Watch(ctx, pipeline, csOpts)
	}
	if err != nil {
		return nil, err
	}
	return &changeStreamCursor{cs: cs}, nil
}

// createMessage wraps a raw change event. The originating namespace comes
// from the event itself when present; events without one (e.g. invalidate)
// fall back to the request's configured names, with "unknown" standing in
// for missing parts. The lazily converted body is the event's fullDocument.
func (c *changeStreamTask) createMessage(raw bson.Raw) (*Message, error) {
	ev, err := DecodeChangeEvent(raw)
	if err != nil {
		return nil, err
	}

	props := Properties{DatabaseName: ev.NS.DB, CollectionName: ev.NS.Coll}
	if props.DatabaseName == "" {
		if props.DatabaseName = c.opts.Database; props.DatabaseName == "" {
			props.DatabaseName = c.db.Name()
		}
	}
	if props.CollectionName == "" {
		if props.CollectionName = c.opts.Collection; props.CollectionName == "" {
			props.CollectionName = "unknown"
		}
	}
	if props.DatabaseName == "" {
		props.DatabaseName = "unknown"
	}

	return newMessage(raw, props, bodyDecoder(c.reader, c.bodyType, ev.FullDocument)), nil
}

// persistResumeToken stores the cursor's position after a dispatched
// message so a later subscription can resume where this one left off.
func (c *changeStreamTask) persistResumeToken(ctx context.Context, cur cursor) {
	if c.resumeStore == nil {
		return
	}
	rt, ok := cur.(resumeTokener)
	if !ok {
		return
	}
	token := rt.ResumeToken()
	if token == nil {
		return
	}
	if err := c.resumeStore.Save(ctx, c.resumeKey(), token); err != nil {
		c.logger.Warn("failed to save resume token", "key", c.resumeKey(), "error", err)
	}
}

// handleResumeLost clears a stale stored token so the next start does not
// keep resuming from a position the oplog has rolled past.
func (c *changeStreamTask) handleResumeLost(ctx context.Context, err error) {
	if c.resumeStore == nil || !IsResumePositionLost(err) {
		return
	}
	c.logger.Warn("resume token is stale (oplog rolled past), clearing", "key", c.resumeKey())
	if clearErr := c.resumeStore.Save(ctx, c.resumeKey(), nil); clearErr != nil {
		c.logger.Error("failed to clear stale resume token", "error", clearErr)
	}
}
