package reference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/mongokit/mongoodm/conversion"
)

// Constructor validation errors.
var (
	// ErrClientRequired is returned by NewMongoFetcher when client is nil.
	ErrClientRequired = errors.New("mongodb client is required")

	// ErrFetcherRequired is returned by NewLookupDelegate when fetcher is nil.
	ErrFetcherRequired = errors.New("reference fetcher is required")

	// ErrReaderRequired is returned by NewLookupDelegate when reader is nil.
	ErrReaderRequired = errors.New("entity reader is required")
)

// Fetcher executes reference lookup queries against the document store.
// Implementations must return the matching documents; order is not required.
type Fetcher interface {
	// FetchMany returns all documents in database.collection matching filter.
	// An empty database selects the fetcher's default.
	FetchMany(ctx context.Context, database, collection string, filter bson.M) ([]bson.Raw, error)
}

// MongoFetcher is the driver-backed Fetcher.
type MongoFetcher struct {
	client   *mongo.Client
	database string
}

// NewMongoFetcher creates a fetcher reading from the given client.
// defaultDatabase is used when a descriptor names none.
func NewMongoFetcher(client *mongo.Client, defaultDatabase string) (*MongoFetcher, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	return &MongoFetcher{client: client, database: defaultDatabase}, nil
}

// FetchMany runs a find against the target namespace and collects the raw
// results.
func (f *MongoFetcher) FetchMany(ctx context.Context, database, collection string, filter bson.M) ([]bson.Raw, error) {
	if database == "" {
		database = f.database
	}
	cur, err := f.client.Database(database).Collection(collection).Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []bson.Raw
	for cur.Next(ctx) {
		docs = append(docs, append(bson.Raw(nil), cur.Current...))
	}
	return docs, cur.Err()
}

// LookupDelegate builds lookup filters for association values, executes them
// through a Fetcher and materializes the results via an EntityReader.
type LookupDelegate struct {
	fetcher Fetcher
	reader  conversion.EntityReader
}

// NewLookupDelegate creates a lookup delegate over the given collaborators.
func NewLookupDelegate(fetcher Fetcher, reader conversion.EntityReader) (*LookupDelegate, error) {
	if fetcher == nil {
		return nil, ErrFetcherRequired
	}
	if reader == nil {
		return nil, ErrReaderRequired
	}
	return &LookupDelegate{fetcher: fetcher, reader: reader}, nil
}

// ReadReference resolves the stored association value into the shape the
// descriptor declares: a single object, a slice, or a string-keyed map.
//
// A referenced document that no longer exists is not an error: collection
// and map shapes simply omit it, and scalars follow the descriptor's
// AbsentBehavior.
func (d *LookupDelegate) ReadReference(ctx context.Context, desc AssociationDescriptor, source bson.RawValue) (any, error) {
	switch {
	case desc.Map:
		return d.readMap(ctx, desc, source)
	case desc.Many:
		return d.readMany(ctx, desc, source)
	default:
		return d.readOne(ctx, desc, source)
	}
}

// refTarget is one fully resolved lookup: where to fetch and which value to
// match against the lookup field.
type refTarget struct {
	database   string
	collection string
	value      bson.RawValue
}

func (d *LookupDelegate) target(desc AssociationDescriptor, v bson.RawValue) (refTarget, error) {
	t := refTarget{database: desc.Database, collection: desc.Collection, value: v}

	if desc.Kind == KindDBRef {
		doc, ok := v.DocumentOK()
		if !ok {
			return t, fmt.Errorf("%w: %q expects a DBRef document, got %s", ErrMalformedReference, desc.Name, v.Type)
		}
		if ref, err := doc.LookupErr("$ref"); err == nil {
			if s, ok := ref.StringValueOK(); ok {
				t.collection = s
			}
		}
		if db, err := doc.LookupErr("$db"); err == nil {
			if s, ok := db.StringValueOK(); ok {
				t.database = s
			}
		}
		id, err := doc.LookupErr("$id")
		if err != nil {
			return t, fmt.Errorf("%w: %q DBRef has no $id", ErrMalformedReference, desc.Name)
		}
		t.value = id
	}

	if t.collection == "" {
		return t, fmt.Errorf("%w: %q", ErrCollectionUnresolved, desc.Name)
	}
	return t, nil
}

func (d *LookupDelegate) readOne(ctx context.Context, desc AssociationDescriptor, source bson.RawValue) (any, error) {
	t, err := d.target(desc, source)
	if err != nil {
		return nil, err
	}

	docs, err := d.fetcher.FetchMany(ctx, t.database, t.collection, bson.M{desc.lookupField(): t.value})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		if desc.Absent == AbsentError {
			return nil, fmt.Errorf("%w: %q in %s", ErrReferenceNotFound, desc.Name, t.collection)
		}
		return nil, nil
	}
	return d.reader.Read(ctx, desc.TargetType, docs[0])
}

func (d *LookupDelegate) readMany(ctx context.Context, desc AssociationDescriptor, source bson.RawValue) (any, error) {
	values, err := arrayValues(desc, source)
	if err != nil {
		return nil, err
	}

	docs, err := d.fetchOrdered(ctx, desc, values)
	if err != nil {
		return nil, err
	}

	if desc.TargetType == nil {
		out := make([]bson.Raw, 0, len(docs))
		out = append(out, docs...)
		return out, nil
	}

	out := reflect.MakeSlice(reflect.SliceOf(desc.TargetType), 0, len(docs))
	for _, doc := range docs {
		obj, err := d.reader.Read(ctx, desc.TargetType, doc)
		if err != nil {
			return nil, err
		}
		out = reflect.Append(out, reflect.ValueOf(obj))
	}
	return out.Interface(), nil
}

func (d *LookupDelegate) readMap(ctx context.Context, desc AssociationDescriptor, source bson.RawValue) (any, error) {
	doc, ok := source.DocumentOK()
	if !ok {
		return nil, fmt.Errorf("%w: %q expects a document of references, got %s", ErrMalformedReference, desc.Name, source.Type)
	}
	elements, err := doc.Elements()
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformedReference, desc.Name, err)
	}

	keys := make([]string, 0, len(elements))
	values := make([]bson.RawValue, 0, len(elements))
	for _, el := range elements {
		keys = append(keys, el.Key())
		values = append(values, el.Value())
	}

	docs, err := d.fetchKeyed(ctx, desc, values)
	if err != nil {
		return nil, err
	}

	target := desc.TargetType
	if target == nil {
		target = conversion.RawType
	}
	out := reflect.MakeMapWithSize(reflect.MapOf(reflect.TypeOf(""), target), len(docs))
	for i, doc := range docs {
		if doc == nil {
			continue // referenced document gone, key omitted
		}
		obj, err := d.reader.Read(ctx, desc.TargetType, doc)
		if err != nil {
			return nil, err
		}
		out.SetMapIndex(reflect.ValueOf(keys[i]), reflect.ValueOf(obj))
	}
	return out.Interface(), nil
}

// fetchOrdered returns the documents for values in declared order, skipping
// values whose document is gone.
func (d *LookupDelegate) fetchOrdered(ctx context.Context, desc AssociationDescriptor, values []bson.RawValue) ([]bson.Raw, error) {
	keyed, err := d.fetchKeyed(ctx, desc, values)
	if err != nil {
		return nil, err
	}
	docs := make([]bson.Raw, 0, len(keyed))
	for _, doc := range keyed {
		if doc != nil {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// fetchKeyed returns one (possibly nil) document per input value, positionally
// aligned. Values sharing a namespace are fetched with a single $in query and
// matched back to their position by the lookup field.
func (d *LookupDelegate) fetchKeyed(ctx context.Context, desc AssociationDescriptor, values []bson.RawValue) ([]bson.Raw, error) {
	if len(values) == 0 {
		return nil, nil
	}

	targets := make([]refTarget, len(values))
	for i, v := range values {
		t, err := d.target(desc, v)
		if err != nil {
			return nil, err
		}
		targets[i] = t
	}

	field := desc.lookupField()
	docs := make([]bson.Raw, len(values))

	// Group by namespace so homogeneous references need a single query.
	type namespace struct{ db, coll string }
	groups := make(map[namespace][]int)
	for i, t := range targets {
		ns := namespace{t.database, t.collection}
		groups[ns] = append(groups[ns], i)
	}

	for ns, idxs := range groups {
		ids := make([]bson.RawValue, 0, len(idxs))
		for _, i := range idxs {
			ids = append(ids, targets[i].value)
		}
		found, err := d.fetcher.FetchMany(ctx, ns.db, ns.coll, bson.M{field: bson.M{"$in": ids}})
		if err != nil {
			return nil, err
		}
		// A value stored more than once matches the same document at every
		// position it occupies.
		for _, doc := range found {
			key := doc.Lookup(field)
			for _, i := range idxs {
				if docs[i] == nil && rawValueEqual(targets[i].value, key) {
					docs[i] = doc
				}
			}
		}
	}
	return docs, nil
}

func arrayValues(desc AssociationDescriptor, v bson.RawValue) ([]bson.RawValue, error) {
	if v.Type != bson.TypeArray {
		return nil, fmt.Errorf("%w: %q expects an array, got %s", ErrMalformedReference, desc.Name, v.Type)
	}
	values, err := bson.Raw(v.Value).Values()
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformedReference, desc.Name, err)
	}
	return values, nil
}

func rawValueEqual(a, b bson.RawValue) bool {
	return a.Type == b.Type && bytes.Equal(a.Value, b.Value)
}

// Compile-time check
var _ Fetcher = (*MongoFetcher)(nil)
