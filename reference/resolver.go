// Package reference resolves associations between documents, either eagerly
// at materialization time or lazily on first access.
//
// Associations are declared up front in an EntityDescriptor capability table
// rather than discovered by reflection. Two stored representations are
// supported: the legacy DBRef subdocument style and the plain-value
// DocumentReference style. A Resolver decides per descriptor whether to fetch
// immediately or to hand back a Lazy accessor that fetches exactly once on
// first Get.
//
// Usage:
//
//	fetcher, _ := reference.NewMongoFetcher(client, "myapp")
//	delegate, _ := reference.NewLookupDelegate(fetcher, conversion.NewBSONReader())
//	resolver, _ := reference.NewResolver(delegate)
//
//	desc, _ := entity.Association("customer")
//	v, err := resolver.Resolve(ctx, desc, ownerDoc.Lookup("customer"))
//	if lazy, ok := v.(*reference.Lazy[any]); ok {
//	    customer, err := lazy.Get(ctx) // fetches now, cached afterwards
//	}
package reference

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ErrorTranslator maps store errors to the owning context's error taxonomy.
// Returning nil keeps the original error.
type ErrorTranslator func(error) error

// Resolver decides, per association descriptor, whether to resolve eagerly
// or to defer behind a Lazy accessor.
type Resolver struct {
	delegate  *LookupDelegate
	translate ErrorTranslator
	logger    *slog.Logger
	metrics   *Metrics
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithErrorTranslator sets the translator applied to fetch failures.
func WithErrorTranslator(fn ErrorTranslator) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.translate = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder. Nil-safe; see Metrics.
func WithMetrics(m *Metrics) ResolverOption {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// NewResolver creates a resolver around the given lookup delegate.
func NewResolver(delegate *LookupDelegate, opts ...ResolverOption) (*Resolver, error) {
	if delegate == nil {
		return nil, ErrFetcherRequired
	}
	r := &Resolver{
		delegate: delegate,
		logger:   slog.Default().With("component", "mongoodm.reference"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve materializes the association value stored under a property.
//
// Eager descriptors return the resolved object, slice or map directly. Lazy
// descriptors return a *Lazy[any] wrapping the same read; the fetch runs at
// most once, on first Get, and its outcome (including a translated failure)
// is cached for the life of the accessor.
func (r *Resolver) Resolve(ctx context.Context, desc AssociationDescriptor, source bson.RawValue) (any, error) {
	if desc.Lazy {
		return r.lazy(desc, source), nil
	}
	v, err := r.read(ctx, desc, source)
	if err != nil && r.translate != nil {
		if translated := r.translate(err); translated != nil {
			err = translated
		}
	}
	return v, err
}

// ResolveLazy wraps the read for the descriptor in a Lazy accessor
// regardless of the descriptor's Lazy flag.
func (r *Resolver) ResolveLazy(desc AssociationDescriptor, source bson.RawValue) *Lazy[any] {
	return r.lazy(desc, source)
}

func (r *Resolver) lazy(desc AssociationDescriptor, source bson.RawValue) *Lazy[any] {
	return NewLazy(func(ctx context.Context) (any, error) {
		return r.read(ctx, desc, source)
	}, r.translate)
}

func (r *Resolver) read(ctx context.Context, desc AssociationDescriptor, source bson.RawValue) (any, error) {
	start := time.Now()
	v, err := r.delegate.ReadReference(ctx, desc, source)
	r.metrics.RecordFetch(ctx, desc.Name, time.Since(start), err)
	if err != nil {
		r.logger.Warn("reference fetch failed",
			"property", desc.Name, "kind", desc.Kind.String(), "error", err)
	}
	return v, err
}
