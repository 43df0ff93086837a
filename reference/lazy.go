package reference

import (
	"context"
	"sync"
	"sync/atomic"
)

// Lazy defers a reference fetch until first access.
//
// The wrapped fetch executes at most once, even under concurrent first
// access; the outcome (value or translated failure) is cached and replayed
// on every later Get. A failed fetch is sticky and is never retried.
type Lazy[T any] struct {
	fetch     func(context.Context) (T, error)
	translate func(error) error

	once     sync.Once
	resolved atomic.Bool
	val      T
	err      error
}

// NewLazy wraps fetch in a single-fetch accessor. translate may be nil;
// when set, fetch failures pass through it before being cached (a nil
// translation keeps the original error).
func NewLazy[T any](fetch func(context.Context) (T, error), translate func(error) error) *Lazy[T] {
	return &Lazy[T]{fetch: fetch, translate: translate}
}

// NewResolved returns a Lazy already holding v. Get never fetches.
func NewResolved[T any](v T) *Lazy[T] {
	l := &Lazy[T]{}
	l.once.Do(func() {})
	l.val = v
	l.resolved.Store(true)
	return l
}

// Get triggers the deferred fetch on first call and returns the cached
// outcome on every call after that.
func (l *Lazy[T]) Get(ctx context.Context) (T, error) {
	l.once.Do(func() {
		l.val, l.err = l.fetch(ctx)
		if l.err != nil && l.translate != nil {
			if translated := l.translate(l.err); translated != nil {
				l.err = translated
			}
		}
		l.resolved.Store(true)
	})
	return l.val, l.err
}

// Resolved reports whether the fetch has completed. It never triggers it.
func (l *Lazy[T]) Resolved() bool {
	return l.resolved.Load()
}
