package reference

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongokit/mongoodm/conversion"
)

func TestResolverEager(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.add(t, "shop", "customers", customer{ID: 7, Name: "ada"})

	resolver, err := NewResolver(newTestDelegate(t, fetcher))
	require.NoError(t, err)

	desc := AssociationDescriptor{
		Name:       "customer",
		Kind:       KindDocumentReference,
		Database:   "shop",
		Collection: "customers",
		TargetType: conversion.TypeOf[customer](),
	}

	got, err := resolver.Resolve(context.Background(), desc, sourceValue(t, int32(7)))
	require.NoError(t, err)
	assert.Equal(t, customer{ID: 7, Name: "ada"}, got)
	assert.Equal(t, 1, fetcher.callCount(), "eager resolution fetches immediately")
}

func TestResolverLazyDefersFetch(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.add(t, "shop", "customers", customer{ID: 7, Name: "ada"})

	resolver, err := NewResolver(newTestDelegate(t, fetcher))
	require.NoError(t, err)

	desc := AssociationDescriptor{
		Name:       "customer",
		Kind:       KindDocumentReference,
		Lazy:       true,
		Database:   "shop",
		Collection: "customers",
		TargetType: conversion.TypeOf[customer](),
	}

	got, err := resolver.Resolve(context.Background(), desc, sourceValue(t, int32(7)))
	require.NoError(t, err)

	lazy, ok := got.(*Lazy[any])
	require.True(t, ok, "lazy descriptor must yield an accessor, not a value")
	assert.Zero(t, fetcher.callCount(), "no fetch before first access")
	assert.False(t, lazy.Resolved())

	v, err := lazy.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, customer{ID: 7, Name: "ada"}, v)
	assert.Equal(t, 1, fetcher.callCount())

	// Second access replays the cached value.
	_, err = lazy.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.callCount())
}

func TestResolverTranslatesEagerFailure(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.err = errors.New("socket closed")

	dataErr := errors.New("data access failure")
	resolver, err := NewResolver(newTestDelegate(t, fetcher),
		WithErrorTranslator(func(err error) error {
			return fmt.Errorf("%w: %w", dataErr, err)
		}))
	require.NoError(t, err)

	desc := AssociationDescriptor{
		Name: "customer", Kind: KindDocumentReference,
		Database: "shop", Collection: "customers",
	}

	_, err = resolver.Resolve(context.Background(), desc, sourceValue(t, int32(7)))
	assert.ErrorIs(t, err, dataErr)
	assert.ErrorIs(t, err, fetcher.err)
}

func TestResolverTranslatesLazyFailure(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.err = errors.New("socket closed")

	dataErr := errors.New("data access failure")
	resolver, err := NewResolver(newTestDelegate(t, fetcher),
		WithErrorTranslator(func(err error) error {
			return fmt.Errorf("%w: %w", dataErr, err)
		}))
	require.NoError(t, err)

	desc := AssociationDescriptor{
		Name: "customer", Kind: KindDocumentReference, Lazy: true,
		Database: "shop", Collection: "customers",
	}

	lazy := resolver.ResolveLazy(desc, sourceValue(t, int32(7)))
	_, err = lazy.Get(context.Background())
	assert.ErrorIs(t, err, dataErr)

	// The translated failure is cached, not refetched.
	_, err = lazy.Get(context.Background())
	assert.ErrorIs(t, err, dataErr)
	assert.Equal(t, 1, fetcher.callCount())
}

func TestResolveLazyIgnoresDescriptorFlag(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.add(t, "shop", "customers", customer{ID: 7, Name: "ada"})

	resolver, err := NewResolver(newTestDelegate(t, fetcher))
	require.NoError(t, err)

	// Eager descriptor, explicitly deferred by the caller.
	desc := AssociationDescriptor{
		Name: "customer", Kind: KindDocumentReference,
		Database: "shop", Collection: "customers",
	}

	lazy := resolver.ResolveLazy(desc, sourceValue(t, int32(7)))
	assert.Zero(t, fetcher.callCount())

	_, err = lazy.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.callCount())
}

func TestNewResolverRequiresDelegate(t *testing.T) {
	_, err := NewResolver(nil)
	assert.ErrorIs(t, err, ErrFetcherRequired)
}
