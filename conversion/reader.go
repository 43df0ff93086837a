// Package conversion defines the type-converter contract shared by the
// messaging and reference packages.
//
// An EntityReader materializes raw BSON documents into domain types and
// provides a generic conversion fallback between runtime types. The default
// implementation, BSONReader, decodes through the driver's codec registry.
// Callers that already run their own mapping layer can plug it in behind the
// same interface.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ErrUnsupportedConversion is returned when a value cannot be converted to
// the requested target type. Use errors.Is() to check for it:
//
//	if errors.Is(err, conversion.ErrUnsupportedConversion) {
//	    // requested an impossible body type
//	}
var ErrUnsupportedConversion = errors.New("unsupported conversion")

// NewUnsupportedConversionError wraps ErrUnsupportedConversion with the
// source and target types so the failure identifies both ends.
func NewUnsupportedConversionError(from, to reflect.Type) error {
	return fmt.Errorf("cannot convert %v to %v: %w", from, to, ErrUnsupportedConversion)
}

// IsUnsupportedConversion checks if an error indicates an impossible type
// conversion.
func IsUnsupportedConversion(err error) bool {
	return errors.Is(err, ErrUnsupportedConversion)
}

// RawType is the reflect.Type of bson.Raw, the unconverted document
// representation. A nil or RawType target short-circuits conversion.
var RawType = reflect.TypeOf(bson.Raw(nil))

// TypeOf returns the reflect.Type for T, for conversion targets declared at
// compile time.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// EntityReader materializes BSON documents into domain objects.
//
// Read decodes a raw document into a freshly allocated value of the target
// type. CanConvert/Convert form the generic conversion-service fallback used
// when the source value is not a document.
type EntityReader interface {
	// Read decodes doc into a new value of the target type. A nil target or
	// RawType returns doc unchanged.
	Read(ctx context.Context, target reflect.Type, doc bson.Raw) (any, error)

	// CanConvert reports whether Convert can map between the two types.
	CanConvert(from, to reflect.Type) bool

	// Convert maps v to the target type.
	Convert(v any, target reflect.Type) (any, error)
}

// BSONReader is the default EntityReader backed by the driver's BSON codecs.
type BSONReader struct{}

// NewBSONReader creates the default BSON-backed entity reader.
func NewBSONReader() *BSONReader {
	return &BSONReader{}
}

// Read decodes doc into a new value of the target type.
//
// Pointer targets yield a pointer to the decoded struct; value targets yield
// the dereferenced value. A nil or bson.Raw target returns doc as-is.
func (r *BSONReader) Read(_ context.Context, target reflect.Type, doc bson.Raw) (any, error) {
	if target == nil || target == RawType {
		return doc, nil
	}

	elem := target
	wantPtr := false
	if target.Kind() == reflect.Pointer {
		elem = target.Elem()
		wantPtr = true
	}

	out := reflect.New(elem)
	if err := bson.Unmarshal(doc, out.Interface()); err != nil {
		return nil, fmt.Errorf("decode into %v: %w", target, err)
	}

	if wantPtr {
		return out.Interface(), nil
	}
	return out.Elem().Interface(), nil
}

// CanConvert reports whether v of type from can be mapped to type to.
func (r *BSONReader) CanConvert(from, to reflect.Type) bool {
	if from == nil || to == nil {
		return false
	}
	return from.AssignableTo(to) || from.ConvertibleTo(to)
}

// Convert maps v to the target type using assignability or Go conversion
// rules. Anything else fails with ErrUnsupportedConversion.
func (r *BSONReader) Convert(v any, target reflect.Type) (any, error) {
	if v == nil || target == nil {
		return nil, NewUnsupportedConversionError(reflect.TypeOf(v), target)
	}
	rv := reflect.ValueOf(v)
	if rv.Type() == target || rv.Type().AssignableTo(target) {
		return v, nil
	}
	if rv.Type().ConvertibleTo(target) {
		return rv.Convert(target).Interface(), nil
	}
	return nil, NewUnsupportedConversionError(rv.Type(), target)
}

// Compile-time check
var _ EntityReader = (*BSONReader)(nil)
