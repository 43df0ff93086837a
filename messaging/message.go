package messaging

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongokit/mongoodm/conversion"
)

// Properties carries the origin metadata of a Message.
type Properties struct {
	// DatabaseName is the database the item originated from, or "unknown"
	// when neither the event nor the request names one.
	DatabaseName string

	// CollectionName is the collection the item originated from, or
	// "unknown" when it cannot be determined (e.g. an invalidate event on a
	// database-scoped stream).
	CollectionName string
}

// Namespace returns "database.collection".
func (p Properties) Namespace() string {
	return p.DatabaseName + "." + p.CollectionName
}

// Message wraps one item emitted by a subscription's cursor.
//
// The raw payload is available immediately; Body defers domain-type
// conversion until first read and memoizes the outcome, so listeners that
// only inspect metadata never pay for conversion.
type Message struct {
	raw   bson.Raw
	props Properties

	once   sync.Once
	decode func() (any, error)
	body   any
	err    error
}

func newMessage(raw bson.Raw, props Properties, decode func() (any, error)) *Message {
	return &Message{raw: raw, props: props, decode: decode}
}

// Raw returns the unconverted cursor item: the full change stream document
// for change stream subscriptions, the document itself for tailable ones.
func (m *Message) Raw() bson.Raw {
	return m.raw
}

// Properties returns the message's origin metadata.
func (m *Message) Properties() Properties {
	return m.props
}

// Body converts the message payload into the request's body type. The
// conversion runs once; repeated calls return the same value (or the same
// conversion failure) without re-running it.
func (m *Message) Body() (any, error) {
	m.once.Do(func() {
		m.body, m.err = m.decode()
	})
	return m.body, m.err
}

// BodyAs returns the message body asserted to T.
func BodyAs[T any](m *Message) (T, error) {
	var zero T
	body, err := m.Body()
	if err != nil {
		return zero, err
	}
	if body == nil {
		return zero, nil
	}
	v, ok := body.(T)
	if !ok {
		return zero, conversion.NewUnsupportedConversionError(
			reflect.TypeOf(body), reflect.TypeOf(zero))
	}
	return v, nil
}

// bodyDecoder builds the memoized conversion for a message whose body source
// is src. The ladder: a nil or bson.Raw target returns src as-is; a document
// source is read through the entity reader; anything left falls back to the
// reader's generic conversion service; otherwise the access fails naming
// both types.
func bodyDecoder(reader conversion.EntityReader, target reflect.Type, src bson.Raw) func() (any, error) {
	return func() (any, error) {
		if target == nil || target == conversion.RawType {
			if len(src) == 0 {
				return nil, nil
			}
			return src, nil
		}
		if len(src) == 0 {
			// No body source (e.g. a delete event without full document).
			return nil, nil
		}
		v, err := reader.Read(context.Background(), target, src)
		if err == nil {
			return v, nil
		}
		if reader.CanConvert(conversion.RawType, target) {
			if v, convErr := reader.Convert(src, target); convErr == nil {
				return v, nil
			}
		}
		return nil, fmt.Errorf("%w: %v",
			conversion.NewUnsupportedConversionError(conversion.RawType, target), err)
	}
}
