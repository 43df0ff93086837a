package reference

import (
	"errors"
	"fmt"
	"reflect"
)

// Errors returned when building descriptors.
var (
	// ErrAssociationNameRequired is returned when a descriptor has no name.
	ErrAssociationNameRequired = errors.New("association name is required")

	// ErrDuplicateAssociation is returned when two descriptors of the same
	// kind share a property name.
	ErrDuplicateAssociation = errors.New("duplicate association descriptor")

	// ErrCollectionUnresolved is returned when a lookup cannot determine the
	// target collection (no $ref in the source and no Collection configured).
	ErrCollectionUnresolved = errors.New("target collection could not be resolved")

	// ErrReferenceNotFound is returned for an absent scalar reference when
	// the descriptor uses AbsentError.
	ErrReferenceNotFound = errors.New("referenced document not found")

	// ErrMalformedReference is returned when the stored association value
	// does not match the declared reference kind.
	ErrMalformedReference = errors.New("malformed reference value")
)

// Kind identifies the reference annotation style an association uses.
type Kind int

const (
	// KindDBRef stores references as {$ref, $id, $db} subdocuments.
	KindDBRef Kind = iota
	// KindDocumentReference stores references as plain values matched
	// against a lookup field (default _id) in the target collection.
	KindDocumentReference
)

func (k Kind) String() string {
	switch k {
	case KindDBRef:
		return "dbref"
	case KindDocumentReference:
		return "documentReference"
	default:
		return "unknown"
	}
}

// AbsentBehavior controls what an eager scalar reference yields when the
// referenced document no longer exists.
type AbsentBehavior int

const (
	// AbsentNil resolves a dangling scalar reference to nil without error.
	AbsentNil AbsentBehavior = iota
	// AbsentError resolves a dangling scalar reference to
	// ErrReferenceNotFound, for models that treat it as corruption.
	AbsentError
)

// AssociationDescriptor declares one association property of an entity.
//
// Descriptors are built once at startup and looked up by property name,
// replacing runtime annotation inspection with an explicit capability table.
type AssociationDescriptor struct {
	// Name is the property name the association is stored under.
	Name string

	// Kind selects the stored reference representation.
	Kind Kind

	// Lazy defers the fetch until the association is first accessed.
	Lazy bool

	// Many marks a collection-shaped association ([]T).
	Many bool

	// Map marks a map-shaped association (map[string]T). Implies fetch-many.
	Map bool

	// Database overrides the fetcher's default database. A $db field in a
	// DBRef value takes precedence over this.
	Database string

	// Collection is the target collection. For DBRef associations the $ref
	// field of the stored value takes precedence.
	Collection string

	// LookupField is the target field matched against the stored value for
	// DocumentReference associations. Defaults to "_id".
	LookupField string

	// Absent controls dangling-scalar behavior for eager resolution.
	Absent AbsentBehavior

	// TargetType is the domain type each referenced document materializes
	// into. Nil leaves results as bson.Raw.
	TargetType reflect.Type
}

func (d AssociationDescriptor) lookupField() string {
	if d.LookupField == "" {
		return "_id"
	}
	return d.LookupField
}

// EntityDescriptor is the per-entity association capability table.
type EntityDescriptor struct {
	collection   string
	associations map[string]AssociationDescriptor
}

// NewEntityDescriptor builds the association table for one entity type.
//
// When a property name is declared with both a DBRef and a DocumentReference
// descriptor, the DocumentReference one wins. Declaring the same kind twice
// for one name is an error.
func NewEntityDescriptor(collection string, associations ...AssociationDescriptor) (*EntityDescriptor, error) {
	table := make(map[string]AssociationDescriptor, len(associations))
	for _, a := range associations {
		if a.Name == "" {
			return nil, ErrAssociationNameRequired
		}
		existing, ok := table[a.Name]
		if !ok {
			table[a.Name] = a
			continue
		}
		if existing.Kind == a.Kind {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateAssociation, a.Name)
		}
		// DocumentReference takes precedence over the legacy DBRef style.
		if a.Kind == KindDocumentReference {
			table[a.Name] = a
		}
	}
	return &EntityDescriptor{collection: collection, associations: table}, nil
}

// Collection returns the owning entity's collection name.
func (e *EntityDescriptor) Collection() string {
	return e.collection
}

// Association looks up the descriptor for a property name.
func (e *EntityDescriptor) Association(name string) (AssociationDescriptor, bool) {
	d, ok := e.associations[name]
	return d, ok
}

// Associations returns all declared association descriptors.
func (e *EntityDescriptor) Associations() []AssociationDescriptor {
	out := make([]AssociationDescriptor, 0, len(e.associations))
	for _, d := range e.associations {
		out = append(out, d)
	}
	return out
}
