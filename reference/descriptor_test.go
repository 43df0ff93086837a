package reference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntityDescriptorRequiresName(t *testing.T) {
	_, err := NewEntityDescriptor("orders", AssociationDescriptor{})
	assert.ErrorIs(t, err, ErrAssociationNameRequired)
}

func TestNewEntityDescriptorRejectsSameKindDuplicate(t *testing.T) {
	_, err := NewEntityDescriptor("orders",
		AssociationDescriptor{Name: "customer", Kind: KindDocumentReference},
		AssociationDescriptor{Name: "customer", Kind: KindDocumentReference},
	)
	assert.ErrorIs(t, err, ErrDuplicateAssociation)

	_, err = NewEntityDescriptor("orders",
		AssociationDescriptor{Name: "customer", Kind: KindDBRef},
		AssociationDescriptor{Name: "customer", Kind: KindDBRef},
	)
	assert.ErrorIs(t, err, ErrDuplicateAssociation)
}

func TestNewEntityDescriptorDocumentReferenceWins(t *testing.T) {
	// The plain-value style takes precedence over the legacy DBRef style,
	// regardless of declaration order.
	for _, assocs := range [][]AssociationDescriptor{
		{
			{Name: "customer", Kind: KindDBRef, Collection: "legacy"},
			{Name: "customer", Kind: KindDocumentReference, Collection: "customers"},
		},
		{
			{Name: "customer", Kind: KindDocumentReference, Collection: "customers"},
			{Name: "customer", Kind: KindDBRef, Collection: "legacy"},
		},
	} {
		entity, err := NewEntityDescriptor("orders", assocs...)
		require.NoError(t, err)

		desc, ok := entity.Association("customer")
		require.True(t, ok)
		assert.Equal(t, KindDocumentReference, desc.Kind)
		assert.Equal(t, "customers", desc.Collection)
	}
}

func TestEntityDescriptorLookup(t *testing.T) {
	entity, err := NewEntityDescriptor("orders",
		AssociationDescriptor{Name: "customer", Kind: KindDocumentReference, Collection: "customers"},
		AssociationDescriptor{Name: "items", Kind: KindDocumentReference, Collection: "products", Many: true},
	)
	require.NoError(t, err)

	assert.Equal(t, "orders", entity.Collection())

	_, ok := entity.Association("nope")
	assert.False(t, ok)

	desc, ok := entity.Association("items")
	require.True(t, ok)
	assert.True(t, desc.Many)

	assert.Len(t, entity.Associations(), 2)
}

func TestAssociationLookupFieldDefault(t *testing.T) {
	assert.Equal(t, "_id", AssociationDescriptor{}.lookupField())
	assert.Equal(t, "sku", AssociationDescriptor{LookupField: "sku"}.lookupField())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "dbref", KindDBRef.String())
	assert.Equal(t, "documentReference", KindDocumentReference.String())
}
