package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/changeflow/pkg/apperrors"
	"github.com/ekaya-inc/changeflow/pkg/entity"
)

func TestFieldSetResolver_Resolve(t *testing.T) {
	resolver := NewFieldSetResolver()

	tests := []struct {
		name           string
		entityType     entity.EntityType
		classification Classification
		wantAudited    bool
		wantMandatory  []*entity.Field
		wantOnChange   []*entity.Field
		wantExternal   []*entity.Field
	}{
		{
			name:           "type without id is never audited",
			entityType:     noteType,
			classification: Classification{Audited: true},
			wantAudited:    false,
		},
		{
			name:           "nothing declared",
			entityType:     itemType,
			classification: Classification{},
			wantAudited:    false,
		},
		{
			name:           "entity level defaults every non-id field to on-change",
			entityType:     itemType,
			classification: Classification{Audited: true},
			wantAudited:    true,
			wantMandatory:  []*entity.Field{},
			wantOnChange:   []*entity.Field{itemName, itemCategory, itemPrice},
			wantExternal:   []*entity.Field{},
		},
		{
			name:       "field triggers override entity default and exclusions apply",
			entityType: itemType,
			classification: Classification{
				Audited:    true,
				Fields:     map[*entity.Field]Trigger{itemCategory: TriggerAlways},
				NotAudited: []*entity.Field{itemPrice},
			},
			wantAudited:   true,
			wantMandatory: []*entity.Field{itemCategory},
			wantOnChange:  []*entity.Field{itemName},
			wantExternal:  []*entity.Field{},
		},
		{
			name:       "field level only",
			entityType: itemType,
			classification: Classification{
				Fields:         map[*entity.Field]Trigger{itemName: TriggerOnChange},
				AncestorFields: []*entity.Field{catalogName},
			},
			wantAudited:   true,
			wantMandatory: []*entity.Field{},
			wantOnChange:  []*entity.Field{itemName},
			wantExternal:  []*entity.Field{catalogName},
		},
		{
			name:       "ancestor fields alone do not make a type audited",
			entityType: itemType,
			classification: Classification{
				AncestorFields: []*entity.Field{catalogName},
			},
			wantAudited: false,
		},
		{
			name:           "entity level with only an id is audited",
			entityType:     catalogType,
			classification: Classification{Audited: true, NotAudited: []*entity.Field{catalogName}},
			wantAudited:    true,
			wantMandatory:  []*entity.Field{},
			wantOnChange:   []*entity.Field{},
			wantExternal:   []*entity.Field{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, ok, err := resolver.Resolve(tt.entityType, tt.classification)
			require.NoError(t, err)
			require.Equal(t, tt.wantAudited, ok)
			if !ok {
				assert.Nil(t, fs)
				return
			}
			assert.Equal(t, tt.entityType.IDField(), fs.IDField())
			assert.Equal(t, tt.wantMandatory, fs.SelfMandatoryFields())
			assert.Equal(t, tt.wantOnChange, fs.OnChangeFields())
			assert.Equal(t, tt.wantExternal, fs.ExternalMandatoryFields())
		})
	}
}

func TestFieldSetResolver_RejectsForeignFields(t *testing.T) {
	resolver := NewFieldSetResolver()

	_, _, err := resolver.Resolve(itemType, Classification{
		Fields: map[*entity.Field]Trigger{variantColor: TriggerAlways},
	})
	require.ErrorIs(t, err, apperrors.ErrUnknownField)

	_, _, err = resolver.Resolve(itemType, Classification{
		Audited:        true,
		AncestorFields: []*entity.Field{variantColor},
	})
	require.ErrorIs(t, err, apperrors.ErrUnknownField)
}

func TestParseTrigger(t *testing.T) {
	trigger, err := ParseTrigger("ALWAYS")
	require.NoError(t, err)
	assert.Equal(t, TriggerAlways, trigger)

	_, err = ParseTrigger("sometimes")
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()

	require.NoError(t, registry.Register(itemType, Classification{Audited: true}))
	require.NoError(t, registry.Register(variantType, Classification{}))

	fs, ok := registry.FieldSet(itemType)
	require.True(t, ok)
	assert.Equal(t, itemID, fs.IDField())
	assert.NotNil(t, registry.Generator(itemType))

	_, ok = registry.FieldSet(variantType)
	assert.False(t, ok)
	assert.Nil(t, registry.Generator(variantType))

	require.NoError(t, registry.Register(itemType, Classification{}))
	_, ok = registry.FieldSet(itemType)
	assert.False(t, ok, "re-registering as not audited removes the type")

	registry.RegisterFieldSet(variantType, NewFieldSetBuilder(variantID).WithOnChangeFields(variantColor).MustBuild())
	assert.NotNil(t, registry.Generator(variantType))
}
