package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/changeflow/pkg/apperrors"
	"github.com/ekaya-inc/changeflow/pkg/audit"
	"github.com/ekaya-inc/changeflow/pkg/entity"
)

func itemFieldSet() *audit.FieldSet {
	return audit.NewFieldSetBuilder(itemID).
		WithExternalMandatoryFields(catalogName).
		WithSelfMandatoryFields(itemCategory).
		WithOnChangeFields(itemName, itemPrice).
		MustBuild()
}

func variantFieldSet() *audit.FieldSet {
	return audit.NewFieldSetBuilder(variantID).
		WithOnChangeFields(variantColor).
		MustBuild()
}

func TestBuilder_AuditingFromRegistry(t *testing.T) {
	registry := audit.NewRegistry()
	registry.RegisterFieldSet(itemType, itemFieldSet())

	cfg := NewBuilder(itemType, registry).MustBuild()
	require.NotNil(t, cfg.RecordGenerator())
	assert.True(t, cfg.RecordGenerator().FieldSet().Equal(itemFieldSet()))

	unaudited := NewBuilder(variantType, registry).MustBuild()
	assert.Nil(t, unaudited.RecordGenerator())

	noRegistry := NewBuilder(itemType, nil).MustBuild()
	assert.Nil(t, noRegistry.RecordGenerator())
}

func TestBuilder_AuditingToggles(t *testing.T) {
	build := func(configure func(b *Builder)) *Config {
		child := NewBuilder(variantType, nil).WithAuditedFieldSet(variantFieldSet())
		b := NewBuilder(itemType, nil).WithAuditedFieldSet(itemFieldSet()).WithChildFlow(child)
		configure(b)
		return b.MustBuild()
	}

	tests := []struct {
		name      string
		configure func(b *Builder)
		audited   bool
	}{
		{"default", func(*Builder) {}, true},
		{"disabled", func(b *Builder) { b.DisableAuditing() }, false},
		{"without outputs", func(b *Builder) { b.WithoutOutputGenerators() }, false},
		{"without outputs then enabled", func(b *Builder) { b.WithoutOutputGenerators().EnableAuditing() }, true},
		{"disabled then enabled", func(b *Builder) { b.DisableAuditing().EnableAuditing() }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := build(tt.configure)
			child, ok := cfg.ChildFlow(variantType)
			require.True(t, ok)
			assert.Equal(t, tt.audited, cfg.RecordGenerator() != nil)
			assert.Equal(t, tt.audited, child.RecordGenerator() != nil)
		})
	}
}

func TestBuilder_WithoutOutputGeneratorsPropagates(t *testing.T) {
	child := NewBuilder(variantType, nil).WithOutputGenerator(&recordingOutput{})
	cfg := NewBuilder(itemType, nil).
		WithOutputGenerator(&recordingOutput{}).
		WithChildFlow(child).
		WithoutOutputGenerators().
		MustBuild()

	assert.Empty(t, cfg.OutputGenerators())
	childCfg, _ := cfg.ChildFlow(variantType)
	assert.Empty(t, childCfg.OutputGenerators())
}

func TestBuilder_WithoutLabeledElements(t *testing.T) {
	keep := &stubValidator{}
	drop := &stubValidator{}
	childDrop := &stubValidator{}
	enricher := &stubEnricher{field: itemName, value: "x"}

	child := NewBuilder(variantType, nil).WithLabeledValidator(childDrop, "pricing")
	cfg := NewBuilder(itemType, nil).
		WithValidator(keep).
		WithLabeledValidator(drop, "pricing").
		WithLabeledEnricher(enricher, "naming").
		WithChildFlow(child).
		WithoutLabeledElements("pricing").
		MustBuild()

	assert.Equal(t, []Validator{keep}, cfg.Validators())
	assert.Equal(t, []Enricher{enricher}, cfg.Enrichers())
	childCfg, _ := cfg.ChildFlow(variantType)
	assert.Empty(t, childCfg.Validators())
}

func TestBuilder_WithoutValidatorsPropagates(t *testing.T) {
	child := NewBuilder(variantType, nil).WithValidator(&stubValidator{})
	cfg := NewBuilder(itemType, nil).
		WithValidator(&stubValidator{}).
		WithChildFlow(child).
		WithoutValidators().
		MustBuild()

	assert.Empty(t, cfg.Validators())
	childCfg, _ := cfg.ChildFlow(variantType)
	assert.Empty(t, childCfg.Validators())
}

func TestBuilder_PurgerRunsLast(t *testing.T) {
	purger := NewFalseUpdatesPurger()
	enricher := &stubEnricher{field: itemName, value: "x"}

	cfg := NewBuilder(itemType, nil).
		WithFalseUpdatesPurger(purger).
		WithEnricher(enricher).
		MustBuild()

	require.Len(t, cfg.Enrichers(), 2)
	assert.Same(t, enricher, cfg.Enrichers()[0])
	assert.Same(t, purger, cfg.Enrichers()[1])

	without := NewBuilder(itemType, nil).WithFalseUpdatesPurger(purger).WithoutFalseUpdatesPurger().MustBuild()
	assert.Empty(t, without.Enrichers())
}

func TestBuilder_FeaturesPropagate(t *testing.T) {
	child := NewBuilder(variantType, nil)
	cfg := NewBuilder(itemType, nil).
		WithChildFlow(child).
		WithFeatures(NewFeatureSet(FeatureAutoIncrement)).
		MustBuild()

	assert.True(t, cfg.Features().IsEnabled(FeatureAutoIncrement))
	childCfg, _ := cfg.ChildFlow(variantType)
	assert.True(t, childCfg.Features().IsEnabled(FeatureAutoIncrement))
}

func TestBuilder_RejectsInvalidTrees(t *testing.T) {
	_, err := NewBuilder(itemType, nil).WithChildFlow(NewBuilder(tagType, nil)).Build()
	assert.ErrorIs(t, err, apperrors.ErrChildFlowMismatch)

	_, err = NewBuilder(itemType, nil).
		WithChildFlow(NewBuilder(variantType, nil)).
		WithChildFlow(NewBuilder(variantType, nil)).
		Build()
	assert.ErrorIs(t, err, apperrors.ErrDuplicateChildFlow)

	_, err = NewBuilder(itemType, nil).WithRequiredFields(variantColor).Build()
	assert.ErrorIs(t, err, apperrors.ErrUnknownField)

	_, err = NewBuilder(itemType, nil).WithImmutableFields(catalogName).Build()
	assert.ErrorIs(t, err, apperrors.ErrUnknownField)

	assert.Panics(t, func() {
		NewBuilder(itemType, nil).WithChildFlow(NewBuilder(catalogType, nil)).MustBuild()
	})
}

func TestBuilder_DefaultRetryer(t *testing.T) {
	cfg := NewBuilder(itemType, nil).WithRetryer(nil).MustBuild()
	assert.NotNil(t, cfg.Retryer())
}

func TestConfig_FieldsToFetch(t *testing.T) {
	output := &recordingOutput{required: []*entity.Field{itemSKU}}
	child := NewBuilder(variantType, nil).WithAuditedFieldSet(
		audit.NewFieldSetBuilder(variantID).
			WithExternalMandatoryFields(itemCategory, catalogName).
			WithOnChangeFields(variantColor).
			MustBuild())
	cfg := NewBuilder(itemType, nil).
		WithAuditedFieldSet(itemFieldSet()).
		WithOutputGenerator(output).
		WithChildFlow(child).
		MustBuild()

	fields := cfg.FieldsToFetch([]*entity.Field{itemName}, entity.OperationUpdate)

	assert.Equal(t, itemID, fields[0], "id field comes first")
	assert.True(t, containsField(fields, itemName), "on-change field that is updated")
	assert.True(t, containsField(fields, itemCategory), "mandatory field")
	assert.True(t, containsField(fields, itemSKU), "output requirement")
	assert.False(t, containsField(fields, itemPrice), "on-change field that is not updated")
	assert.False(t, containsField(fields, catalogName), "ancestor fields are fetched by the ancestor")
	assert.Len(t, fields, 4)
}

func TestConfig_FieldsToFetchIncludesDescendantAncestorFields(t *testing.T) {
	variant := NewBuilder(variantType, nil).WithAuditedFieldSet(
		audit.NewFieldSetBuilder(variantID).
			WithExternalMandatoryFields(catalogName).
			MustBuild())
	item := NewBuilder(itemType, nil).WithChildFlow(variant)
	cfg := NewBuilder(catalogType, nil).WithChildFlow(item).MustBuild()

	fields := cfg.FieldsToFetch(nil, entity.OperationUpdate)
	assert.Equal(t, []*entity.Field{catalogID, catalogName}, fields)
}

func TestConfig_CurrentStateConsumers(t *testing.T) {
	validator := &stubValidator{}
	output := &recordingOutput{}
	cfg := NewBuilder(itemType, nil).
		WithAuditedFieldSet(itemFieldSet()).
		WithValidator(validator).
		WithOutputGenerator(output).
		MustBuild()

	consumers := cfg.CurrentStateConsumers()
	// missing entities, required fields, validator, output, audit
	require.Len(t, consumers, 5)
	assert.Same(t, validator, consumers[2])
	assert.Same(t, output, consumers[3])
	assert.Same(t, cfg.RecordGenerator(), consumers[4])
}
