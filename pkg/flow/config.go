// Package flow runs batches of hierarchical change commands through a
// per-entity-type pipeline: fetch, filter, enrich, validate, output and audit.
package flow

import (
	"fmt"

	"github.com/ekaya-inc/changeflow/pkg/apperrors"
	"github.com/ekaya-inc/changeflow/pkg/audit"
	"github.com/ekaya-inc/changeflow/pkg/entity"
)

// Config is the frozen pipeline of one entity type and, through its child
// configs, of the whole subtree below it.
type Config struct {
	entityType        entity.EntityType
	postFetchFilters  []Filter
	enrichers         []Enricher
	postSupplyFilters []Filter
	validators        []Validator
	outputs           []OutputGenerator
	recordGenerator   *audit.RecordGenerator
	retryer           Retryer
	features          FeatureSet
	requiredFields    []*entity.Field
	children          []*Config
}

var _ audit.FlowNode = (*Config)(nil)

func (c *Config) EntityType() entity.EntityType           { return c.entityType }
func (c *Config) PostFetchFilters() []Filter              { return c.postFetchFilters }
func (c *Config) Enrichers() []Enricher                   { return c.enrichers }
func (c *Config) PostSupplyFilters() []Filter             { return c.postSupplyFilters }
func (c *Config) Validators() []Validator                 { return c.validators }
func (c *Config) OutputGenerators() []OutputGenerator     { return c.outputs }
func (c *Config) Retryer() Retryer                        { return c.retryer }
func (c *Config) Features() FeatureSet                    { return c.features }
func (c *Config) RequiredFields() []*entity.Field         { return c.requiredFields }
func (c *Config) ChildFlows() []*Config                   { return c.children }
func (c *Config) RecordGenerator() *audit.RecordGenerator { return c.recordGenerator }

// AuditChildren exposes the child configs to audit generation.
func (c *Config) AuditChildren() []audit.FlowNode {
	out := make([]audit.FlowNode, 0, len(c.children))
	for _, child := range c.children {
		out = append(out, child)
	}
	return out
}

// ChildFlow returns the config for child type t.
func (c *Config) ChildFlow(t entity.EntityType) (*Config, bool) {
	for _, child := range c.children {
		if child.entityType == t {
			return child, true
		}
	}
	return nil, false
}

// CurrentStateConsumers returns every stage that reads current state, in
// pipeline order.
func (c *Config) CurrentStateConsumers() []CurrentStateConsumer {
	var out []CurrentStateConsumer
	for _, f := range c.postFetchFilters {
		out = append(out, f)
	}
	for _, e := range c.enrichers {
		out = append(out, e)
	}
	for _, f := range c.postSupplyFilters {
		out = append(out, f)
	}
	for _, v := range c.validators {
		out = append(out, v)
	}
	for _, o := range c.outputs {
		out = append(out, o)
	}
	if c.recordGenerator != nil {
		out = append(out, c.recordGenerator)
	}
	return out
}

// FieldsToFetch is the union of what all stages require for commands that
// change fieldsToUpdate, restricted to fields stored with this entity type.
// The id field is always included.
func (c *Config) FieldsToFetch(fieldsToUpdate []*entity.Field, op entity.ChangeOperation) []*entity.Field {
	seen := make(map[*entity.Field]struct{})
	var out []*entity.Field
	add := func(f *entity.Field) {
		if f == nil || f.EntityType() != c.entityType {
			return
		}
		if _, dup := seen[f]; dup {
			return
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	add(c.entityType.IDField())
	for _, consumer := range c.CurrentStateConsumers() {
		for _, f := range consumer.RequiredFields(fieldsToUpdate, op) {
			add(f)
		}
	}
	for _, f := range c.descendantAncestorFields() {
		add(f)
	}
	return out
}

// descendantAncestorFields returns the ancestor fields that audited child
// flows, at any depth, include in their records. Children read them through
// the parent's snapshot, so they are fetched at the parent level.
func (c *Config) descendantAncestorFields() []*entity.Field {
	var out []*entity.Field
	for _, child := range c.children {
		if child.recordGenerator != nil {
			out = append(out, child.recordGenerator.FieldSet().ExternalMandatoryFields()...)
		}
		out = append(out, child.descendantAncestorFields()...)
	}
	return out
}

// Builder assembles a Config. Removal calls apply to the whole subtree of
// child builders attached at the time of the call.
type Builder struct {
	entityType      entity.EntityType
	enrichers       []labeled[Enricher]
	validators      []labeled[Validator]
	outputs         []OutputGenerator
	requiredFields  []*entity.Field
	immutableFields []*entity.Field
	purger          *FalseUpdatesPurger
	children        []*Builder
	retryer         Retryer
	features        FeatureSet
	fieldSet        *audit.FieldSet
	auditing        bool
	auditor         *audit.SecurityAuditor
}

// NewBuilder starts a flow for t. When registry classifies t as audited the
// flow generates audit records for it; registry may be nil.
func NewBuilder(t entity.EntityType, registry *audit.Registry) *Builder {
	b := &Builder{
		entityType: t,
		retryer:    JustRun,
		auditing:   true,
	}
	if registry != nil {
		if fs, ok := registry.FieldSet(t); ok {
			b.fieldSet = fs
		}
	}
	return b
}

func (b *Builder) EntityType() entity.EntityType { return b.entityType }

// WithAuditedFieldSet sets the audit classification explicitly.
func (b *Builder) WithAuditedFieldSet(fs *audit.FieldSet) *Builder {
	b.fieldSet = fs
	return b
}

func (b *Builder) WithEnricher(e Enricher) *Builder {
	return b.WithLabeledEnricher(e, "")
}

func (b *Builder) WithLabeledEnricher(e Enricher, label Label) *Builder {
	b.enrichers = append(b.enrichers, labeled[Enricher]{element: e, label: label})
	return b
}

func (b *Builder) WithValidator(v Validator) *Builder {
	return b.WithLabeledValidator(v, "")
}

func (b *Builder) WithLabeledValidator(v Validator, label Label) *Builder {
	b.validators = append(b.validators, labeled[Validator]{element: v, label: label})
	return b
}

// WithoutValidators removes all validators from this flow and its child flows.
func (b *Builder) WithoutValidators() *Builder {
	b.validators = nil
	for _, child := range b.children {
		child.WithoutValidators()
	}
	return b
}

// WithoutLabeledElements removes the enrichers and validators carrying any of
// labels from this flow and its child flows.
func (b *Builder) WithoutLabeledElements(labels ...Label) *Builder {
	if len(labels) == 0 {
		return b
	}
	b.enrichers = withoutLabels(b.enrichers, labels)
	b.validators = withoutLabels(b.validators, labels)
	for _, child := range b.children {
		child.WithoutLabeledElements(labels...)
	}
	return b
}

func (b *Builder) WithOutputGenerator(o OutputGenerator) *Builder {
	b.outputs = append(b.outputs, o)
	return b
}

// WithoutOutputGenerators removes the output stage from this flow and its
// child flows. Audit records describe writes, so auditing is suspended too
// until EnableAuditing is called.
func (b *Builder) WithoutOutputGenerators() *Builder {
	b.outputs = nil
	b.auditing = false
	for _, child := range b.children {
		child.WithoutOutputGenerators()
	}
	return b
}

// EnableAuditing turns audit generation on for this flow and its child flows.
// Types without an audit classification still produce nothing.
func (b *Builder) EnableAuditing() *Builder {
	b.auditing = true
	for _, child := range b.children {
		child.EnableAuditing()
	}
	return b
}

// DisableAuditing turns audit generation off for this flow and its child flows.
func (b *Builder) DisableAuditing() *Builder {
	b.auditing = false
	for _, child := range b.children {
		child.DisableAuditing()
	}
	return b
}

// WithChildFlow attaches the flow for a child entity type.
func (b *Builder) WithChildFlow(child *Builder) *Builder {
	b.children = append(b.children, child)
	return b
}

// WithRetryer sets the retryer wrapping the output stage.
func (b *Builder) WithRetryer(r Retryer) *Builder {
	if r == nil {
		r = JustRun
	}
	b.retryer = r
	return b
}

// WithFeatures sets the feature set of this flow and its child flows.
func (b *Builder) WithFeatures(features FeatureSet) *Builder {
	b.features = features
	for _, child := range b.children {
		child.WithFeatures(features)
	}
	return b
}

// WithFalseUpdatesPurger runs p after all other enrichers.
func (b *Builder) WithFalseUpdatesPurger(p *FalseUpdatesPurger) *Builder {
	b.purger = p
	return b
}

// WithoutFalseUpdatesPurger removes the purger from this flow and its child flows.
func (b *Builder) WithoutFalseUpdatesPurger() *Builder {
	b.purger = nil
	for _, child := range b.children {
		child.WithoutFalseUpdatesPurger()
	}
	return b
}

// WithRequiredFields rejects CREATE commands that leave any of fields unset.
func (b *Builder) WithRequiredFields(fields ...*entity.Field) *Builder {
	b.requiredFields = append(b.requiredFields, fields...)
	return b
}

// WithImmutableFields rejects UPDATE commands that change any of fields.
func (b *Builder) WithImmutableFields(fields ...*entity.Field) *Builder {
	b.immutableFields = append(b.immutableFields, fields...)
	return b
}

// WithSecurityAuditor logs rejected changes of immutable fields.
func (b *Builder) WithSecurityAuditor(a *audit.SecurityAuditor) *Builder {
	b.auditor = a
	return b
}

// Build freezes the flow tree.
func (b *Builder) Build() (*Config, error) {
	if err := b.check(); err != nil {
		return nil, err
	}

	enrichers := unwrap(b.enrichers)
	if b.purger != nil {
		enrichers = append(enrichers, b.purger)
	}
	validators := unwrap(b.validators)
	if len(b.immutableFields) > 0 {
		validators = append(validators, NewImmutableFieldValidator(b.immutableFields, b.auditor))
	}

	cfg := &Config{
		entityType:        b.entityType,
		postFetchFilters:  []Filter{MissingEntitiesFilter{}},
		enrichers:         enrichers,
		postSupplyFilters: []Filter{NewRequiredFieldsFilter(append([]*entity.Field(nil), b.requiredFields...))},
		validators:        validators,
		outputs:           append([]OutputGenerator(nil), b.outputs...),
		retryer:           b.retryer,
		features:          b.features,
		requiredFields:    append([]*entity.Field(nil), b.requiredFields...),
	}
	if b.auditing && b.fieldSet != nil {
		cfg.recordGenerator = audit.NewRecordGenerator(b.fieldSet)
	}
	for _, child := range b.children {
		childCfg, err := child.Build()
		if err != nil {
			return nil, err
		}
		cfg.children = append(cfg.children, childCfg)
	}
	return cfg, nil
}

// MustBuild is Build for flows declared at startup.
func (b *Builder) MustBuild() *Config {
	cfg, err := b.Build()
	if err != nil {
		panic(err)
	}
	return cfg
}

func (b *Builder) check() error {
	seen := make(map[entity.EntityType]struct{}, len(b.children))
	for _, child := range b.children {
		if !entity.HasChild(b.entityType, child.entityType) {
			return fmt.Errorf("%s under %s: %w", child.entityType.Name(), b.entityType.Name(), apperrors.ErrChildFlowMismatch)
		}
		if _, dup := seen[child.entityType]; dup {
			return fmt.Errorf("%s under %s: %w", child.entityType.Name(), b.entityType.Name(), apperrors.ErrDuplicateChildFlow)
		}
		seen[child.entityType] = struct{}{}
	}
	for _, f := range append(append([]*entity.Field(nil), b.requiredFields...), b.immutableFields...) {
		if f.EntityType() != b.entityType {
			return fmt.Errorf("%s is not a field of %s: %w", f, b.entityType.Name(), apperrors.ErrUnknownField)
		}
	}
	return nil
}
