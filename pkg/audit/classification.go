package audit

import (
	"fmt"
	"sync"

	"github.com/ekaya-inc/changeflow/pkg/apperrors"
	"github.com/ekaya-inc/changeflow/pkg/entity"
)

// Trigger says when a field is written to an audit record.
type Trigger string

const (
	// TriggerAlways includes the field's current value in every record.
	TriggerAlways Trigger = "ALWAYS"
	// TriggerOnChange includes the field with old and new value when it changed.
	TriggerOnChange Trigger = "ON_CHANGE"
)

// ParseTrigger converts a configuration string into a Trigger.
func ParseTrigger(s string) (Trigger, error) {
	switch t := Trigger(s); t {
	case TriggerAlways, TriggerOnChange:
		return t, nil
	default:
		return "", fmt.Errorf("invalid audit trigger %q", s)
	}
}

// Classification is the explicit audit declaration of one entity type.
type Classification struct {
	// Audited marks the whole type as audited. Every non-id field then defaults
	// to TriggerOnChange.
	Audited bool
	// Fields assigns triggers to individual fields. A field-level trigger wins
	// over the type-level default.
	Fields map[*entity.Field]Trigger
	// NotAudited excludes fields even when the type is audited.
	NotAudited []*entity.Field
	// AncestorFields are fields of ancestor types whose current values are
	// included in every record of this type.
	AncestorFields []*entity.Field
}

// FieldSetResolver turns a Classification into a FieldSet.
type FieldSetResolver struct{}

func NewFieldSetResolver() *FieldSetResolver {
	return &FieldSetResolver{}
}

// Resolve returns the field set of t, or ok=false when t is not audited. A type
// without an id field is never audited.
func (r *FieldSetResolver) Resolve(t entity.EntityType, c Classification) (*FieldSet, bool, error) {
	idField := t.IDField()
	if idField == nil {
		return nil, false, nil
	}

	excluded := make(map[*entity.Field]struct{}, len(c.NotAudited))
	for _, f := range c.NotAudited {
		excluded[f] = struct{}{}
	}
	for f := range c.Fields {
		if f.EntityType() != t {
			return nil, false, fmt.Errorf("%s is not a field of %s: %w", f, t.Name(), apperrors.ErrUnknownField)
		}
	}
	for _, f := range c.AncestorFields {
		if !entity.IsAncestor(t, f.EntityType()) {
			return nil, false, fmt.Errorf("%s does not belong to an ancestor of %s: %w", f, t.Name(), apperrors.ErrUnknownField)
		}
	}

	var always, onChange []*entity.Field
	for _, f := range t.Fields() {
		if f == idField {
			continue
		}
		if _, skip := excluded[f]; skip {
			continue
		}
		trigger, declared := c.Fields[f]
		if !declared {
			if !c.Audited {
				continue
			}
			trigger = TriggerOnChange
		}
		switch trigger {
		case TriggerAlways:
			always = append(always, f)
		case TriggerOnChange:
			onChange = append(onChange, f)
		}
	}

	fieldSet, err := NewFieldSetBuilder(idField).
		WithExternalMandatoryFields(c.AncestorFields...).
		WithSelfMandatoryFields(always...).
		WithOnChangeFields(onChange...).
		Build()
	if err != nil {
		return nil, false, err
	}
	if !c.Audited && !fieldSet.HasSelfFields() {
		return nil, false, nil
	}
	return fieldSet, true, nil
}

// Registry holds the classification of every audited entity type. It is
// filled at startup and read by flow builders.
type Registry struct {
	mu       sync.RWMutex
	resolver *FieldSetResolver
	sets     map[entity.EntityType]*FieldSet
}

func NewRegistry() *Registry {
	return &Registry{
		resolver: NewFieldSetResolver(),
		sets:     make(map[entity.EntityType]*FieldSet),
	}
}

// Register classifies t. Registering a type that turns out not to be audited
// removes any previous registration.
func (r *Registry) Register(t entity.EntityType, c Classification) error {
	fieldSet, ok, err := r.resolver.Resolve(t, c)
	if err != nil {
		return fmt.Errorf("classify %s: %w", t.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !ok {
		delete(r.sets, t)
		return nil
	}
	r.sets[t] = fieldSet
	return nil
}

// RegisterFieldSet stores an explicitly built field set for t.
func (r *Registry) RegisterFieldSet(t entity.EntityType, fieldSet *FieldSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets[t] = fieldSet
}

// FieldSet returns the field set of t, if t is audited.
func (r *Registry) FieldSet(t entity.EntityType) (*FieldSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fs, ok := r.sets[t]
	return fs, ok
}

// Generator returns a record generator for t, or nil when t is not audited.
func (r *Registry) Generator(t entity.EntityType) *RecordGenerator {
	fs, ok := r.FieldSet(t)
	if !ok {
		return nil
	}
	return NewRecordGenerator(fs)
}
