// Package audit classifies which fields of an entity type are audited and turns
// a tree of executed change commands into a tree of field-level audit records.
package audit

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/changeflow/pkg/apperrors"
	"github.com/ekaya-inc/changeflow/pkg/entity"
)

// FieldSet is the audit classification of one entity type.
//
//   - the id field identifies the record;
//   - external mandatory fields come from ancestor types and are always included with their current value;
//   - self mandatory fields belong to the type and are always included with their current value;
//   - on-change fields belong to the type and are included, with old and new values, only when changed.
//
// A FieldSet is immutable.
type FieldSet struct {
	idField           *entity.Field
	externalMandatory []*entity.Field
	selfMandatory     []*entity.Field
	onChange          []*entity.Field
}

func (s *FieldSet) IDField() *entity.Field { return s.idField }

func (s *FieldSet) ExternalMandatoryFields() []*entity.Field { return s.externalMandatory }

func (s *FieldSet) SelfMandatoryFields() []*entity.Field { return s.selfMandatory }

func (s *FieldSet) OnChangeFields() []*entity.Field { return s.onChange }

// MandatoryFields returns external followed by self mandatory fields.
func (s *FieldSet) MandatoryFields() []*entity.Field {
	return concatFields(s.externalMandatory, s.selfMandatory)
}

// AllSelfFields returns self mandatory followed by on-change fields.
func (s *FieldSet) AllSelfFields() []*entity.Field {
	return concatFields(s.selfMandatory, s.onChange)
}

// AllFields returns the id and every classified field, without duplicates.
func (s *FieldSet) AllFields() []*entity.Field {
	return concatFields([]*entity.Field{s.idField}, s.externalMandatory, s.selfMandatory, s.onChange)
}

// HasSelfFields reports whether the type audits any of its own fields.
func (s *FieldSet) HasSelfFields() bool {
	return len(s.selfMandatory) > 0 || len(s.onChange) > 0
}

// IntersectWith returns a set with the same id and mandatory fields whose
// on-change fields are restricted to those present in changed.
func (s *FieldSet) IntersectWith(changed []*entity.Field) *FieldSet {
	present := make(map[*entity.Field]struct{}, len(changed))
	for _, f := range changed {
		present[f] = struct{}{}
	}
	onChange := make([]*entity.Field, 0, len(s.onChange))
	for _, f := range s.onChange {
		if _, ok := present[f]; ok {
			onChange = append(onChange, f)
		}
	}
	return &FieldSet{
		idField:           s.idField,
		externalMandatory: s.externalMandatory,
		selfMandatory:     s.selfMandatory,
		onChange:          onChange,
	}
}

// Equal reports whether two sets classify the same fields the same way.
func (s *FieldSet) Equal(other *FieldSet) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.idField == other.idField &&
		sameFields(s.externalMandatory, other.externalMandatory) &&
		sameFields(s.selfMandatory, other.selfMandatory) &&
		sameFields(s.onChange, other.onChange)
}

func (s *FieldSet) String() string {
	return fmt.Sprintf("FieldSet{id=%s, externalMandatory=%s, selfMandatory=%s, onChange=%s}",
		s.idField, fieldNames(s.externalMandatory), fieldNames(s.selfMandatory), fieldNames(s.onChange))
}

// FieldSetBuilder assembles a FieldSet.
type FieldSetBuilder struct {
	idField           *entity.Field
	externalMandatory []*entity.Field
	selfMandatory     []*entity.Field
	onChange          []*entity.Field
}

// NewFieldSetBuilder starts a FieldSet for the given id field.
func NewFieldSetBuilder(idField *entity.Field) *FieldSetBuilder {
	return &FieldSetBuilder{idField: idField}
}

func (b *FieldSetBuilder) WithExternalMandatoryFields(fields ...*entity.Field) *FieldSetBuilder {
	b.externalMandatory = append(b.externalMandatory, fields...)
	return b
}

func (b *FieldSetBuilder) WithSelfMandatoryFields(fields ...*entity.Field) *FieldSetBuilder {
	b.selfMandatory = append(b.selfMandatory, fields...)
	return b
}

func (b *FieldSetBuilder) WithOnChangeFields(fields ...*entity.Field) *FieldSetBuilder {
	b.onChange = append(b.onChange, fields...)
	return b
}

// Build freezes the set. The id field is dropped from every category and an
// on-change field that is also self mandatory stays mandatory only.
func (b *FieldSetBuilder) Build() (*FieldSet, error) {
	if b.idField == nil {
		return nil, apperrors.ErrNilIDField
	}
	exclude := map[*entity.Field]struct{}{b.idField: {}}
	external := dedupe(b.externalMandatory, exclude)
	self := dedupe(b.selfMandatory, exclude)
	for _, f := range self {
		exclude[f] = struct{}{}
	}
	return &FieldSet{
		idField:           b.idField,
		externalMandatory: external,
		selfMandatory:     self,
		onChange:          dedupe(b.onChange, exclude),
	}, nil
}

// MustBuild is Build for declarations that are known to be valid.
func (b *FieldSetBuilder) MustBuild() *FieldSet {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}

func dedupe(fields []*entity.Field, exclude map[*entity.Field]struct{}) []*entity.Field {
	seen := make(map[*entity.Field]struct{}, len(fields))
	out := make([]*entity.Field, 0, len(fields))
	for _, f := range fields {
		if f == nil {
			continue
		}
		if _, skip := exclude[f]; skip {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func concatFields(groups ...[]*entity.Field) []*entity.Field {
	return dedupe(flatten(groups), nil)
}

func flatten(groups [][]*entity.Field) []*entity.Field {
	var out []*entity.Field
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func sameFields(a, b []*entity.Field) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[*entity.Field]struct{}, len(a))
	for _, f := range a {
		set[f] = struct{}{}
	}
	for _, f := range b {
		if _, ok := set[f]; !ok {
			return false
		}
	}
	return true
}

func fieldNames(fields []*entity.Field) string {
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.String())
	}
	return "[" + strings.Join(names, ", ") + "]"
}
