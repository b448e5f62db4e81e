package audit

import (
	"fmt"

	"github.com/ekaya-inc/changeflow/pkg/apperrors"
	"github.com/ekaya-inc/changeflow/pkg/entity"
)

// RecordGenerator diffs one command against the current state of its entity
// and produces the audit record for it.
type RecordGenerator struct {
	fieldSet *FieldSet
	values   *FieldValueResolver
}

// NewRecordGenerator creates a generator for the entity type classified by fieldSet.
func NewRecordGenerator(fieldSet *FieldSet) *RecordGenerator {
	return &RecordGenerator{
		fieldSet: fieldSet,
		values:   NewFieldValueResolver(),
	}
}

// FieldSet returns the full classification this generator audits.
func (g *RecordGenerator) FieldSet() *FieldSet {
	return g.fieldSet
}

// RequiredFields returns the fields that must be fetched before Generate can
// run for a command that changes fieldsToUpdate.
func (g *RecordGenerator) RequiredFields(fieldsToUpdate []*entity.Field, _ entity.ChangeOperation) []*entity.Field {
	return g.fieldSet.IntersectWith(fieldsToUpdate).AllFields()
}

// Generate builds the audit record for cmd given the entity state before the
// change and the already built records of its children. It returns ok=false
// when the command is an UPDATE that changed nothing.
func (g *RecordGenerator) Generate(cmd *entity.ChangeCommand, before entity.Entity, childRecords []*Record) (*Record, bool, error) {
	if before == nil {
		before = entity.Empty
	}
	id, err := g.extractID(cmd, before)
	if err != nil {
		return nil, false, err
	}

	fieldSet := g.fieldSet.IntersectWith(cmd.ChangedFields())

	record := &Record{
		EntityType:      cmd.EntityType(),
		EntityID:        id,
		Operation:       cmd.Operation(),
		FieldRecords:    g.fieldRecords(cmd, before, fieldSet.OnChangeFields()),
		MandatoryValues: g.mandatoryValues(cmd, before, fieldSet.MandatoryFields()),
		ChildRecords:    childRecords,
	}

	if cmd.Operation() == entity.OperationUpdate && record.HasNoChanges() {
		return nil, false, nil
	}
	return record, true, nil
}

func (g *RecordGenerator) fieldRecords(cmd *entity.ChangeCommand, before entity.Entity, candidates []*entity.Field) []FieldRecord {
	var out []FieldRecord
	for _, field := range candidates {
		newValue := cmd.Get(field)
		oldValue, present := g.values.Value(before, field)
		if present && field.ValuesEqual(oldValue, newValue) {
			continue
		}
		out = append(out, FieldRecord{Field: field, OldValue: oldValue, NewValue: newValue})
	}
	return out
}

func (g *RecordGenerator) mandatoryValues(cmd *entity.ChangeCommand, before entity.Entity, fields []*entity.Field) []entity.FieldValue {
	var out []entity.FieldValue
	for _, field := range fields {
		var value any
		if cmd.Operation() != entity.OperationDelete && cmd.Contains(field) {
			value = cmd.Get(field)
		} else {
			value, _ = g.values.Value(before, field)
		}
		if value == nil {
			continue
		}
		out = append(out, entity.FieldValue{Field: field, Value: value})
	}
	return out
}

// extractID resolves the entity id from the command identifier, then from the
// command's own id value (set by output generators on auto-increment types),
// then from the fetched state.
func (g *RecordGenerator) extractID(cmd *entity.ChangeCommand, before entity.Entity) (string, error) {
	idField := g.fieldSet.IDField()
	if v, ok := cmd.Identifier().Get(idField); ok && v != nil {
		return idField.FormatValue(v), nil
	}
	if cmd.Contains(idField) {
		if v := cmd.Get(idField); v != nil {
			return idField.FormatValue(v), nil
		}
	}
	if v, ok := g.values.Value(before, idField); ok && v != nil {
		return idField.FormatValue(v), nil
	}
	return "", fmt.Errorf("%s %s: %w", cmd.Operation(), cmd.EntityType().Name(), apperrors.ErrEntityIDNotResolved)
}
