package audit

import (
	"encoding/json"
	"strings"

	"github.com/ekaya-inc/changeflow/pkg/entity"
)

// UnlimitedDepth renders a record with all of its descendants.
const UnlimitedDepth = -1

// FieldRecord is one changed field: its value before and after the change.
type FieldRecord struct {
	Field    *entity.Field
	OldValue any
	NewValue any
}

// Record is one node of an audit tree. Records are built bottom-up and are not
// modified afterwards.
type Record struct {
	EntityType      entity.EntityType
	EntityID        string
	Operation       entity.ChangeOperation
	FieldRecords    []FieldRecord
	MandatoryValues []entity.FieldValue
	ChildRecords    []*Record
}

// HasNoChanges reports whether the record carries neither field changes nor
// child records. Mandatory values do not count as changes.
func (r *Record) HasNoChanges() bool {
	return len(r.FieldRecords) == 0 && len(r.ChildRecords) == 0
}

// FieldRecord returns the record for field, if the field changed.
func (r *Record) FieldRecord(field *entity.Field) (FieldRecord, bool) {
	for _, fr := range r.FieldRecords {
		if fr.Field == field {
			return fr, true
		}
	}
	return FieldRecord{}, false
}

// MandatoryValue returns the mandatory value recorded for field.
func (r *Record) MandatoryValue(field *entity.Field) (any, bool) {
	for _, mv := range r.MandatoryValues {
		if mv.Field == field {
			return mv.Value, true
		}
	}
	return nil, false
}

// String renders the record and all of its descendants.
func (r *Record) String() string {
	return r.Format(UnlimitedDepth)
}

// Format renders the record down to maxDepth levels. A depth of 0 renders as
// the empty string, 1 renders this node only, and a negative depth is unlimited.
func (r *Record) Format(maxDepth int) string {
	if maxDepth == 0 {
		return ""
	}
	var b strings.Builder
	r.writeTo(&b, maxDepth)
	return b.String()
}

func (r *Record) writeTo(b *strings.Builder, depth int) {
	b.WriteString("AuditRecord{entityType=")
	b.WriteString(typeName(r.EntityType))
	b.WriteString(", entityId=")
	b.WriteString(r.EntityID)
	b.WriteString(", operation=")
	b.WriteString(r.Operation.String())

	if len(r.MandatoryValues) > 0 {
		b.WriteString(", mandatoryFieldValues=[")
		for i, mv := range r.MandatoryValues {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(mv.Field.Name())
			b.WriteByte('=')
			b.WriteString(mv.Field.FormatValue(mv.Value))
		}
		b.WriteByte(']')
	}

	if len(r.FieldRecords) > 0 {
		b.WriteString(", fieldRecords=[")
		for i, fr := range r.FieldRecords {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(fr.Field.Name())
			b.WriteByte('=')
			b.WriteString(formatNullable(fr.Field, fr.OldValue))
			b.WriteString("->")
			b.WriteString(formatNullable(fr.Field, fr.NewValue))
		}
		b.WriteByte(']')
	}

	if len(r.ChildRecords) > 0 && depth != 1 {
		b.WriteString(", childRecords=[")
		for i, child := range r.ChildRecords {
			if i > 0 {
				b.WriteString(", ")
			}
			child.writeTo(b, depth-1)
		}
		b.WriteByte(']')
	}
	b.WriteByte('}')
}

func formatNullable(field *entity.Field, value any) string {
	if value == nil {
		return "null"
	}
	return field.FormatValue(value)
}

func typeName(t entity.EntityType) string {
	if t == nil {
		return ""
	}
	return t.Name()
}

// recordJSON is the published wire form of a Record.
type recordJSON struct {
	EntityType      string             `json:"entity_type"`
	EntityID        string             `json:"entity_id"`
	Operation       string             `json:"operation"`
	MandatoryValues map[string]string  `json:"mandatory_values,omitempty"`
	FieldRecords    []fieldRecordJSON  `json:"field_records,omitempty"`
	ChildRecords    []*json.RawMessage `json:"child_records,omitempty"`
}

type fieldRecordJSON struct {
	Field    string  `json:"field"`
	OldValue *string `json:"old_value"`
	NewValue *string `json:"new_value"`
}

// MarshalJSON renders values through each field's string converter so that
// consumers see the same representation as the String form.
func (r *Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		EntityType: typeName(r.EntityType),
		EntityID:   r.EntityID,
		Operation:  r.Operation.String(),
	}
	if len(r.MandatoryValues) > 0 {
		out.MandatoryValues = make(map[string]string, len(r.MandatoryValues))
		for _, mv := range r.MandatoryValues {
			out.MandatoryValues[mandatoryKey(r.EntityType, mv.Field)] = mv.Field.FormatValue(mv.Value)
		}
	}
	for _, fr := range r.FieldRecords {
		out.FieldRecords = append(out.FieldRecords, fieldRecordJSON{
			Field:    fr.Field.Name(),
			OldValue: nullableString(fr.Field, fr.OldValue),
			NewValue: nullableString(fr.Field, fr.NewValue),
		})
	}
	for _, child := range r.ChildRecords {
		raw, err := json.Marshal(child)
		if err != nil {
			return nil, err
		}
		msg := json.RawMessage(raw)
		out.ChildRecords = append(out.ChildRecords, &msg)
	}
	return json.Marshal(out)
}

// mandatoryKey qualifies fields of ancestor types with their type name.
func mandatoryKey(owner entity.EntityType, field *entity.Field) string {
	if field.EntityType() == owner {
		return field.Name()
	}
	return field.String()
}

func nullableString(field *entity.Field, value any) *string {
	if value == nil {
		return nil
	}
	s := field.FormatValue(value)
	return &s
}
