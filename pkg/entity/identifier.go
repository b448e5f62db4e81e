package entity

import (
	"fmt"
	"strings"
	"time"
)

// FieldValue pairs a field with a value.
type FieldValue struct {
	Field *Field
	Value any
}

// Identifier locates one entity instance by the values of one or more fields.
// The zero value is an empty identifier.
type Identifier struct {
	values []FieldValue
}

// NewIdentifier builds an identifier from field/value pairs in the given order.
func NewIdentifier(values ...FieldValue) Identifier {
	return Identifier{values: append([]FieldValue(nil), values...)}
}

// IDOf is a shorthand for a single-field identifier.
func IDOf(field *Field, value any) Identifier {
	return NewIdentifier(FieldValue{Field: field, Value: value})
}

// IsEmpty reports whether the identifier has no fields.
func (id Identifier) IsEmpty() bool {
	return len(id.values) == 0
}

// Values returns the identifier's field values in order.
func (id Identifier) Values() []FieldValue {
	return id.values
}

// Fields returns the identifier's fields in order.
func (id Identifier) Fields() []*Field {
	fields := make([]*Field, 0, len(id.values))
	for _, v := range id.values {
		fields = append(fields, v.Field)
	}
	return fields
}

// Get returns the value of field if it is part of the identifier.
func (id Identifier) Get(field *Field) (any, bool) {
	for _, v := range id.values {
		if v.Field == field {
			return v.Value, true
		}
	}
	return nil, false
}

// Key returns a stable string form used to correlate fetched state with commands.
// Numeric values of different Go types produce the same key.
func (id Identifier) Key() string {
	parts := make([]string, 0, len(id.values))
	for _, v := range id.values {
		parts = append(parts, v.Field.Name()+"="+keyValue(v.Value))
	}
	return strings.Join(parts, ",")
}

func (id Identifier) String() string {
	return "{" + id.Key() + "}"
}

func keyValue(v any) string {
	if n, ok := asNumber(v); ok {
		return n.String()
	}
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}
