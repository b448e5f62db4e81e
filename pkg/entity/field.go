package entity

import (
	"fmt"
	"reflect"
	"time"
)

// EqualityFunc reports whether two values of a field are considered equal.
// Implementations must be total: nil is a legal argument on either side.
type EqualityFunc func(a, b any) bool

// StringConverter renders a field value for audit output.
type StringConverter func(value any) string

// Field is a typed, named attribute of an entity type.
// Two fields are the same field only if they are the same declaration, so
// fields are always handled by pointer.
type Field struct {
	entityType EntityType
	name       string
	column     string
	equal      EqualityFunc
	converter  StringConverter
}

// FieldOption customizes a field declaration.
type FieldOption func(*Field)

// WithColumn sets the storage column name. Defaults to the field name.
func WithColumn(column string) FieldOption {
	return func(f *Field) {
		f.column = column
	}
}

// WithEquality overrides the default deep-equality predicate.
func WithEquality(eq EqualityFunc) FieldOption {
	return func(f *Field) {
		if eq != nil {
			f.equal = eq
		}
	}
}

// WithStringConverter sets how values of this field are rendered in audit records.
func WithStringConverter(c StringConverter) FieldOption {
	return func(f *Field) {
		f.converter = c
	}
}

func newField(t EntityType, name string, opts ...FieldOption) *Field {
	f := &Field{
		entityType: t,
		name:       name,
		column:     name,
		equal:      DefaultEquality,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// EntityType returns the type that declared this field.
func (f *Field) EntityType() EntityType {
	return f.entityType
}

// Name returns the field name.
func (f *Field) Name() string {
	return f.name
}

// Column returns the storage column name.
func (f *Field) Column() string {
	return f.column
}

// StringConverter returns the configured converter, or nil.
func (f *Field) StringConverter() StringConverter {
	return f.converter
}

// ValuesEqual compares two values using the field's equality predicate.
func (f *Field) ValuesEqual(a, b any) bool {
	return f.equal(a, b)
}

// String returns "Type.name".
func (f *Field) String() string {
	if f.entityType == nil {
		return f.name
	}
	return f.entityType.Name() + "." + f.name
}

// DefaultEquality treats two nils as equal, a nil and a non-nil as different,
// and otherwise falls back to reflect.DeepEqual. Numeric values of different
// Go types (int vs int64, as produced by decoders and drivers) compare by value.
// Integers compare exactly; a float equals an integer only when it holds
// exactly that integer. A time.Time equals another time or an RFC 3339 (or
// date-only) string naming the same instant.
func DefaultEquality(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if na, ok := asNumber(a); ok {
		if nb, ok := asNumber(b); ok {
			return na.equal(nb)
		}
	}
	ta, aIsTime := a.(time.Time)
	tb, bIsTime := b.(time.Time)
	if aIsTime || bIsTime {
		if !aIsTime {
			ta, aIsTime = parseTime(a)
		}
		if !bIsTime {
			tb, bIsTime = parseTime(b)
		}
		return aIsTime && bIsTime && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

func parseTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatValue renders a value with the field's converter, or fmt's %v when none is set.
func (f *Field) FormatValue(value any) string {
	if f.converter != nil {
		return f.converter(value)
	}
	return fmt.Sprint(value)
}
