// Package entity declares entity types, their fields, change commands and the
// snapshots of current state that a change flow operates on.
package entity

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// EntityType describes one kind of business entity. Flows, audit generation
// and stores are parameterized over this descriptor rather than over Go types.
type EntityType interface {
	// Name is the unique type name, e.g. "Item".
	Name() string
	// Table is the storage table name.
	Table() string
	// Fields returns all declared fields in declaration order.
	Fields() []*Field
	// IDField returns the id field, or nil when the type has none.
	IDField() *Field
	// FieldByName looks up a declared field.
	FieldByName(name string) (*Field, bool)
	// Parent returns the parent type of a one-to-many relation, or nil.
	Parent() EntityType
	// Children returns the declared child types.
	Children() []EntityType
}

// Type is the standard EntityType implementation. Types are declared once at
// startup and are read-only afterwards.
type Type struct {
	name     string
	table    string
	fields   []*Field
	byName   map[string]*Field
	idField  *Field
	parent   *Type
	children []EntityType
}

var _ EntityType = (*Type)(nil)

// TypeOption customizes a type declaration.
type TypeOption func(*Type)

// WithTable overrides the default table name.
func WithTable(table string) TypeOption {
	return func(t *Type) {
		t.table = table
	}
}

// NewType declares an entity type. The table name defaults to the pluralized
// snake_case form of the name ("OrderLine" -> "order_lines").
func NewType(name string, opts ...TypeOption) *Type {
	t := &Type{
		name:   name,
		table:  inflection.Plural(toSnakeCase(name)),
		byName: make(map[string]*Field),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Field declares a regular field on the type.
func (t *Type) Field(name string, opts ...FieldOption) *Field {
	if _, exists := t.byName[name]; exists {
		panic(fmt.Sprintf("entity type %s: field %q declared twice", t.name, name))
	}
	f := newField(t, name, opts...)
	t.fields = append(t.fields, f)
	t.byName[name] = f
	return f
}

// ID declares the id field. A type has at most one id field.
func (t *Type) ID(name string, opts ...FieldOption) *Field {
	if t.idField != nil {
		panic(fmt.Sprintf("entity type %s: id field already declared as %q", t.name, t.idField.name))
	}
	f := t.Field(name, opts...)
	t.idField = f
	return f
}

// AddChild declares a one-to-many relation from t to child.
func (t *Type) AddChild(child *Type) *Type {
	if child.parent != nil && child.parent != t {
		panic(fmt.Sprintf("entity type %s already has parent %s", child.name, child.parent.name))
	}
	child.parent = t
	t.children = append(t.children, child)
	return t
}

func (t *Type) Name() string     { return t.name }
func (t *Type) Table() string    { return t.table }
func (t *Type) Fields() []*Field { return t.fields }
func (t *Type) IDField() *Field  { return t.idField }

func (t *Type) FieldByName(name string) (*Field, bool) {
	f, ok := t.byName[name]
	return f, ok
}

func (t *Type) Parent() EntityType {
	if t.parent == nil {
		return nil
	}
	return t.parent
}

func (t *Type) Children() []EntityType {
	return t.children
}

// HasChild reports whether child is a declared child type of t.
func HasChild(t EntityType, child EntityType) bool {
	for _, c := range t.Children() {
		if c == child {
			return true
		}
	}
	return false
}

// IsAncestor reports whether ancestor is a strict ancestor of t.
func IsAncestor(t EntityType, ancestor EntityType) bool {
	for p := t.Parent(); p != nil; p = p.Parent() {
		if p == ancestor {
			return true
		}
	}
	return false
}

func (t *Type) String() string {
	return t.name
}

func toSnakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
