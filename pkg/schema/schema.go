// Package schema loads entity type declarations and their audit classification
// from a YAML file and turns them into flow builders.
package schema

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/changeflow/pkg/apperrors"
	"github.com/ekaya-inc/changeflow/pkg/audit"
	"github.com/ekaya-inc/changeflow/pkg/entity"
	"github.com/ekaya-inc/changeflow/pkg/flow"
)

// File is the on-disk layout of a schema file.
type File struct {
	Types []TypeSpec `yaml:"types"`
}

// TypeSpec declares one entity type.
type TypeSpec struct {
	Name      string         `yaml:"name"`
	Table     string         `yaml:"table"`
	ID        string         `yaml:"id"`
	Fields    []FieldSpec    `yaml:"fields"`
	Children  []string       `yaml:"children"`
	ParentKey *ParentKeySpec `yaml:"parent_key"`
	Required  []string       `yaml:"required"`
	Immutable []string       `yaml:"immutable"`
	// ScreenInjection runs the SQL injection validator over the type's string values.
	ScreenInjection bool       `yaml:"screen_injection"`
	Audit           *AuditSpec `yaml:"audit"`
}

// FieldSpec declares one field. Column defaults to the name.
type FieldSpec struct {
	Name   string `yaml:"name"`
	Column string `yaml:"column"`
}

// UnmarshalYAML accepts either a bare field name or a mapping.
func (f *FieldSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		f.Name = node.Value
		return nil
	}
	type plain FieldSpec
	return node.Decode((*plain)(f))
}

// ParentKeySpec names the child field holding the parent's References field.
type ParentKeySpec struct {
	Field      string `yaml:"field"`
	References string `yaml:"references"`
}

// AuditSpec is the YAML form of audit.Classification. Ancestor fields are
// written as "Type.field".
type AuditSpec struct {
	Audited        bool              `yaml:"audited"`
	Fields         map[string]string `yaml:"fields"`
	NotAudited     []string          `yaml:"not_audited"`
	AncestorFields []string          `yaml:"ancestor_fields"`
}

// ParentKey links a child type to the parent field it references.
type ParentKey struct {
	Field      *entity.Field
	References *entity.Field
}

// Schema is a loaded, validated set of entity types.
type Schema struct {
	types     map[string]*entity.Type
	order     []*entity.Type
	specs     map[*entity.Type]TypeSpec
	parentKey map[*entity.Type]ParentKey
	registry  *audit.Registry
}

// Load reads and parses the schema file at path.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse builds a schema from YAML. Types are declared first; relations, keys
// and classifications are resolved in a second pass so that declaration
// order does not matter.
func Parse(data []byte) (*Schema, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	if len(file.Types) == 0 {
		return nil, fmt.Errorf("schema declares no types")
	}

	s := &Schema{
		types:     make(map[string]*entity.Type, len(file.Types)),
		specs:     make(map[*entity.Type]TypeSpec, len(file.Types)),
		parentKey: make(map[*entity.Type]ParentKey),
		registry:  audit.NewRegistry(),
	}
	for _, spec := range file.Types {
		if err := s.declare(spec); err != nil {
			return nil, err
		}
	}
	for _, t := range s.order {
		if err := s.link(t); err != nil {
			return nil, err
		}
	}
	for _, t := range s.order {
		if err := s.keys(t); err != nil {
			return nil, err
		}
	}
	for _, t := range s.order {
		if err := s.classify(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Schema) declare(spec TypeSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("type without a name")
	}
	if _, dup := s.types[spec.Name]; dup {
		return fmt.Errorf("type %s declared twice", spec.Name)
	}

	var opts []entity.TypeOption
	if spec.Table != "" {
		opts = append(opts, entity.WithTable(spec.Table))
	}
	t := entity.NewType(spec.Name, opts...)

	seen := make(map[string]bool, len(spec.Fields))
	for _, fs := range spec.Fields {
		if fs.Name == "" {
			return fmt.Errorf("type %s: field without a name", spec.Name)
		}
		if seen[fs.Name] {
			return fmt.Errorf("type %s: field %q declared twice", spec.Name, fs.Name)
		}
		seen[fs.Name] = true
		var fieldOpts []entity.FieldOption
		if fs.Column != "" {
			fieldOpts = append(fieldOpts, entity.WithColumn(fs.Column))
		}
		if fs.Name == spec.ID {
			t.ID(fs.Name, fieldOpts...)
		} else {
			t.Field(fs.Name, fieldOpts...)
		}
	}
	if spec.ID != "" && !seen[spec.ID] {
		t.ID(spec.ID)
	}

	s.types[spec.Name] = t
	s.order = append(s.order, t)
	s.specs[t] = spec
	return nil
}

func (s *Schema) link(t *entity.Type) error {
	for _, name := range s.specs[t].Children {
		child, ok := s.types[name]
		if !ok {
			return fmt.Errorf("type %s: child %q: %w", t.Name(), name, apperrors.ErrUnknownEntityType)
		}
		if child == t || entity.IsAncestor(t, child) {
			return fmt.Errorf("type %s: child %s forms a cycle", t.Name(), name)
		}
		if p := child.Parent(); p != nil {
			return fmt.Errorf("type %s: child %s already belongs to %s", t.Name(), name, p.Name())
		}
		t.AddChild(child)
	}
	return nil
}

func (s *Schema) keys(t *entity.Type) error {
	spec := s.specs[t]
	if spec.ParentKey == nil {
		return nil
	}
	parent, ok := t.Parent().(*entity.Type)
	if !ok {
		return fmt.Errorf("type %s: parent_key on a root type", t.Name())
	}
	field, err := fieldOf(t, spec.ParentKey.Field)
	if err != nil {
		return err
	}
	references, err := fieldOf(parent, spec.ParentKey.References)
	if err != nil {
		return err
	}
	s.parentKey[t] = ParentKey{Field: field, References: references}
	return nil
}

func (s *Schema) classify(t *entity.Type) error {
	spec := s.specs[t].Audit
	if spec == nil {
		return nil
	}
	c := audit.Classification{Audited: spec.Audited}
	if len(spec.Fields) > 0 {
		c.Fields = make(map[*entity.Field]audit.Trigger, len(spec.Fields))
		for name, raw := range spec.Fields {
			f, err := fieldOf(t, name)
			if err != nil {
				return err
			}
			trigger, err := audit.ParseTrigger(strings.ToUpper(raw))
			if err != nil {
				return fmt.Errorf("type %s field %s: %w", t.Name(), name, err)
			}
			c.Fields[f] = trigger
		}
	}
	for _, name := range spec.NotAudited {
		f, err := fieldOf(t, name)
		if err != nil {
			return err
		}
		c.NotAudited = append(c.NotAudited, f)
	}
	for _, qualified := range spec.AncestorFields {
		typeName, fieldName, ok := strings.Cut(qualified, ".")
		if !ok {
			return fmt.Errorf("type %s: ancestor field %q must be written as Type.field", t.Name(), qualified)
		}
		owner, ok := s.types[typeName]
		if !ok {
			return fmt.Errorf("type %s: ancestor field %q: %w", t.Name(), qualified, apperrors.ErrUnknownEntityType)
		}
		f, err := fieldOf(owner, fieldName)
		if err != nil {
			return err
		}
		c.AncestorFields = append(c.AncestorFields, f)
	}
	return s.registry.Register(t, c)
}

func fieldOf(t *entity.Type, name string) (*entity.Field, error) {
	f, ok := t.FieldByName(name)
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", t.Name(), name, apperrors.ErrUnknownField)
	}
	return f, nil
}

// Registry returns the audit classification of every declared type.
func (s *Schema) Registry() *audit.Registry {
	return s.registry
}

// Type looks up a declared type by name.
func (s *Schema) Type(name string) (*entity.Type, bool) {
	t, ok := s.types[name]
	return t, ok
}

// Types returns all types in declaration order.
func (s *Schema) Types() []*entity.Type {
	return s.order
}

// Roots returns the types without a parent, in declaration order.
func (s *Schema) Roots() []*entity.Type {
	var out []*entity.Type
	for _, t := range s.order {
		if t.Parent() == nil {
			out = append(out, t)
		}
	}
	return out
}

// ParentKey returns how rows of t reference their parent row.
func (s *Schema) ParentKey(t *entity.Type) (ParentKey, bool) {
	key, ok := s.parentKey[t]
	return key, ok
}

// ScreensInjection reports whether t opted into SQL injection screening.
func (s *Schema) ScreensInjection(t *entity.Type) bool {
	return s.specs[t].ScreenInjection
}

// FlowBuilder returns the builder tree rooted at t, with required and
// immutable fields applied and child flows attached. decorate, when not nil,
// is applied to every level before its children are attached.
func (s *Schema) FlowBuilder(t *entity.Type, decorate func(*flow.Builder)) (*flow.Builder, error) {
	spec := s.specs[t]
	b := flow.NewBuilder(t, s.registry)

	required, err := fieldsOf(t, spec.Required)
	if err != nil {
		return nil, err
	}
	immutable, err := fieldsOf(t, spec.Immutable)
	if err != nil {
		return nil, err
	}
	b.WithRequiredFields(required...).WithImmutableFields(immutable...)
	if decorate != nil {
		decorate(b)
	}

	for _, child := range t.Children() {
		childType, ok := child.(*entity.Type)
		if !ok {
			continue
		}
		cb, err := s.FlowBuilder(childType, decorate)
		if err != nil {
			return nil, err
		}
		b.WithChildFlow(cb)
	}
	return b, nil
}

func fieldsOf(t *entity.Type, names []string) ([]*entity.Field, error) {
	out := make([]*entity.Field, 0, len(names))
	for _, name := range names {
		f, err := fieldOf(t, name)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
