package entity

import (
	"fmt"
	"strings"
)

// ChangeCommand is a requested mutation of one entity instance. It carries only
// the fields that were explicitly set, plus nested commands for child types.
// Commands form a tree and are consumed by a single flow run.
type ChangeCommand struct {
	entityType EntityType
	operation  ChangeOperation
	identifier Identifier
	order      []*Field
	values     map[*Field]any
	children   []*ChangeCommand
	parent     *ChangeCommand
}

// NewCommand creates a command of the given operation.
func NewCommand(t EntityType, op ChangeOperation) *ChangeCommand {
	return &ChangeCommand{
		entityType: t,
		operation:  op,
		values:     make(map[*Field]any),
	}
}

// NewCreate creates a CREATE command.
func NewCreate(t EntityType) *ChangeCommand {
	return NewCommand(t, OperationCreate)
}

// NewUpdate creates an UPDATE command for the entity located by id.
func NewUpdate(t EntityType, id Identifier) *ChangeCommand {
	return NewCommand(t, OperationUpdate).WithIdentifier(id)
}

// NewDelete creates a DELETE command for the entity located by id.
func NewDelete(t EntityType, id Identifier) *ChangeCommand {
	return NewCommand(t, OperationDelete).WithIdentifier(id)
}

// WithIdentifier sets the identifier and returns the command.
func (c *ChangeCommand) WithIdentifier(id Identifier) *ChangeCommand {
	c.identifier = id
	return c
}

func (c *ChangeCommand) EntityType() EntityType     { return c.entityType }
func (c *ChangeCommand) Operation() ChangeOperation { return c.operation }
func (c *ChangeCommand) Identifier() Identifier     { return c.identifier }
func (c *ChangeCommand) Parent() *ChangeCommand     { return c.parent }

// Set assigns a new value to field. The field must belong to the command's type.
func (c *ChangeCommand) Set(field *Field, value any) *ChangeCommand {
	if field.EntityType() != c.entityType {
		panic(fmt.Sprintf("field %s does not belong to entity type %s", field, c.entityType.Name()))
	}
	if _, exists := c.values[field]; !exists {
		c.order = append(c.order, field)
	}
	c.values[field] = value
	return c
}

// Unset removes field from the command, as if it had never been set.
func (c *ChangeCommand) Unset(field *Field) {
	if _, exists := c.values[field]; !exists {
		return
	}
	delete(c.values, field)
	for i, f := range c.order {
		if f == field {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Contains reports whether field was explicitly set on this command.
func (c *ChangeCommand) Contains(field *Field) bool {
	_, ok := c.values[field]
	return ok
}

// Get returns the new value of field, or nil if it was not set.
func (c *ChangeCommand) Get(field *Field) any {
	return c.values[field]
}

// ChangedFields returns exactly the fields set on the command, in the order they were first set.
func (c *ChangeCommand) ChangedFields() []*Field {
	return append([]*Field(nil), c.order...)
}

// AddChild attaches a child command. Its type must be a declared child of this command's type.
func (c *ChangeCommand) AddChild(child *ChangeCommand) *ChangeCommand {
	if !HasChild(c.entityType, child.entityType) {
		panic(fmt.Sprintf("entity type %s is not a child of %s", child.entityType.Name(), c.entityType.Name()))
	}
	if child.parent != nil {
		panic("child command already attached to a parent")
	}
	child.parent = c
	c.children = append(c.children, child)
	return c
}

// Children returns the child commands of the given type, in the order they were added.
func (c *ChangeCommand) Children(t EntityType) []*ChangeCommand {
	var out []*ChangeCommand
	for _, child := range c.children {
		if child.entityType == t {
			out = append(out, child)
		}
	}
	return out
}

// AllChildren returns every child command in the order they were added.
func (c *ChangeCommand) AllChildren() []*ChangeCommand {
	return c.children
}

func (c *ChangeCommand) String() string {
	var b strings.Builder
	b.WriteString(string(c.operation))
	b.WriteByte(' ')
	b.WriteString(c.entityType.Name())
	if !c.identifier.IsEmpty() {
		b.WriteString(c.identifier.String())
	}
	return b.String()
}
