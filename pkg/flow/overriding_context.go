package flow

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ekaya-inc/changeflow/pkg/entity"
)

// OverridingContext layers replacement entities over an existing context.
// Entities added to it shadow the original field by field; errors and
// features are shared with the original.
type OverridingContext struct {
	original  ChangeContext
	mu        sync.RWMutex
	overrides map[*entity.ChangeCommand]entity.Entity
}

var _ ChangeContext = (*OverridingContext)(nil)

func NewOverridingContext(original ChangeContext) *OverridingContext {
	return &OverridingContext{
		original:  original,
		overrides: make(map[*entity.ChangeCommand]entity.Entity),
	}
}

func (c *OverridingContext) RunID() uuid.UUID     { return c.original.RunID() }
func (c *OverridingContext) Features() FeatureSet { return c.original.Features() }

func (c *OverridingContext) Entity(cmd *entity.ChangeCommand) entity.Entity {
	c.mu.RLock()
	e, ok := c.overrides[cmd]
	c.mu.RUnlock()
	if ok {
		return e
	}
	return c.original.Entity(cmd)
}

func (c *OverridingContext) Fetched(cmd *entity.ChangeCommand) (entity.Entity, bool) {
	c.mu.RLock()
	e, ok := c.overrides[cmd]
	c.mu.RUnlock()
	if ok {
		return e, true
	}
	return c.original.Fetched(cmd)
}

// AddEntity shadows the original entity of cmd with e.
func (c *OverridingContext) AddEntity(cmd *entity.ChangeCommand, e entity.Entity) {
	overlay := entity.Overlay(e, c.original.Entity(cmd))
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[cmd] = overlay
}

func (c *OverridingContext) AddError(cmd *entity.ChangeCommand, err *ValidationError) {
	c.original.AddError(cmd, err)
}

func (c *OverridingContext) Errors(cmd *entity.ChangeCommand) []*ValidationError {
	return c.original.Errors(cmd)
}

func (c *OverridingContext) ContainsError(cmd *entity.ChangeCommand) bool {
	return c.original.ContainsError(cmd)
}

func (c *OverridingContext) ContainsErrorNonRecursive(cmd *entity.ChangeCommand) bool {
	return c.original.ContainsErrorNonRecursive(cmd)
}

func (c *OverridingContext) HasErrors() bool {
	return c.original.HasErrors()
}
