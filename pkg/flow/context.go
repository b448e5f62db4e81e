package flow

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ekaya-inc/changeflow/pkg/entity"
)

// Validation error codes.
const (
	CodeEntityNotFound   = "ENTITY_NOT_FOUND"
	CodeFieldRequired    = "FIELD_REQUIRED"
	CodeFieldImmutable   = "FIELD_IS_IMMUTABLE"
	CodeSQLInjection     = "SQL_INJECTION"
	CodeValueNotSupplied = "VALUE_NOT_SUPPLIED"
	CodeOutputFailed     = "OUTPUT_FAILED"
)

// ValidationError is a rule violation attached to one command.
type ValidationError struct {
	Field   *entity.Field // nil when the error concerns the whole command
	Code    string
	Message string
	Err     error
}

// NewValidationError creates a validation error that wraps a sentinel from apperrors.
func NewValidationError(field *entity.Field, code string, err error, message string) *ValidationError {
	return &ValidationError{Field: field, Code: code, Message: message, Err: err}
}

func (e *ValidationError) Error() string {
	var msg string
	if e.Field != nil {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Field)
	} else {
		msg = e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ChangeContext is the run-scoped state shared by all stages: the fetched
// snapshots and the validation errors, both keyed by command. A context
// belongs to exactly one run.
type ChangeContext interface {
	// RunID identifies the run in logs and audit output.
	RunID() uuid.UUID
	Features() FeatureSet
	// Entity returns the state of cmd's entity before the change, including
	// the values of ancestor types seen through the parent commands.
	Entity(cmd *entity.ChangeCommand) entity.Entity
	// Fetched returns the snapshot loaded for cmd, if its entity exists.
	Fetched(cmd *entity.ChangeCommand) (entity.Entity, bool)
	AddEntity(cmd *entity.ChangeCommand, e entity.Entity)
	AddError(cmd *entity.ChangeCommand, err *ValidationError)
	Errors(cmd *entity.ChangeCommand) []*ValidationError
	// ContainsError reports whether cmd or any of its descendants has an error.
	ContainsError(cmd *entity.ChangeCommand) bool
	ContainsErrorNonRecursive(cmd *entity.ChangeCommand) bool
	HasErrors() bool
}

type changeContext struct {
	mu        sync.RWMutex
	runID     uuid.UUID
	features  FeatureSet
	snapshots map[*entity.ChangeCommand]entity.Entity
	errors    map[*entity.ChangeCommand][]*ValidationError
}

var _ ChangeContext = (*changeContext)(nil)

// NewChangeContext creates the context for a new run.
func NewChangeContext(features FeatureSet) ChangeContext {
	return &changeContext{
		runID:     uuid.New(),
		features:  features,
		snapshots: make(map[*entity.ChangeCommand]entity.Entity),
		errors:    make(map[*entity.ChangeCommand][]*ValidationError),
	}
}

func (c *changeContext) RunID() uuid.UUID     { return c.runID }
func (c *changeContext) Features() FeatureSet { return c.features }

func (c *changeContext) Entity(cmd *entity.ChangeCommand) entity.Entity {
	return withAncestors(c, cmd, c.own(cmd))
}

func (c *changeContext) own(cmd *entity.ChangeCommand) entity.Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.snapshots[cmd]; ok {
		return e
	}
	return entity.Empty
}

func (c *changeContext) Fetched(cmd *entity.ChangeCommand) (entity.Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.snapshots[cmd]
	return e, ok
}

func (c *changeContext) AddEntity(cmd *entity.ChangeCommand, e entity.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[cmd] = e
}

func (c *changeContext) AddError(cmd *entity.ChangeCommand, err *ValidationError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[cmd] = append(c.errors[cmd], err)
}

func (c *changeContext) Errors(cmd *entity.ChangeCommand) []*ValidationError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*ValidationError(nil), c.errors[cmd]...)
}

func (c *changeContext) ContainsErrorNonRecursive(cmd *entity.ChangeCommand) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.errors[cmd]) > 0
}

func (c *changeContext) ContainsError(cmd *entity.ChangeCommand) bool {
	if c.ContainsErrorNonRecursive(cmd) {
		return true
	}
	for _, child := range cmd.AllChildren() {
		if c.ContainsError(child) {
			return true
		}
	}
	return false
}

func (c *changeContext) HasErrors() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.errors) > 0
}

// withAncestors layers the parent chain under own: a parent's new values
// (unless it is being deleted) and then its state before the change.
func withAncestors(changeCtx ChangeContext, cmd *entity.ChangeCommand, own entity.Entity) entity.Entity {
	parent := cmd.Parent()
	if parent == nil {
		return own
	}
	view := changeCtx.Entity(parent)
	if parent.Operation() != entity.OperationDelete {
		view = entity.Overlay(parent, view)
	}
	return entity.Overlay(own, view)
}

// ErrorsOf flattens the errors of cmd and its descendants, depth first.
func ErrorsOf(changeCtx ChangeContext, cmd *entity.ChangeCommand) []*ValidationError {
	out := changeCtx.Errors(cmd)
	for _, child := range cmd.AllChildren() {
		out = append(out, ErrorsOf(changeCtx, child)...)
	}
	return out
}
