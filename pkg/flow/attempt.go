package flow

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ekaya-inc/changeflow/pkg/entity"
)

// outputAttempt is one try of the output stage. Errors raised during the try
// are held back, and the command values it starts from are recorded, so a
// try whose transaction rolled back can be undone before the next one.
type outputAttempt struct {
	original ChangeContext
	mu       sync.RWMutex
	errors   map[*entity.ChangeCommand][]*ValidationError
	values   map[*entity.ChangeCommand][]entity.FieldValue
}

var _ ChangeContext = (*outputAttempt)(nil)

func beginOutputAttempt(original ChangeContext, roots []*entity.ChangeCommand) *outputAttempt {
	a := &outputAttempt{
		original: original,
		errors:   make(map[*entity.ChangeCommand][]*ValidationError),
		values:   make(map[*entity.ChangeCommand][]entity.FieldValue),
	}
	var record func(cmd *entity.ChangeCommand)
	record = func(cmd *entity.ChangeCommand) {
		fields := cmd.ChangedFields()
		values := make([]entity.FieldValue, 0, len(fields))
		for _, f := range fields {
			values = append(values, entity.FieldValue{Field: f, Value: cmd.Get(f)})
		}
		a.values[cmd] = values
		for _, child := range cmd.AllChildren() {
			record(child)
		}
	}
	for _, root := range roots {
		record(root)
	}
	return a
}

// commit hands the errors of a successful try to the run context.
func (a *outputAttempt) commit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for cmd, errs := range a.errors {
		for _, err := range errs {
			a.original.AddError(cmd, err)
		}
	}
	a.errors = make(map[*entity.ChangeCommand][]*ValidationError)
}

// rollback drops the errors of the try and puts every command back to the
// values it had when the try began, removing generated ids.
func (a *outputAttempt) rollback() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errors = make(map[*entity.ChangeCommand][]*ValidationError)
	for cmd, values := range a.values {
		before := make(map[*entity.Field]bool, len(values))
		for _, fv := range values {
			before[fv.Field] = true
		}
		for _, f := range cmd.ChangedFields() {
			if !before[f] {
				cmd.Unset(f)
			}
		}
		for _, fv := range values {
			cmd.Set(fv.Field, fv.Value)
		}
	}
}

func (a *outputAttempt) RunID() uuid.UUID     { return a.original.RunID() }
func (a *outputAttempt) Features() FeatureSet { return a.original.Features() }

func (a *outputAttempt) Entity(cmd *entity.ChangeCommand) entity.Entity {
	return a.original.Entity(cmd)
}

func (a *outputAttempt) Fetched(cmd *entity.ChangeCommand) (entity.Entity, bool) {
	return a.original.Fetched(cmd)
}

func (a *outputAttempt) AddEntity(cmd *entity.ChangeCommand, e entity.Entity) {
	a.original.AddEntity(cmd, e)
}

func (a *outputAttempt) AddError(cmd *entity.ChangeCommand, err *ValidationError) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errors[cmd] = append(a.errors[cmd], err)
}

func (a *outputAttempt) Errors(cmd *entity.ChangeCommand) []*ValidationError {
	a.mu.RLock()
	pending := a.errors[cmd]
	a.mu.RUnlock()
	return append(a.original.Errors(cmd), pending...)
}

func (a *outputAttempt) ContainsErrorNonRecursive(cmd *entity.ChangeCommand) bool {
	a.mu.RLock()
	pending := len(a.errors[cmd]) > 0
	a.mu.RUnlock()
	return pending || a.original.ContainsErrorNonRecursive(cmd)
}

func (a *outputAttempt) ContainsError(cmd *entity.ChangeCommand) bool {
	if a.ContainsErrorNonRecursive(cmd) {
		return true
	}
	for _, child := range cmd.AllChildren() {
		if a.ContainsError(child) {
			return true
		}
	}
	return false
}

func (a *outputAttempt) HasErrors() bool {
	a.mu.RLock()
	pending := len(a.errors) > 0
	a.mu.RUnlock()
	return pending || a.original.HasErrors()
}
