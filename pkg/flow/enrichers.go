package flow

import (
	"context"

	"github.com/ekaya-inc/changeflow/pkg/entity"
)

// FalseUpdatesPurger removes UPDATE values that equal the current state, so
// that no-op writes never reach the output stage.
type FalseUpdatesPurger struct {
	retain        map[*entity.Field]struct{}
	deleteIfAlone map[*entity.Field]struct{}
}

var _ Enricher = (*FalseUpdatesPurger)(nil)

// PurgerOption customizes a FalseUpdatesPurger.
type PurgerOption func(*FalseUpdatesPurger)

// WithFieldsToRetain keeps the given fields even when they did not change,
// e.g. a "last modified by" column.
func WithFieldsToRetain(fields ...*entity.Field) PurgerOption {
	return func(p *FalseUpdatesPurger) {
		for _, f := range fields {
			p.retain[f] = struct{}{}
		}
	}
}

// WithDeleteIfSetAlone drops the given fields when they are the only ones
// left on a command after purging, e.g. an "updated at" timestamp.
func WithDeleteIfSetAlone(fields ...*entity.Field) PurgerOption {
	return func(p *FalseUpdatesPurger) {
		for _, f := range fields {
			p.deleteIfAlone[f] = struct{}{}
		}
	}
}

func NewFalseUpdatesPurger(opts ...PurgerOption) *FalseUpdatesPurger {
	p := &FalseUpdatesPurger{
		retain:        make(map[*entity.Field]struct{}),
		deleteIfAlone: make(map[*entity.Field]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *FalseUpdatesPurger) RequiredFields(fieldsToUpdate []*entity.Field, op entity.ChangeOperation) []*entity.Field {
	if op != entity.OperationUpdate {
		return nil
	}
	return fieldsToUpdate
}

func (p *FalseUpdatesPurger) Enrich(_ context.Context, commands []*entity.ChangeCommand, op entity.ChangeOperation, changeCtx ChangeContext) error {
	if op != entity.OperationUpdate {
		return nil
	}
	for _, cmd := range commands {
		before := changeCtx.Entity(cmd)
		for _, field := range cmd.ChangedFields() {
			if _, keep := p.retain[field]; keep {
				continue
			}
			current, present := entity.SafeGet(before, field)
			if present && field.ValuesEqual(current, cmd.Get(field)) {
				cmd.Unset(field)
			}
		}
		if p.onlyDeleteIfAlone(cmd) {
			for _, field := range cmd.ChangedFields() {
				cmd.Unset(field)
			}
		}
	}
	return nil
}

func (p *FalseUpdatesPurger) onlyDeleteIfAlone(cmd *entity.ChangeCommand) bool {
	changed := cmd.ChangedFields()
	if len(changed) == 0 || len(p.deleteIfAlone) == 0 {
		return false
	}
	for _, f := range changed {
		if _, ok := p.deleteIfAlone[f]; !ok {
			return false
		}
	}
	return true
}

// ValueSupplier computes a new field value from the entity's current state.
// ok=false leaves the field untouched; an error rejects the command.
type ValueSupplier func(before entity.Entity) (value any, ok bool, err error)

// SupplierEnricher sets one field from a ValueSupplier once the current state
// is known, e.g. "raise the price by 10%".
type SupplierEnricher struct {
	field       *entity.Field
	supply      ValueSupplier
	fetchFields []*entity.Field
}

var _ Enricher = (*SupplierEnricher)(nil)

// NewSupplierEnricher creates an enricher for field. fetchFields are the
// fields the supplier reads.
func NewSupplierEnricher(field *entity.Field, supply ValueSupplier, fetchFields ...*entity.Field) *SupplierEnricher {
	return &SupplierEnricher{field: field, supply: supply, fetchFields: fetchFields}
}

// FromOldValue supplies fn applied to the current value of field.
func FromOldValue(field *entity.Field, fn func(old any) any) *SupplierEnricher {
	return NewSupplierEnricher(field, func(before entity.Entity) (any, bool, error) {
		return fn(before.Get(field)), true, nil
	}, field)
}

func (e *SupplierEnricher) RequiredFields([]*entity.Field, entity.ChangeOperation) []*entity.Field {
	return e.fetchFields
}

func (e *SupplierEnricher) Enrich(_ context.Context, commands []*entity.ChangeCommand, op entity.ChangeOperation, changeCtx ChangeContext) error {
	if op == entity.OperationDelete {
		return nil
	}
	for _, cmd := range commands {
		value, ok, err := e.supply(changeCtx.Entity(cmd))
		if err != nil {
			changeCtx.AddError(cmd, NewValidationError(e.field, CodeValueNotSupplied, err, err.Error()))
			continue
		}
		if ok {
			cmd.Set(e.field, value)
		}
	}
	return nil
}
