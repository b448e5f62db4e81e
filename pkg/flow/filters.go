package flow

import (
	"github.com/ekaya-inc/changeflow/pkg/apperrors"
	"github.com/ekaya-inc/changeflow/pkg/entity"
)

// MissingEntitiesFilter rejects UPDATE and DELETE commands whose entity was
// not found by the fetch stage.
type MissingEntitiesFilter struct{}

var _ Filter = MissingEntitiesFilter{}

func (MissingEntitiesFilter) RequiredFields([]*entity.Field, entity.ChangeOperation) []*entity.Field {
	return nil
}

func (MissingEntitiesFilter) Filter(commands []*entity.ChangeCommand, op entity.ChangeOperation, changeCtx ChangeContext) []*entity.ChangeCommand {
	if op == entity.OperationCreate {
		return commands
	}
	out := make([]*entity.ChangeCommand, 0, len(commands))
	for _, cmd := range commands {
		if _, found := changeCtx.Fetched(cmd); !found {
			changeCtx.AddError(cmd, NewValidationError(nil, CodeEntityNotFound, apperrors.ErrEntityNotFound,
				"no "+cmd.EntityType().Name()+" matches "+cmd.Identifier().String()))
			continue
		}
		out = append(out, cmd)
	}
	return out
}

// RequiredFieldsFilter rejects CREATE commands that leave a required field
// unset or nil.
type RequiredFieldsFilter struct {
	fields []*entity.Field
}

var _ Filter = (*RequiredFieldsFilter)(nil)

func NewRequiredFieldsFilter(fields []*entity.Field) *RequiredFieldsFilter {
	return &RequiredFieldsFilter{fields: fields}
}

func (f *RequiredFieldsFilter) RequiredFields([]*entity.Field, entity.ChangeOperation) []*entity.Field {
	return nil
}

func (f *RequiredFieldsFilter) Filter(commands []*entity.ChangeCommand, op entity.ChangeOperation, changeCtx ChangeContext) []*entity.ChangeCommand {
	if op != entity.OperationCreate || len(f.fields) == 0 {
		return commands
	}
	out := make([]*entity.ChangeCommand, 0, len(commands))
	for _, cmd := range commands {
		ok := true
		for _, field := range f.fields {
			if cmd.Get(field) == nil {
				changeCtx.AddError(cmd, NewValidationError(field, CodeFieldRequired, apperrors.ErrMissingRequiredField, ""))
				ok = false
			}
		}
		if ok {
			out = append(out, cmd)
		}
	}
	return out
}
