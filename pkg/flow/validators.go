package flow

import (
	"context"

	"github.com/ekaya-inc/changeflow/pkg/apperrors"
	"github.com/ekaya-inc/changeflow/pkg/audit"
	"github.com/ekaya-inc/changeflow/pkg/entity"
)

// ImmutableFieldValidator rejects UPDATE commands that change a field which
// may only be set on create. Setting the field to its current value is allowed.
type ImmutableFieldValidator struct {
	fields  []*entity.Field
	auditor *audit.SecurityAuditor
}

var _ Validator = (*ImmutableFieldValidator)(nil)

// NewImmutableFieldValidator creates the validator. auditor may be nil.
func NewImmutableFieldValidator(fields []*entity.Field, auditor *audit.SecurityAuditor) *ImmutableFieldValidator {
	return &ImmutableFieldValidator{fields: fields, auditor: auditor}
}

func (v *ImmutableFieldValidator) RequiredFields(fieldsToUpdate []*entity.Field, op entity.ChangeOperation) []*entity.Field {
	if op != entity.OperationUpdate {
		return nil
	}
	return intersect(v.fields, fieldsToUpdate)
}

func (v *ImmutableFieldValidator) Validate(_ context.Context, commands []*entity.ChangeCommand, op entity.ChangeOperation, changeCtx ChangeContext) error {
	if op != entity.OperationUpdate {
		return nil
	}
	for _, cmd := range commands {
		before := changeCtx.Entity(cmd)
		for _, field := range v.fields {
			if !cmd.Contains(field) {
				continue
			}
			current, present := entity.SafeGet(before, field)
			if present && field.ValuesEqual(current, cmd.Get(field)) {
				continue
			}
			changeCtx.AddError(cmd, NewValidationError(field, CodeFieldImmutable, apperrors.ErrImmutableField, ""))
			if v.auditor != nil {
				v.auditor.LogImmutableFieldChange(changeCtx.RunID(), cmd.EntityType().Name(), cmd.Identifier().Key(), field.Name())
			}
		}
	}
	return nil
}

func intersect(fields, with []*entity.Field) []*entity.Field {
	var out []*entity.Field
	for _, f := range fields {
		for _, w := range with {
			if f == w {
				out = append(out, f)
				break
			}
		}
	}
	return out
}
