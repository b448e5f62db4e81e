// Package validation holds reusable flow validators that are not tied to one entity type.
package validation

import (
	"context"

	libinjection "github.com/corazawaf/libinjection-go"

	"github.com/ekaya-inc/changeflow/pkg/apperrors"
	"github.com/ekaya-inc/changeflow/pkg/audit"
	"github.com/ekaya-inc/changeflow/pkg/entity"
	"github.com/ekaya-inc/changeflow/pkg/flow"
	"github.com/ekaya-inc/changeflow/pkg/logging"
)

// InjectionCheckResult describes a value that libinjection flagged.
type InjectionCheckResult struct {
	Field       *entity.Field
	Value       string
	Fingerprint string // libinjection fingerprint of the detected pattern
}

// CheckValue runs libinjection over a command value.
// Only string values are checked; numbers and booleans cannot carry SQL.
// Returns nil when the value is clean.
//
// Example:
//
//	result := CheckValue(itemName, "'; DROP TABLE items--")
//	// result.Fingerprint == "s&1c" (or similar)
func CheckValue(field *entity.Field, value any) *InjectionCheckResult {
	s, ok := value.(string)
	if !ok {
		return nil
	}
	isSQLi, fingerprint := libinjection.IsSQLi(s)
	if !isSQLi {
		return nil
	}
	return &InjectionCheckResult{
		Field:       field,
		Value:       s,
		Fingerprint: string(fingerprint),
	}
}

// CheckCommand checks every value set on cmd, or only the given fields when any are passed.
func CheckCommand(cmd *entity.ChangeCommand, fields ...*entity.Field) []*InjectionCheckResult {
	if len(fields) == 0 {
		fields = cmd.ChangedFields()
	}
	var results []*InjectionCheckResult
	for _, f := range fields {
		if !cmd.Contains(f) {
			continue
		}
		if r := CheckValue(f, cmd.Get(f)); r != nil {
			results = append(results, r)
		}
	}
	return results
}

// InjectionValidator rejects CREATE and UPDATE commands carrying string values
// that look like SQL injection. DELETE commands carry no values and pass.
type InjectionValidator struct {
	fields  []*entity.Field
	auditor *audit.SecurityAuditor
}

var _ flow.Validator = (*InjectionValidator)(nil)

// NewInjectionValidator checks the given fields, or every set field when none are given.
// auditor may be nil.
func NewInjectionValidator(auditor *audit.SecurityAuditor, fields ...*entity.Field) *InjectionValidator {
	return &InjectionValidator{fields: fields, auditor: auditor}
}

func (v *InjectionValidator) RequiredFields([]*entity.Field, entity.ChangeOperation) []*entity.Field {
	return nil
}

func (v *InjectionValidator) Validate(_ context.Context, commands []*entity.ChangeCommand, op entity.ChangeOperation, changeCtx flow.ChangeContext) error {
	if op == entity.OperationDelete {
		return nil
	}
	for _, cmd := range commands {
		for _, r := range CheckCommand(cmd, v.fields...) {
			changeCtx.AddError(cmd, flow.NewValidationError(r.Field, flow.CodeSQLInjection, apperrors.ErrSQLInjection,
				"fingerprint "+r.Fingerprint))
			if v.auditor != nil {
				v.auditor.LogInjectionAttempt(changeCtx.RunID(), cmd.EntityType().Name(), cmd.Identifier().Key(), audit.InjectionDetails{
					Field:       r.Field.Name(),
					Value:       logging.TruncateValue(r.Value),
					Fingerprint: r.Fingerprint,
				})
			}
		}
	}
	return nil
}
