package apperrors

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")

	// Configuration-time defects. These abort a run and are never reported as validation errors.
	ErrNilIDField          = errors.New("id field is required")
	ErrEntityIDNotResolved = errors.New("could not extract the entity id from either the command or the current state")
	ErrUnknownEntityType   = errors.New("unknown entity type")
	ErrUnknownField        = errors.New("unknown field")
	ErrDuplicateChildFlow  = errors.New("child flow already registered for entity type")
	ErrChildFlowMismatch   = errors.New("child flow entity type is not a declared child")

	// Per-command validation failures.
	ErrEntityNotFound       = errors.New("entity not found")
	ErrMissingRequiredField = errors.New("required field is missing")
	ErrImmutableField       = errors.New("field is immutable")
	ErrSQLInjection         = errors.New("value matches a SQL injection pattern")
	ErrOutputFailed         = errors.New("output failed")
)
