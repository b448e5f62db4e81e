package entity

import (
	"fmt"
	"strings"
)

// ChangeOperation is the kind of mutation a command requests.
type ChangeOperation string

const (
	OperationCreate ChangeOperation = "CREATE"
	OperationUpdate ChangeOperation = "UPDATE"
	OperationDelete ChangeOperation = "DELETE"
)

// String returns the string representation of a ChangeOperation.
func (o ChangeOperation) String() string {
	return string(o)
}

// IsValid returns true if the operation is one of the known operations.
func (o ChangeOperation) IsValid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}

// ParseOperation parses an operation name case-insensitively.
func ParseOperation(s string) (ChangeOperation, error) {
	op := ChangeOperation(strings.ToUpper(strings.TrimSpace(s)))
	if !op.IsValid() {
		return "", fmt.Errorf("unknown change operation %q", s)
	}
	return op, nil
}
