package audit

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

// RunIDKey is the context key for the id of the flow run that produced the records being published.
const RunIDKey contextKey = "run_id"

// WithRunID binds the run id to ctx.
func WithRunID(ctx context.Context, runID uuid.UUID) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// RunIDFromContext returns the run id bound to ctx, or uuid.Nil.
func RunIDFromContext(ctx context.Context) uuid.UUID {
	id, ok := ctx.Value(RunIDKey).(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return id
}
