package flow

import (
	"context"

	"github.com/ekaya-inc/changeflow/pkg/entity"
)

// CurrentStateConsumer declares which fields of the current state a stage reads.
// The pipeline unions the declarations of every stage into one fetch.
type CurrentStateConsumer interface {
	RequiredFields(fieldsToUpdate []*entity.Field, op entity.ChangeOperation) []*entity.Field
}

// Fetcher loads the current state of entities. The result is keyed by
// entity.Identifier.Key(); ids that do not exist are simply absent.
type Fetcher interface {
	Fetch(ctx context.Context, t entity.EntityType, ids []entity.Identifier, fields []*entity.Field) (map[string]entity.Entity, error)
}

// Filter drops commands that must not be processed further. A filter reports
// each dropped command through changeCtx.AddError and returns the survivors.
type Filter interface {
	CurrentStateConsumer
	Filter(commands []*entity.ChangeCommand, op entity.ChangeOperation, changeCtx ChangeContext) []*entity.ChangeCommand
}

// Enricher adds or rewrites command values after the current state is known.
type Enricher interface {
	CurrentStateConsumer
	Enrich(ctx context.Context, commands []*entity.ChangeCommand, op entity.ChangeOperation, changeCtx ChangeContext) error
}

// Validator checks business rules. Rule violations are reported per command
// through changeCtx.AddError; a returned error aborts the run.
type Validator interface {
	CurrentStateConsumer
	Validate(ctx context.Context, commands []*entity.ChangeCommand, op entity.ChangeOperation, changeCtx ChangeContext) error
}

// OutputGenerator persists validated commands. Per-command failures are
// reported through changeCtx.AddError; a returned error fails the whole batch
// and may be retried.
type OutputGenerator interface {
	CurrentStateConsumer
	Generate(ctx context.Context, commands []*entity.ChangeCommand, op entity.ChangeOperation, changeCtx ChangeContext) error
}

// Retryer wraps the output stage.
type Retryer interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) error
}

// RetryerFunc adapts a function to the Retryer interface.
type RetryerFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func (f RetryerFunc) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

// JustRun runs the output stage once.
var JustRun Retryer = RetryerFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
})

// Label tags enrichers and validators so that tooling can remove them from a
// flow. The empty label marks elements that cannot be removed.
type Label string

type labeled[T any] struct {
	element T
	label   Label
}

func withoutLabels[T any](elements []labeled[T], labels []Label) []labeled[T] {
	out := elements[:0]
	for _, e := range elements {
		if e.label != "" && containsLabel(labels, e.label) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func containsLabel(labels []Label, l Label) bool {
	for _, candidate := range labels {
		if candidate == l {
			return true
		}
	}
	return false
}

func unwrap[T any](elements []labeled[T]) []T {
	out := make([]T, 0, len(elements))
	for _, e := range elements {
		out = append(out, e.element)
	}
	return out
}
