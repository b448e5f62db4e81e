// Package simulation runs a change flow side by side with legacy mutation code
// and reports where the two disagree. The flow runs without its output
// generators, so only the legacy code touches the database.
package simulation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/changeflow/pkg/entity"
	"github.com/ekaya-inc/changeflow/pkg/flow"
)

// ComparisonMismatch is one disagreement between the simulated flow and the
// legacy mutator for the entity with the given id.
type ComparisonMismatch struct {
	ID          entity.Identifier
	Description string
}

func (m ComparisonMismatch) String() string {
	return "{Id=" + m.ID.String() + ", Error: " + m.Description + "}"
}

// ActualError is a failure reported by the legacy mutator for one entity.
type ActualError struct {
	ID      entity.Identifier
	Message string
}

// ActualMutator is the legacy code being replaced. It changes the database
// and reports the entities it failed to change.
type ActualMutator interface {
	Run(ctx context.Context) ([]ActualError, error)
}

// MutatorFunc adapts a function to ActualMutator.
type MutatorFunc func(ctx context.Context) ([]ActualError, error)

func (f MutatorFunc) Run(ctx context.Context) ([]ActualError, error) {
	return f(ctx)
}

// DualRunner compares a flow with an ActualMutator over the inspected fields.
// Child commands are not compared.
type DualRunner struct {
	builder   *flow.Builder
	fetcher   flow.Fetcher
	inspected []*entity.Field
	logger    *zap.Logger
}

// NewDualRunner prepares a comparison. builder is modified: its output
// generators are replaced on every run.
func NewDualRunner(builder *flow.Builder, fetcher flow.Fetcher, inspected []*entity.Field, logger *zap.Logger) *DualRunner {
	return &DualRunner{
		builder:   builder,
		fetcher:   fetcher,
		inspected: inspected,
		logger:    logger.Named("dual-run"),
	}
}

// RunUpdate simulates UPDATE commands, runs the mutator and compares the
// final state with the command values laid over the state before the change.
func (r *DualRunner) RunUpdate(ctx context.Context, mutator ActualMutator, commands []*entity.ChangeCommand) ([]ComparisonMismatch, error) {
	ids := make([]entity.Identifier, 0, len(commands))
	for _, cmd := range commands {
		if cmd.Operation() != entity.OperationUpdate {
			return nil, fmt.Errorf("dual run update got a %s command", cmd.Operation())
		}
		ids = append(ids, cmd.Identifier())
	}
	return r.run(ctx, mutator, commands, ids)
}

// RunCreation simulates CREATE commands. Simulated and actual entities are
// correlated by uniqueKey, which every command must set; it need not be the
// primary key.
func (r *DualRunner) RunCreation(ctx context.Context, uniqueKey []*entity.Field, mutator ActualMutator, commands []*entity.ChangeCommand) ([]ComparisonMismatch, error) {
	if len(uniqueKey) == 0 {
		return nil, fmt.Errorf("dual run creation needs a unique key")
	}
	ids := make([]entity.Identifier, 0, len(commands))
	for _, cmd := range commands {
		if cmd.Operation() != entity.OperationCreate {
			return nil, fmt.Errorf("dual run creation got a %s command", cmd.Operation())
		}
		values := make([]entity.FieldValue, 0, len(uniqueKey))
		for _, f := range uniqueKey {
			if !cmd.Contains(f) {
				return nil, fmt.Errorf("command %s does not set unique key field %s", cmd, f)
			}
			values = append(values, entity.FieldValue{Field: f, Value: cmd.Get(f)})
		}
		ids = append(ids, entity.NewIdentifier(values...))
	}
	return r.run(ctx, mutator, commands, ids)
}

func (r *DualRunner) run(ctx context.Context, mutator ActualMutator, commands []*entity.ChangeCommand, ids []entity.Identifier) ([]ComparisonMismatch, error) {
	if len(commands) == 0 {
		return nil, nil
	}
	recorder := newStateRecorder(r.inspected)
	cfg, err := r.builder.
		WithoutOutputGenerators().
		WithOutputGenerator(recorder).
		Build()
	if err != nil {
		return nil, err
	}

	simulated, err := flow.NewPipeline(r.fetcher, r.logger).Run(ctx, cfg, commands)
	if err != nil {
		return nil, fmt.Errorf("simulated run: %w", err)
	}

	actualErrs, err := mutator.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("actual mutator: %w", err)
	}
	failed := make(map[string]string, len(actualErrs))
	for _, e := range actualErrs {
		failed[e.ID.Key()] = e.Message
	}

	t := commands[0].EntityType()
	actual, err := r.fetcher.Fetch(ctx, t, ids, r.inspected)
	if err != nil {
		return nil, fmt.Errorf("fetch actual state: %w", err)
	}

	expected := flow.NewOverridingContext(simulated.Context)
	var mismatches []ComparisonMismatch
	for i, res := range simulated.Results {
		cmd := res.Command
		id := ids[i]
		actualMsg, actualFailed := failed[id.Key()]

		switch {
		case !res.Success() && actualFailed:
			continue
		case !res.Success():
			mismatches = append(mismatches, ComparisonMismatch{ID: id,
				Description: "simulated command failed but the actual mutation succeeded: " + errorList(res.Errors)})
			continue
		case actualFailed:
			mismatches = append(mismatches, ComparisonMismatch{ID: id,
				Description: "actual mutation failed but the simulated command succeeded: " + actualMsg})
			continue
		}

		after, found := actual[id.Key()]
		if !found {
			mismatches = append(mismatches, ComparisonMismatch{ID: id, Description: "entity not found after the actual mutation"})
			continue
		}

		want := commandValues(cmd)
		if cmd.Operation() == entity.OperationUpdate {
			expected.AddEntity(cmd, want)
			want = expected.Entity(cmd)
		}
		for _, f := range r.inspected {
			wantValue, _ := entity.SafeGet(want, f)
			gotValue, _ := entity.SafeGet(after, f)
			if !f.ValuesEqual(wantValue, gotValue) {
				mismatches = append(mismatches, ComparisonMismatch{ID: id,
					Description: fmt.Sprintf("field %s: simulated %s, actual %s", f.Name(), f.FormatValue(wantValue), f.FormatValue(gotValue))})
			}
		}
	}

	r.logger.Info("Dual run completed",
		zap.String("entity_type", t.Name()),
		zap.Int("commands", len(commands)),
		zap.Int("simulated_outputs", recorder.count()),
		zap.Int("mismatches", len(mismatches)))
	return mismatches, nil
}

func commandValues(cmd *entity.ChangeCommand) entity.Entity {
	snapshot := entity.NewSnapshot()
	for _, f := range cmd.ChangedFields() {
		snapshot.Set(f, cmd.Get(f))
	}
	return snapshot
}

func errorList(errs []*flow.ValidationError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

// stateRecorder stands in for the output stage. It asks for the inspected
// fields so that the state before the change is fetched, and counts the
// commands that reached output.
type stateRecorder struct {
	inspected []*entity.Field
	mu        sync.Mutex
	seen      int
}

var _ flow.OutputGenerator = (*stateRecorder)(nil)

func newStateRecorder(inspected []*entity.Field) *stateRecorder {
	return &stateRecorder{inspected: inspected}
}

func (s *stateRecorder) RequiredFields(_ []*entity.Field, op entity.ChangeOperation) []*entity.Field {
	if op == entity.OperationCreate {
		return nil
	}
	return s.inspected
}

func (s *stateRecorder) Generate(_ context.Context, commands []*entity.ChangeCommand, _ entity.ChangeOperation, _ flow.ChangeContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen += len(commands)
	return nil
}

func (s *stateRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen
}
