package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/changeflow/pkg/apperrors"
	"github.com/ekaya-inc/changeflow/pkg/audit"
	"github.com/ekaya-inc/changeflow/pkg/entity"
)

// Observer receives run outcomes, e.g. to export metrics.
type Observer interface {
	CommandCompleted(entityType string, op entity.ChangeOperation, success bool)
	AuditRecordsEmitted(entityType string, count int)
	RunCompleted(entityType string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) CommandCompleted(string, entity.ChangeOperation, bool) {}
func (nopObserver) AuditRecordsEmitted(string, int)                       {}
func (nopObserver) RunCompleted(string, time.Duration)                    {}

// Result is the outcome of one root command.
type Result struct {
	Command *entity.ChangeCommand
	// Errors holds the errors of the command and of all its descendants.
	Errors []*ValidationError
}

func (r Result) Success() bool { return len(r.Errors) == 0 }

// Results is the outcome of a run, in root command order.
type Results struct {
	RunID        uuid.UUID
	Results      []Result
	AuditRecords []*audit.Record
	Context      ChangeContext
}

// HasErrors reports whether any root command failed.
func (r *Results) HasErrors() bool {
	for _, res := range r.Results {
		if !res.Success() {
			return true
		}
	}
	return false
}

// Pipeline executes flows. It is stateless between runs and safe for
// concurrent use; every run gets its own ChangeContext.
type Pipeline struct {
	fetcher   Fetcher
	publisher audit.Publisher
	observer  Observer
	logger    *zap.Logger
	generator *audit.RecursiveGenerator
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithPublisher ships the audit records of every run.
func WithPublisher(p audit.Publisher) Option {
	return func(pl *Pipeline) {
		if p != nil {
			pl.publisher = p
		}
	}
}

// WithObserver reports run outcomes to o.
func WithObserver(o Observer) Option {
	return func(pl *Pipeline) {
		if o != nil {
			pl.observer = o
		}
	}
}

// NewPipeline creates a pipeline reading current state through fetcher.
func NewPipeline(fetcher Fetcher, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		fetcher:   fetcher,
		publisher: audit.NopPublisher{},
		observer:  nopObserver{},
		logger:    logger.Named("change-flow"),
		generator: audit.NewRecursiveGenerator(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run pushes commands through cfg. Rule violations are reported per command in
// the results; a returned error means the run itself could not proceed
// (fetch failure, stage failure or a misconfigured audit classification).
func (p *Pipeline) Run(ctx context.Context, cfg *Config, commands []*entity.ChangeCommand) (*Results, error) {
	start := time.Now()
	for _, cmd := range commands {
		if cmd.EntityType() != cfg.EntityType() {
			return nil, fmt.Errorf("%s command in %s flow: %w", cmd.EntityType().Name(), cfg.EntityType().Name(), apperrors.ErrUnknownEntityType)
		}
	}

	changeCtx := NewChangeContext(cfg.Features())
	logger := p.logger.With(
		zap.String("run_id", changeCtx.RunID().String()),
		zap.String("entity_type", cfg.EntityType().Name()),
	)
	logger.Debug("Starting change flow", zap.Int("commands", len(commands)))

	stages := []struct {
		name string
		run  stageFunc
	}{
		{"fetch", func(level *Config, op entity.ChangeOperation, cmds []*entity.ChangeCommand) error {
			return p.fetch(ctx, level, op, cmds, changeCtx)
		}},
		{"post-fetch filters", func(level *Config, op entity.ChangeOperation, cmds []*entity.ChangeCommand) error {
			applyFilters(level.PostFetchFilters(), op, cmds, changeCtx)
			return nil
		}},
		{"enrichers", func(level *Config, op entity.ChangeOperation, cmds []*entity.ChangeCommand) error {
			for _, e := range level.Enrichers() {
				if err := e.Enrich(ctx, alive(cmds, changeCtx), op, changeCtx); err != nil {
					return err
				}
			}
			return nil
		}},
		{"post-supply filters", func(level *Config, op entity.ChangeOperation, cmds []*entity.ChangeCommand) error {
			applyFilters(level.PostSupplyFilters(), op, cmds, changeCtx)
			return nil
		}},
		{"validators", func(level *Config, op entity.ChangeOperation, cmds []*entity.ChangeCommand) error {
			for _, v := range level.Validators() {
				if err := v.Validate(ctx, alive(cmds, changeCtx), op, changeCtx); err != nil {
					return err
				}
			}
			return nil
		}},
	}
	for _, stage := range stages {
		if err := walk(cfg, commands, changeCtx, stage.run); err != nil {
			logger.Error("Change flow stage failed", zap.String("stage", stage.name), zap.Error(err))
			return nil, fmt.Errorf("%s: %w", stage.name, err)
		}
	}

	valid := validRoots(commands, changeCtx)
	if len(valid) > 0 {
		// The retryer calls again only after a try failed and its transaction
		// rolled back, so the previous try is undone first.
		var attempt *outputAttempt
		err := cfg.Retryer().Run(ctx, func(ctx context.Context) error {
			if attempt != nil {
				attempt.rollback()
			}
			attempt = beginOutputAttempt(changeCtx, valid)
			return p.output(ctx, cfg, valid, attempt)
		})
		if attempt != nil {
			if err != nil {
				attempt.rollback()
			} else {
				attempt.commit()
			}
		}
		if err != nil {
			logger.Error("Output stage failed", zap.Int("commands", len(valid)), zap.Error(err))
			for _, cmd := range valid {
				changeCtx.AddError(cmd, NewValidationError(nil, CodeOutputFailed,
					fmt.Errorf("%w: %w", apperrors.ErrOutputFailed, err), err.Error()))
			}
		}
	}

	records, err := p.generator.GenerateMany(cfg, validRoots(commands, changeCtx), changeCtx)
	if err != nil {
		logger.Error("Audit generation failed", zap.Error(err))
		return nil, err
	}
	if len(records) > 0 {
		if err := p.publisher.Publish(audit.WithRunID(ctx, changeCtx.RunID()), records); err != nil {
			// The changes are already written; a lost audit batch is logged, not rolled back.
			logger.Error("Failed to publish audit records", zap.Int("records", len(records)), zap.Error(err))
		}
	}
	p.observer.AuditRecordsEmitted(cfg.EntityType().Name(), len(records))

	results := &Results{
		RunID:        changeCtx.RunID(),
		Results:      make([]Result, 0, len(commands)),
		AuditRecords: records,
		Context:      changeCtx,
	}
	failed := 0
	for _, cmd := range commands {
		res := Result{Command: cmd, Errors: ErrorsOf(changeCtx, cmd)}
		if !res.Success() {
			failed++
		}
		p.observer.CommandCompleted(cfg.EntityType().Name(), cmd.Operation(), res.Success())
		results.Results = append(results.Results, res)
	}

	elapsed := time.Since(start)
	p.observer.RunCompleted(cfg.EntityType().Name(), elapsed)
	logger.Info("Change flow completed",
		zap.Int("commands", len(commands)),
		zap.Int("failed", failed),
		zap.Int("audit_records", len(records)),
		zap.Duration("elapsed", elapsed),
	)
	return results, nil
}

type stageFunc func(level *Config, op entity.ChangeOperation, commands []*entity.ChangeCommand) error

// walk applies stage level by level: to the live commands of this level, one
// call per operation, then to the children of the commands still alive.
func walk(cfg *Config, commands []*entity.ChangeCommand, changeCtx ChangeContext, stage stageFunc) error {
	for _, group := range groupByOperation(alive(commands, changeCtx)) {
		if err := stage(cfg, group.op, group.commands); err != nil {
			return err
		}
	}
	for _, child := range cfg.ChildFlows() {
		children := childrenOf(alive(commands, changeCtx), child.EntityType())
		if len(children) == 0 {
			continue
		}
		if err := walk(child, children, changeCtx, stage); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) fetch(ctx context.Context, cfg *Config, op entity.ChangeOperation, commands []*entity.ChangeCommand, changeCtx ChangeContext) error {
	if op == entity.OperationCreate || p.fetcher == nil {
		return nil
	}
	ids := make([]entity.Identifier, 0, len(commands))
	var changed []*entity.Field
	seen := make(map[*entity.Field]struct{})
	for _, cmd := range commands {
		if !cmd.Identifier().IsEmpty() {
			ids = append(ids, cmd.Identifier())
		}
		for _, f := range cmd.ChangedFields() {
			if _, dup := seen[f]; !dup {
				seen[f] = struct{}{}
				changed = append(changed, f)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}

	fields := cfg.FieldsToFetch(changed, op)
	entities, err := p.fetcher.Fetch(ctx, cfg.EntityType(), ids, fields)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", cfg.EntityType().Name(), err)
	}
	for _, cmd := range commands {
		if cmd.Identifier().IsEmpty() {
			continue
		}
		if e, ok := entities[cmd.Identifier().Key()]; ok {
			changeCtx.AddEntity(cmd, e)
		}
	}
	return nil
}

// output writes parents before children, except for deletes which run after
// the children of the level are gone.
func (p *Pipeline) output(ctx context.Context, cfg *Config, commands []*entity.ChangeCommand, changeCtx ChangeContext) error {
	groups := groupByOperation(alive(commands, changeCtx))
	for _, group := range groups {
		if group.op == entity.OperationDelete {
			continue
		}
		if err := generate(ctx, cfg, group, changeCtx); err != nil {
			return err
		}
	}
	for _, child := range cfg.ChildFlows() {
		children := childrenOf(alive(commands, changeCtx), child.EntityType())
		if len(children) == 0 {
			continue
		}
		if err := p.output(ctx, child, children, changeCtx); err != nil {
			return err
		}
	}
	for _, group := range groups {
		if group.op != entity.OperationDelete {
			continue
		}
		if err := generate(ctx, cfg, group, changeCtx); err != nil {
			return err
		}
	}
	return nil
}

func generate(ctx context.Context, cfg *Config, group operationGroup, changeCtx ChangeContext) error {
	for _, o := range cfg.OutputGenerators() {
		if err := o.Generate(ctx, alive(group.commands, changeCtx), group.op, changeCtx); err != nil {
			return err
		}
	}
	return nil
}

func applyFilters(filters []Filter, op entity.ChangeOperation, commands []*entity.ChangeCommand, changeCtx ChangeContext) {
	remaining := commands
	for _, f := range filters {
		remaining = f.Filter(remaining, op, changeCtx)
	}
}

type operationGroup struct {
	op       entity.ChangeOperation
	commands []*entity.ChangeCommand
}

// groupByOperation splits commands by operation, keeping the relative order
// inside each group and ordering groups by first appearance.
func groupByOperation(commands []*entity.ChangeCommand) []operationGroup {
	var groups []operationGroup
	index := make(map[entity.ChangeOperation]int)
	for _, cmd := range commands {
		i, ok := index[cmd.Operation()]
		if !ok {
			i = len(groups)
			index[cmd.Operation()] = i
			groups = append(groups, operationGroup{op: cmd.Operation()})
		}
		groups[i].commands = append(groups[i].commands, cmd)
	}
	return groups
}

func alive(commands []*entity.ChangeCommand, changeCtx ChangeContext) []*entity.ChangeCommand {
	out := make([]*entity.ChangeCommand, 0, len(commands))
	for _, cmd := range commands {
		if !changeCtx.ContainsErrorNonRecursive(cmd) {
			out = append(out, cmd)
		}
	}
	return out
}

func validRoots(commands []*entity.ChangeCommand, changeCtx ChangeContext) []*entity.ChangeCommand {
	out := make([]*entity.ChangeCommand, 0, len(commands))
	for _, cmd := range commands {
		if !changeCtx.ContainsError(cmd) {
			out = append(out, cmd)
		}
	}
	return out
}

func childrenOf(parents []*entity.ChangeCommand, t entity.EntityType) []*entity.ChangeCommand {
	var out []*entity.ChangeCommand
	for _, parent := range parents {
		out = append(out, parent.Children(t)...)
	}
	return out
}
