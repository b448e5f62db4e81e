package retry

import (
	"context"

	"go.uber.org/zap"
)

// UnitOfWork runs fn as one atomic attempt, typically inside a database
// transaction that is rolled back when fn fails.
type UnitOfWork func(ctx context.Context, fn func(ctx context.Context) error) error

// DeadlockRetryer re-runs a unit of work that failed on a deadlock or a
// serialization failure. Any other error is returned immediately. It
// satisfies flow.Retryer.
type DeadlockRetryer struct {
	cfg     *Config
	logger  *zap.Logger
	unit    UnitOfWork
	onRetry func(attempt int, err error)
}

// DeadlockOption customizes a DeadlockRetryer.
type DeadlockOption func(*DeadlockRetryer)

// WithUnitOfWork wraps every attempt in unit.
func WithUnitOfWork(unit UnitOfWork) DeadlockOption {
	return func(r *DeadlockRetryer) {
		if unit != nil {
			r.unit = unit
		}
	}
}

// WithOnRetry is called before each retry, e.g. to count retries.
func WithOnRetry(fn func(attempt int, err error)) DeadlockOption {
	return func(r *DeadlockRetryer) {
		r.onRetry = fn
	}
}

func NewDeadlockRetryer(cfg *Config, logger *zap.Logger, opts ...DeadlockOption) *DeadlockRetryer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	r := &DeadlockRetryer{
		cfg:    cfg,
		logger: logger.Named("retry"),
		unit: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return fn(ctx)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes fn at most MaxRetries+1 times.
func (r *DeadlockRetryer) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := r.cfg.InitialDelay
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		lastErr = r.unit(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if !IsTransactionConflict(lastErr) || attempt == r.cfg.MaxRetries {
			return lastErr
		}

		r.logger.Warn("Transaction conflict, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", r.cfg.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(lastErr))
		if r.onRetry != nil {
			r.onRetry(attempt+1, lastErr)
		}

		var err error
		if delay, err = backoff(ctx, r.cfg, delay); err != nil {
			return err
		}
	}
	return lastErr
}
