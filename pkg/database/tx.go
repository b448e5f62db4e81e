package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TxBeginner starts transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// InTx runs fn inside a transaction on db. See RunInTx.
func (db *DB) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return RunInTx(ctx, db.Pool, fn)
}

// RunInTx begins a transaction, binds it to the context passed to fn and
// commits when fn succeeds. Any error rolls the transaction back. When ctx
// already carries a transaction, fn joins it and the outer owner commits.
// Its signature matches retry.UnitOfWork.
func RunInTx(ctx context.Context, beginner TxBeginner, fn func(ctx context.Context) error) error {
	if _, ok := GetTx(ctx); ok {
		return fn(ctx)
	}

	tx, err := beginner.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(SetTx(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
