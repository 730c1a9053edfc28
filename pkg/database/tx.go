package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TxRunner runs a function inside a transaction. Services depend on this
// interface so tests can substitute a pass-through runner.
type TxRunner interface {
	// InTx runs fn with a transaction-scoped context. Nested calls become savepoints.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	// InSnapshot runs fn in a REPEATABLE READ transaction so every read sees
	// one consistent snapshot.
	InSnapshot(ctx context.Context, fn func(ctx context.Context) error) error
}

// PgxTxRunner implements TxRunner on the scope found in context.
type PgxTxRunner struct{}

var _ TxRunner = PgxTxRunner{}

func (PgxTxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return InTx(ctx, fn)
}

func (PgxTxRunner) InSnapshot(ctx context.Context, fn func(ctx context.Context) error) error {
	return InTx(ctx, func(ctx context.Context) error {
		scope, _ := GetScope(ctx)
		if _, err := scope.Conn.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL REPEATABLE READ READ ONLY"); err != nil {
			return fmt.Errorf("failed to set snapshot isolation: %w", err)
		}
		return fn(ctx)
	})
}

// InTx begins a transaction on the context's scope, runs fn with the
// transaction installed as the scope, and commits if fn returns nil.
func InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	scope, ok := GetScope(ctx)
	if !ok {
		return ErrNoScope
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
			}
		}
	}()

	if err = fn(SetScope(ctx, NewScope(tx))); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// PassthroughTxRunner runs fn directly without a transaction. It backs
// in-memory stores in tests and single-process tools.
type PassthroughTxRunner struct{}

var _ TxRunner = PassthroughTxRunner{}

func (PassthroughTxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (PassthroughTxRunner) InSnapshot(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
