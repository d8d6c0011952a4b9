package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/subscriptionengine/subworker/internal/platform/logger"
)

// TxFn runs inside an open transaction. Returning nil commits; returning
// an error rolls back. Implementations typically rebind their stores to tx
// via WithTx before doing any work.
type TxFn func(ctx context.Context, tx *sql.Tx) error

// TxRunner executes functions within a database transaction boundary.
// Callers that coordinate writes across multiple stores depend on this
// interface rather than on *sql.DB so they can be tested without a
// real database.
type TxRunner interface {
	RunInTransaction(ctx context.Context, fn TxFn) error
}

// SQLTxRunner is the standard TxRunner backed by a *sql.DB.
type SQLTxRunner struct {
	db *sql.DB
}

// NewSQLTxRunner creates a TxRunner that opens transactions on the given database.
func NewSQLTxRunner(db *sql.DB) *SQLTxRunner {
	return &SQLTxRunner{db: db}
}

// RunInTransaction implements TxRunner by delegating to the package-level helper.
func (r *SQLTxRunner) RunInTransaction(ctx context.Context, fn TxFn) error {
	return RunInTransaction(ctx, r.db, fn)
}

// RunInTransaction runs fn inside a transaction on db. A nil return from
// fn commits; an error rolls back and is returned unchanged so sentinel
// checks still work in callers. A panic in fn rolls the transaction back
// and then re-panics, which matters for the task processor: its recover
// must see the panic only after the handler's writes are gone.
func RunInTransaction(ctx context.Context, db *sql.DB, fn TxFn) error {
	log := logger.FromContext(ctx)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		log.Error("failed to begin transaction",
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if txErr := tx.Rollback(); txErr != nil {
				log.Error("failed to roll back transaction after panic",
					slog.String("error", txErr.Error()),
					slog.Any("panic", p))
			} else {
				log.Error("rolled back transaction after panic",
					slog.Any("panic", p))
			}
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			log.Error("failed to roll back transaction",
				slog.String("rollback_error", rollbackErr.Error()),
				slog.String("original_error", err.Error()))
			return fmt.Errorf(
				"error rolling back transaction: %v (original error: %w)",
				rollbackErr,
				err,
			)
		}
		log.Debug("rolled back transaction due to error",
			slog.String("error", err.Error()))
		return err
	}

	if err := tx.Commit(); err != nil {
		log.Error("failed to commit transaction",
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Debug("transaction committed")
	return nil
}
