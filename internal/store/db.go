package store

import (
	"context"
	"database/sql"
)

// DBTX is the query surface the stores run against. *sql.DB and *sql.Tx
// both satisfy it, so a store constructed on the pool and a store rebound
// via WithTx execute the same code.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
