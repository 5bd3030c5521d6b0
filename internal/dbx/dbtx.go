// Package dbx provides a tiny DB abstraction shared by the journal layer:
// a minimal interface (DBTX) implemented by both *sql.DB and *sql.Tx. The
// journal holds writes in an explicit transaction and commits them at named
// checkpoints, so its queries must run against whichever handle is current.
package dbx

import (
	"context"
	"database/sql"
)

// DBTX is the subset of database/sql used by the journal.
// Both *sql.DB and *sql.Tx satisfy this interface.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
