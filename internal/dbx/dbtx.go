// Package dbx holds the small database plumbing shared by the repository
// layer: the DBTX interface that lets repositories run against either a
// plain connection or an open transaction, and WithTx for grouping several
// repository calls into one transaction.
package dbx

import (
	"context"
	"database/sql"
)

// DBTX is the query surface repositories need. Satisfied by *sql.DB and
// *sql.Tx, so the same repository code serves transactional and
// non-transactional callers.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx opens a transaction, passes it to fn and commits when fn returns
// nil. Any error from fn rolls the transaction back, and a panic inside fn
// rolls back before being rethrown.
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	return fn(ctx, tx)
}
