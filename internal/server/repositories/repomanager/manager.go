// Package repomanager provides the repository factory used by services. It
// hands out repositories bound to either the pooled *sql.DB or an open
// transaction, and applies the embedded schema migrations.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/chunkvault/chunkvault/internal/dbx"
	"github.com/chunkvault/chunkvault/internal/server/repositories/chunks"
	"github.com/chunkvault/chunkvault/internal/server/repositories/files"
	"github.com/chunkvault/chunkvault/internal/server/repositories/plans"
)

// RepositoryManager builds repositories over an arbitrary DBTX so the same
// call sites work inside and outside transactions.
type RepositoryManager interface {
	Files(db dbx.DBTX) files.Repository
	Chunks(db dbx.DBTX) chunks.Repository
	Plans(db dbx.DBTX) plans.Repository
	RunMigrations(ctx context.Context, db *sql.DB) error
}
