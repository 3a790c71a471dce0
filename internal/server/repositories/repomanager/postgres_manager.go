package repomanager

import (
	"context"
	"database/sql"

	"github.com/chunkvault/chunkvault/internal/dbx"
	"github.com/chunkvault/chunkvault/internal/server/migrations"
	"github.com/chunkvault/chunkvault/internal/server/repositories/chunks"
	"github.com/chunkvault/chunkvault/internal/server/repositories/files"
	"github.com/chunkvault/chunkvault/internal/server/repositories/plans"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// PostgresRepositoryManager builds postgres-backed repositories.
type PostgresRepositoryManager struct {
}

// NewPostgresRepositoryManager returns a postgres repository manager.
func NewPostgresRepositoryManager() RepositoryManager {
	return &PostgresRepositoryManager{}
}

func (m *PostgresRepositoryManager) Files(db dbx.DBTX) files.Repository {
	return files.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Chunks(db dbx.DBTX) chunks.Repository {
	return chunks.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Plans(db dbx.DBTX) plans.Repository {
	return plans.NewPostgresRepository(db)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against the given database.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return err
	}

	return nil
}
