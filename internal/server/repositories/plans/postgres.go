package plans

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chunkvault/chunkvault/internal/common"
	"github.com/chunkvault/chunkvault/internal/dbx"
	"github.com/chunkvault/chunkvault/internal/server/models"
)

// PostgresRepository implements plan persistence over a dbx.DBTX. Sizes are
// stored as a JSON array: the plan is immutable and always read whole, so a
// per-entry table buys nothing.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Put(ctx context.Context, plan *models.ChunkPlan) error {
	sizes, err := json.Marshal(plan.Sizes)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}

	query := `
		INSERT INTO chunk_plans (file_id, sizes)
		VALUES ($1, $2)
		ON CONFLICT (file_id) DO NOTHING;
	`
	if _, err := r.db.ExecContext(ctx, query, plan.FileID, sizes); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, fileID string) (*models.ChunkPlan, error) {
	query := `SELECT sizes FROM chunk_plans WHERE file_id=$1`

	var raw []byte
	if err := r.db.QueryRowContext(ctx, query, fileID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("failed to select plan: %w", err)
	}

	plan := &models.ChunkPlan{FileID: fileID}
	if err := json.Unmarshal(raw, &plan.Sizes); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	return plan, nil
}
