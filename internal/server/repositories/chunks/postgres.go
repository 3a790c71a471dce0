package chunks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chunkvault/chunkvault/internal/common"
	"github.com/chunkvault/chunkvault/internal/dbx"
	"github.com/chunkvault/chunkvault/internal/server/models"
)

// PostgresRepository implements chunk persistence over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, chunk *models.Chunk) (bool, error) {
	// the conflict clause lets two concurrent uploads of the same chunk
	// race safely; the first insert wins and the loser sees zero rows
	query := `
		INSERT INTO chunks (file_id, seq, size, iv, auth_tag, storage_ref, backup_ref, backup_backend, is_header)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (file_id, seq) DO NOTHING;
	`
	res, err := r.db.ExecContext(ctx, query,
		chunk.FileID, chunk.Seq, chunk.Size, chunk.IV, chunk.AuthTag,
		chunk.StorageRef, chunk.BackupRef, chunk.BackupBackend, chunk.IsHeader)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n > 0, nil
}

const chunkColumns = `file_id, seq, size, iv, auth_tag, storage_ref, backup_ref, backup_backend, is_header`

func (r *PostgresRepository) FindByFileAndSeq(ctx context.Context, fileID string, seq int) (*models.Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE file_id=$1 AND seq=$2`

	c := &models.Chunk{}
	err := r.db.QueryRowContext(ctx, query, fileID, seq).Scan(
		&c.FileID, &c.Seq, &c.Size, &c.IV, &c.AuthTag,
		&c.StorageRef, &c.BackupRef, &c.BackupBackend, &c.IsHeader)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("failed to select chunk: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) ListByFile(ctx context.Context, fileID string) ([]*models.Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE file_id=$1 ORDER BY seq`

	rows, err := r.db.QueryContext(ctx, query, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to select chunks: %w", err)
	}
	defer rows.Close()

	var result []*models.Chunk
	for rows.Next() {
		c := &models.Chunk{}
		if err := rows.Scan(&c.FileID, &c.Seq, &c.Size, &c.IV, &c.AuthTag,
			&c.StorageRef, &c.BackupRef, &c.BackupBackend, &c.IsHeader); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) UploadedSeqs(ctx context.Context, fileID string) ([]int, error) {
	query := `SELECT seq FROM chunks WHERE file_id=$1 ORDER BY seq`

	rows, err := r.db.QueryContext(ctx, query, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to select sequence numbers: %w", err)
	}
	defer rows.Close()

	var result []int
	for rows.Next() {
		var seq int
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		result = append(result, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) SetBackupRef(ctx context.Context, fileID string, seq int, ref, backend string) error {
	query := `UPDATE chunks SET backup_ref=$3, backup_backend=$4 WHERE file_id=$1 AND seq=$2`
	res, err := r.db.ExecContext(ctx, query, fileID, seq, ref, backend)
	if err != nil {
		return fmt.Errorf("failed to set backup ref: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) SumSizes(ctx context.Context, fileID string) (int64, error) {
	query := `SELECT COALESCE(SUM(size), 0) FROM chunks WHERE file_id=$1`

	var total int64
	if err := r.db.QueryRowContext(ctx, query, fileID).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum chunk sizes: %w", err)
	}
	return total, nil
}
