package files

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chunkvault/chunkvault/internal/common"
	"github.com/chunkvault/chunkvault/internal/dbx"
	"github.com/chunkvault/chunkvault/internal/server/models"
)

// PostgresRepository implements file persistence over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) CreateOrResume(ctx context.Context, file *models.File) error {
	query := `
		INSERT INTO files (id, user_id, name, mime_type, declared_size, total_chunks, algorithm, wrapped_key, key_iv, key_salt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id)
		DO UPDATE SET
			mime_type = EXCLUDED.mime_type,
			total_chunks = EXCLUDED.total_chunks,
			wrapped_key = EXCLUDED.wrapped_key,
			key_iv = EXCLUDED.key_iv,
			key_salt = EXCLUDED.key_salt,
			updated_at = now()
			WHERE files.user_id = EXCLUDED.user_id;
	`
	res, err := r.db.ExecContext(ctx, query,
		file.ID, file.UserID, file.Name, file.MimeType, file.DeclaredSize,
		file.TotalChunks, file.Algorithm, file.WrappedKey, file.KeyIV, file.KeySalt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		// row exists but belongs to another user
		return common.ErrUnauthorized
	}
	return nil
}

const fileColumns = `id, user_id, name, mime_type, declared_size, size, total_chunks, completed, algorithm, wrapped_key, key_iv, key_salt, created_at, updated_at`

func scanFile(row *sql.Row) (*models.File, error) {
	f := &models.File{}
	err := row.Scan(&f.ID, &f.UserID, &f.Name, &f.MimeType, &f.DeclaredSize, &f.Size,
		&f.TotalChunks, &f.Completed, &f.Algorithm, &f.WrappedKey, &f.KeyIV, &f.KeySalt,
		&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("failed to select file: %w", err)
	}
	return f, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id=$1`
	return scanFile(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepository) GetByNameAndSize(ctx context.Context, userID, name string, declaredSize int64) (*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE user_id=$1 AND name=$2 AND declared_size=$3
		ORDER BY created_at DESC LIMIT 1`
	return scanFile(r.db.QueryRowContext(ctx, query, userID, name, declaredSize))
}

// MarkCompleted is a conditional update: only an incomplete file transitions,
// so concurrent duplicate "last chunk" deliveries finalize at most once.
func (r *PostgresRepository) MarkCompleted(ctx context.Context, id string, size int64) (bool, error) {
	query := `UPDATE files SET completed=true, size=$2, updated_at=now() WHERE id=$1 AND completed=false`
	res, err := r.db.ExecContext(ctx, query, id, size)
	if err != nil {
		return false, fmt.Errorf("failed to mark completed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM files WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
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
