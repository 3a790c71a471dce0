// Package chunks persists chunk records. Rows are append-only except for the
// lazily added backup reference.
package chunks

import (
	"context"

	"github.com/chunkvault/chunkvault/internal/server/models"
)

// Repository is the storage contract for chunk records.
type Repository interface {
	// Create appends a new chunk record. Returns false when a record for
	// the same (file, seq) already exists, leaving the existing row intact.
	Create(ctx context.Context, chunk *models.Chunk) (bool, error)

	// FindByFileAndSeq returns the record or common.ErrNotFound. Used for
	// idempotent duplicate detection before accepting an upload.
	FindByFileAndSeq(ctx context.Context, fileID string, seq int) (*models.Chunk, error)

	// ListByFile returns all chunk records ordered by sequence number.
	ListByFile(ctx context.Context, fileID string) ([]*models.Chunk, error)

	// UploadedSeqs returns the sorted sequence numbers already recorded.
	UploadedSeqs(ctx context.Context, fileID string) ([]int, error)

	// SetBackupRef records a successful best-effort backup write.
	SetBackupRef(ctx context.Context, fileID string, seq int, ref, backend string) error

	// SumSizes returns the sum of persisted chunk sizes, the authoritative
	// total used when finalizing the file.
	SumSizes(ctx context.Context, fileID string) (int64, error)
}
