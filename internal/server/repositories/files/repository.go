// Package files persists file records: one row per chunked upload, created
// on the first chunk and completed exactly once.
package files

import (
	"context"

	"github.com/chunkvault/chunkvault/internal/server/models"
)

// Repository is the storage contract for file records.
type Repository interface {
	// CreateOrResume upserts the record by id. A fresh upload inserts the
	// row; a resumed upload refreshes the mutable fields (key material,
	// expected chunk count, mime type) without touching completion state
	// or already-uploaded chunk records.
	CreateOrResume(ctx context.Context, file *models.File) error

	// GetByID returns the record or common.ErrNotFound.
	GetByID(ctx context.Context, id string) (*models.File, error)

	// GetByNameAndSize locates an in-progress or finished upload for the
	// resume check. Returns common.ErrNotFound when no upload matches.
	GetByNameAndSize(ctx context.Context, userID, name string, declaredSize int64) (*models.File, error)

	// MarkCompleted atomically flips completed to true and records the
	// authoritative size. Returns true if this call performed the
	// transition, false if the file was already complete.
	MarkCompleted(ctx context.Context, id string, size int64) (bool, error)

	// Delete removes the record; chunk records and the plan cascade.
	Delete(ctx context.Context, id string) error
}
