// Package plans persists chunk-size plans. A plan is written once, before
// the first chunk of a file is accepted, and never modified afterwards.
package plans

import (
	"context"

	"github.com/chunkvault/chunkvault/internal/server/models"
)

// Repository is the storage contract for chunk plans.
type Repository interface {
	// Put stores the plan for a file. If a plan already exists the call is
	// a no-op: the first persisted plan wins so resumed sessions always
	// reproduce identical byte boundaries.
	Put(ctx context.Context, plan *models.ChunkPlan) error

	// Get returns the persisted plan or common.ErrNotFound.
	Get(ctx context.Context, fileID string) (*models.ChunkPlan, error)
}
