package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/chunkvault/chunkvault/internal/common"
	"github.com/google/uuid"
)

// localLocationValidity mirrors the remote backends' window; local paths do
// not actually expire, but callers honor the same contract everywhere.
const localLocationValidity = 15 * time.Minute

// LocalBackend stores chunks as files under a root directory. References are
// paths relative to the root; resolved locations use the file scheme and are
// read directly by the streaming engine.
type LocalBackend struct {
	dir string
}

// NewLocalBackend creates the root directory if needed.
func NewLocalBackend(cfg LocalConfig) (*LocalBackend, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: local backend needs a directory", common.ErrValidation)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", common.ErrBackendUnavailable, cfg.Dir, err)
	}
	return &LocalBackend{dir: cfg.Dir}, nil
}

func (b *LocalBackend) Name() string { return KindLocal }

func (b *LocalBackend) Upload(ctx context.Context, ownerID string, data []byte, label string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ref := filepath.Join(ownerID, uuid.NewString())
	full := filepath.Join(b.dir, ref)

	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return "", fmt.Errorf("%w: mkdir for %s: %v", common.ErrBackendUnavailable, label, err)
	}

	// temp file then rename so a crashed write never leaves a partial chunk
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("%w: write %s: %v", common.ErrBackendUnavailable, label, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: rename %s: %v", common.ErrBackendUnavailable, label, err)
	}

	return ref, nil
}

func (b *LocalBackend) ResolveDownloadLocation(ctx context.Context, ownerID, ref string) (Location, error) {
	if err := ctx.Err(); err != nil {
		return Location{}, err
	}

	full := filepath.Join(b.dir, ref)
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Location{}, fmt.Errorf("%w: local object %s", common.ErrNotFound, ref)
		}
		return Location{}, fmt.Errorf("%w: stat %s: %v", common.ErrBackendUnavailable, ref, err)
	}

	abs, err := filepath.Abs(full)
	if err != nil {
		return Location{}, fmt.Errorf("%w: abs %s: %v", common.ErrBackendUnavailable, ref, err)
	}

	return Location{URL: "file://" + abs, ExpiresAt: time.Now().Add(localLocationValidity)}, nil
}

func (b *LocalBackend) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(filepath.Join(b.dir, ref))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %v", common.ErrBackendUnavailable, ref, err)
	}
	return nil
}
