package services

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/chunkvault/chunkvault/internal/common"
	"github.com/chunkvault/chunkvault/internal/dbx"
	"github.com/chunkvault/chunkvault/internal/logging"
	"github.com/chunkvault/chunkvault/internal/server/models"
	"github.com/chunkvault/chunkvault/internal/server/repositories/chunks"
	"github.com/chunkvault/chunkvault/internal/server/repositories/files"
	"github.com/chunkvault/chunkvault/internal/server/repositories/plans"
	"github.com/chunkvault/chunkvault/internal/server/storage"
	"github.com/google/uuid"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// memStore is a shared in-memory database backing the fake repositories.
type memStore struct {
	mu     sync.Mutex
	files  map[string]*models.File
	chunks map[string]map[int]*models.Chunk
	plans  map[string][]int64
}

func newMemStore() *memStore {
	return &memStore{
		files:  make(map[string]*models.File),
		chunks: make(map[string]map[int]*models.Chunk),
		plans:  make(map[string][]int64),
	}
}

type fakeRepos struct{ s *memStore }

func (f *fakeRepos) Files(db dbx.DBTX) files.Repository   { return &memFiles{s: f.s} }
func (f *fakeRepos) Chunks(db dbx.DBTX) chunks.Repository { return &memChunks{s: f.s} }
func (f *fakeRepos) Plans(db dbx.DBTX) plans.Repository   { return &memPlans{s: f.s} }
func (f *fakeRepos) RunMigrations(ctx context.Context, db *sql.DB) error {
	return nil
}

type memFiles struct{ s *memStore }

func (r *memFiles) CreateOrResume(ctx context.Context, file *models.File) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if cur, ok := r.s.files[file.ID]; ok {
		if cur.UserID != file.UserID {
			return common.ErrUnauthorized
		}
		cur.Name = file.Name
		cur.MimeType = file.MimeType
		cur.DeclaredSize = file.DeclaredSize
		cur.TotalChunks = file.TotalChunks
		cur.Algorithm = file.Algorithm
		cur.WrappedKey = file.WrappedKey
		cur.KeyIV = file.KeyIV
		cur.KeySalt = file.KeySalt
		return nil
	}
	cp := *file
	r.s.files[file.ID] = &cp
	return nil
}

func (r *memFiles) GetByID(ctx context.Context, id string) (*models.File, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.files[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *cur
	return &cp, nil
}

func (r *memFiles) GetByNameAndSize(ctx context.Context, userID, name string, declaredSize int64) (*models.File, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, f := range r.s.files {
		if f.UserID == userID && f.Name == name && f.DeclaredSize == declaredSize {
			cp := *f
			return &cp, nil
		}
	}
	return nil, common.ErrNotFound
}

func (r *memFiles) MarkCompleted(ctx context.Context, id string, size int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.files[id]
	if !ok {
		return false, common.ErrNotFound
	}
	if cur.Completed {
		return false, nil
	}
	cur.Completed = true
	cur.Size = size
	return true, nil
}

func (r *memFiles) Delete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.files[id]; !ok {
		return common.ErrNotFound
	}
	delete(r.s.files, id)
	delete(r.s.chunks, id)
	delete(r.s.plans, id)
	return nil
}

type memChunks struct{ s *memStore }

func (r *memChunks) Create(ctx context.Context, chunk *models.Chunk) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	byseq, ok := r.s.chunks[chunk.FileID]
	if !ok {
		byseq = make(map[int]*models.Chunk)
		r.s.chunks[chunk.FileID] = byseq
	}
	if _, ok := byseq[chunk.Seq]; ok {
		return false, nil
	}
	cp := *chunk
	byseq[chunk.Seq] = &cp
	return true, nil
}

func (r *memChunks) FindByFileAndSeq(ctx context.Context, fileID string, seq int) (*models.Chunk, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c, ok := r.s.chunks[fileID][seq]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, common.ErrNotFound
}

func (r *memChunks) ListByFile(ctx context.Context, fileID string) ([]*models.Chunk, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Chunk
	for _, c := range r.s.chunks[fileID] {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r *memChunks) UploadedSeqs(ctx context.Context, fileID string) ([]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []int
	for seq := range r.s.chunks[fileID] {
		out = append(out, seq)
	}
	sort.Ints(out)
	return out, nil
}

func (r *memChunks) SetBackupRef(ctx context.Context, fileID string, seq int, ref, backend string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.chunks[fileID][seq]
	if !ok {
		return common.ErrNotFound
	}
	c.BackupRef = ref
	c.BackupBackend = backend
	return nil
}

func (r *memChunks) SumSizes(ctx context.Context, fileID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var total int64
	for _, c := range r.s.chunks[fileID] {
		total += c.Size
	}
	return total, nil
}

type memPlans struct{ s *memStore }

func (r *memPlans) Put(ctx context.Context, plan *models.ChunkPlan) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.plans[plan.FileID]; ok {
		return nil
	}
	r.s.plans[plan.FileID] = append([]int64(nil), plan.Sizes...)
	return nil
}

func (r *memPlans) Get(ctx context.Context, fileID string) (*models.ChunkPlan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sizes, ok := r.s.plans[fileID]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &models.ChunkPlan{FileID: fileID, Sizes: append([]int64(nil), sizes...)}, nil
}

// fakeBackend stores objects under a temp dir and supports failure
// injection for upload and resolve paths.
type fakeBackend struct {
	dir string

	mu           sync.Mutex
	uploads      int
	deletes      []string
	failUploads  bool
	failResolves int // fail this many resolves, -1 means always
	resolveCalls int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	return &fakeBackend{dir: t.TempDir()}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Upload(ctx context.Context, ownerID string, data []byte, label string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failUploads {
		return "", fmt.Errorf("%w: injected upload failure", common.ErrBackendUnavailable)
	}
	b.uploads++
	ref := uuid.NewString()
	if err := os.WriteFile(filepath.Join(b.dir, ref), data, 0o600); err != nil {
		return "", err
	}
	return ref, nil
}

func (b *fakeBackend) ResolveDownloadLocation(ctx context.Context, ownerID, ref string) (storage.Location, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolveCalls++
	if b.failResolves != 0 {
		if b.failResolves > 0 {
			b.failResolves--
		}
		return storage.Location{}, fmt.Errorf("%w: injected resolve failure", common.ErrBackendUnavailable)
	}
	path := filepath.Join(b.dir, ref)
	if _, err := os.Stat(path); err != nil {
		return storage.Location{}, fmt.Errorf("%w: %s", common.ErrNotFound, ref)
	}
	return storage.Location{URL: "file://" + path, ExpiresAt: time.Now().Add(time.Minute)}, nil
}

func (b *fakeBackend) Delete(ctx context.Context, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes = append(b.deletes, ref)
	os.Remove(filepath.Join(b.dir, ref))
	return nil
}

// fakeDecrypter stands in for the envelope service.
type fakeDecrypter struct {
	mu    sync.Mutex
	cfg   storage.Config
	err   error
	calls int
}

func (d *fakeDecrypter) DecryptCredentials(envelope []byte) (storage.Config, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return storage.Config{}, d.err
	}
	return d.cfg, nil
}

func localBackupConfig(t *testing.T) storage.Config {
	t.Helper()
	return storage.Config{Kind: storage.KindLocal, Local: storage.LocalConfig{Dir: t.TempDir()}}
}
