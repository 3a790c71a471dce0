package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chunkvault/chunkvault/internal/common"
	"github.com/chunkvault/chunkvault/internal/dbx"
	"github.com/chunkvault/chunkvault/internal/logging"
	"github.com/chunkvault/chunkvault/internal/server/chunkplan"
	"github.com/chunkvault/chunkvault/internal/server/credcache"
	"github.com/chunkvault/chunkvault/internal/server/models"
	"github.com/chunkvault/chunkvault/internal/server/repositories/repomanager"
	"github.com/chunkvault/chunkvault/internal/server/storage"
	"github.com/google/uuid"
)

// Upload statuses reported back to the client.
const (
	StatusUploading = "uploading"
	StatusCompleted = "completed"
)

// UploadService orchestrates chunk uploads: file record lifecycle, plan
// persistence, duplicate detection, primary and best-effort backup writes,
// and the finalize-once transition.
type UploadService struct {
	db        *sql.DB
	repos     repomanager.RepositoryManager
	planner   *chunkplan.Planner
	primary   storage.Backend
	backups   *storage.Cache
	creds     *credcache.Cache
	decrypter CredentialDecrypter
	log       logging.Logger
}

// NewUploadService wires the orchestrator.
func NewUploadService(db *sql.DB, repos repomanager.RepositoryManager, planner *chunkplan.Planner,
	primary storage.Backend, backups *storage.Cache, creds *credcache.Cache,
	decrypter CredentialDecrypter, log logging.Logger) *UploadService {
	return &UploadService{
		db:        db,
		repos:     repos,
		planner:   planner,
		primary:   primary,
		backups:   backups,
		creds:     creds,
		decrypter: decrypter,
		log:       log.With("service", "upload"),
	}
}

// UploadChunkParams carries one decoded chunk-upload request.
type UploadChunkParams struct {
	FileID      string
	Seq         int
	TotalChunks int

	// DeclaredSize is the client-declared total file size, advisory. The
	// authoritative size is recomputed from chunk records on completion.
	DeclaredSize int64

	Filename string
	MimeType string

	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
	IsHeader   bool

	// Per-file key material, refreshed on chunk 1 of a resumed session.
	Algorithm  string
	WrappedKey []byte
	KeyIV      []byte
	KeySalt    []byte

	// BackupEnvelope is the optional RSA-encrypted backup credential
	// payload. Present on the first chunk of a session that wants backup.
	BackupEnvelope []byte
}

func (p *UploadChunkParams) validate() error {
	if err := uuid.Validate(p.FileID); err != nil {
		return fmt.Errorf("%w: file id must be a uuid", common.ErrValidation)
	}
	if p.Seq < 1 {
		return fmt.Errorf("%w: part number %d", common.ErrValidation, p.Seq)
	}
	if p.TotalChunks < p.Seq {
		return fmt.Errorf("%w: part number %d exceeds total parts %d", common.ErrValidation, p.Seq, p.TotalChunks)
	}
	if p.DeclaredSize < 0 {
		return fmt.Errorf("%w: negative declared size", common.ErrValidation)
	}
	if len(p.Ciphertext) == 0 {
		return fmt.Errorf("%w: empty chunk payload", common.ErrValidation)
	}
	if len(p.IV) == 0 || len(p.AuthTag) == 0 {
		return fmt.Errorf("%w: iv and auth tag are required", common.ErrValidation)
	}
	if p.Seq == 1 && p.Filename == "" {
		return fmt.Errorf("%w: filename is required on the first chunk", common.ErrValidation)
	}
	return nil
}

// UploadChunkResult reports the per-chunk outcome.
type UploadChunkResult struct {
	Status          string
	BackupAttempted bool
}

// UploadChunk processes one chunk. Chunk 1 creates or resumes the file
// record and persists the chunk plan; every chunk is duplicate-checked,
// written to the primary backend (required), then to the backup backend
// (advisory); the chunk completing the expected set finalizes the file.
func (s *UploadService) UploadChunk(ctx context.Context, userID string, p UploadChunkParams) (*UploadChunkResult, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	chunksRepo := s.repos.Chunks(s.db)

	file, err := s.prepareFile(ctx, userID, p)
	if err != nil {
		return nil, err
	}

	// idempotent retry: a chunk already durably recorded is a no-op success
	if _, err := chunksRepo.FindByFileAndSeq(ctx, p.FileID, p.Seq); err == nil {
		return s.recordedChunkResult(ctx, userID, file)
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	label := fmt.Sprintf("%s.part%d", p.FileID, p.Seq)

	ref, err := s.primary.Upload(ctx, userID, p.Ciphertext, label)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", p.Seq, err)
	}

	chunk := &models.Chunk{
		FileID:     p.FileID,
		Seq:        p.Seq,
		Size:       int64(len(p.Ciphertext)),
		IV:         p.IV,
		AuthTag:    p.AuthTag,
		StorageRef: ref,
		IsHeader:   p.IsHeader,
	}
	inserted, err := chunksRepo.Create(ctx, chunk)
	if err != nil {
		return nil, fmt.Errorf("recording chunk %d: %w", p.Seq, err)
	}
	if !inserted {
		// lost an insert race with a concurrent retry of the same chunk;
		// the winner's record stands, so this blob has no owner
		if err := s.primary.Delete(ctx, ref); err != nil {
			s.log.Warn(ctx, "cleanup of extra chunk object failed", "file_id", p.FileID, "seq", p.Seq, "error", err)
		}
		return s.recordedChunkResult(ctx, userID, file)
	}

	result := &UploadChunkResult{Status: StatusUploading}

	if cfg, ok := resolveBackupCredentials(ctx, s.creds, s.decrypter, s.log, userID, p.FileID, p.BackupEnvelope); ok {
		result.BackupAttempted = true
		if err := s.backupChunk(ctx, userID, p.Ciphertext, label, chunk, cfg); err != nil {
			s.log.Warn(ctx, "backup write failed", "file_id", p.FileID, "seq", p.Seq, "error", err)
		}
	}

	done, err := s.maybeFinalize(ctx, userID, file)
	if err != nil {
		return nil, err
	}
	if done {
		result.Status = StatusCompleted
	}
	return result, nil
}

// recordedChunkResult reports the outcome for a chunk whose record already
// exists. Finalization is re-attempted here: a previous request may have
// recorded the last chunk and then failed before completing the file, and
// the client's retry is the only caller left to finish the transition.
func (s *UploadService) recordedChunkResult(ctx context.Context, userID string, file *models.File) (*UploadChunkResult, error) {
	if cur, err := s.repos.Files(s.db).GetByID(ctx, file.ID); err == nil && cur.Completed {
		return &UploadChunkResult{Status: StatusCompleted}, nil
	}

	done, err := s.maybeFinalize(ctx, userID, file)
	if err != nil {
		return nil, err
	}
	status := StatusUploading
	if done {
		status = StatusCompleted
	}
	return &UploadChunkResult{Status: status}, nil
}

// runTx runs fn inside a transaction when a pooled database handle is
// configured; otherwise fn runs directly against the bound repositories.
func (s *UploadService) runTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	if s.db == nil {
		return fn(ctx, s.db)
	}
	return dbx.WithTx(ctx, s.db, nil, fn)
}

// prepareFile creates or resumes the file record on chunk 1 and loads it
// for every later chunk, enforcing ownership.
func (s *UploadService) prepareFile(ctx context.Context, userID string, p UploadChunkParams) (*models.File, error) {
	if p.Seq == 1 {
		file := &models.File{
			ID:           p.FileID,
			UserID:       userID,
			Name:         p.Filename,
			MimeType:     p.MimeType,
			DeclaredSize: p.DeclaredSize,
			TotalChunks:  p.TotalChunks,
			Algorithm:    p.Algorithm,
			WrappedKey:   p.WrappedKey,
			KeyIV:        p.KeyIV,
			KeySalt:      p.KeySalt,
		}
		sizes, err := s.planner.Plan(p.DeclaredSize)
		if err != nil {
			return nil, err
		}

		err = s.runTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
			if err := s.repos.Files(tx).CreateOrResume(ctx, file); err != nil {
				return fmt.Errorf("creating file record: %w", err)
			}
			// first persisted plan wins; a resumed session keeps its
			// boundaries
			if err := s.repos.Plans(tx).Put(ctx, &models.ChunkPlan{FileID: p.FileID, Sizes: sizes}); err != nil {
				return fmt.Errorf("persisting chunk plan: %w", err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return file, nil
	}

	file, err := s.repos.Files(s.db).GetByID(ctx, p.FileID)
	if err != nil {
		return nil, err
	}
	if file.UserID != userID {
		return nil, fmt.Errorf("%w: file belongs to another user", common.ErrUnauthorized)
	}
	return file, nil
}

func (s *UploadService) backupChunk(ctx context.Context, userID string, ciphertext []byte, label string, chunk *models.Chunk, cfg storage.Config) error {
	backend, err := s.backups.Get(cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrBackupUnavailable, err)
	}

	ref, err := backend.Upload(ctx, userID, ciphertext, label)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrBackupUnavailable, err)
	}

	if err := s.repos.Chunks(s.db).SetBackupRef(ctx, chunk.FileID, chunk.Seq, ref, backend.Name()); err != nil {
		return fmt.Errorf("%w: recording backup ref: %v", common.ErrBackupUnavailable, err)
	}
	chunk.BackupRef = ref
	chunk.BackupBackend = backend.Name()
	return nil
}

// maybeFinalize marks the file complete once all expected chunk records
// exist. The conditional update in MarkCompleted guarantees the transition
// runs at most once even when the last chunks land concurrently.
func (s *UploadService) maybeFinalize(ctx context.Context, userID string, file *models.File) (bool, error) {
	chunksRepo := s.repos.Chunks(s.db)

	seqs, err := chunksRepo.UploadedSeqs(ctx, file.ID)
	if err != nil {
		return false, err
	}
	if file.TotalChunks == 0 || len(seqs) < file.TotalChunks {
		return false, nil
	}

	var total int64
	var did bool
	err = s.runTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		// the sum of persisted chunk sizes is authoritative, not the
		// declared size
		total, err = s.repos.Chunks(tx).SumSizes(ctx, file.ID)
		if err != nil {
			return err
		}
		did, err = s.repos.Files(tx).MarkCompleted(ctx, file.ID, total)
		return err
	})
	if err != nil {
		return false, err
	}
	if did {
		s.creds.Evict(userID, file.ID)
		s.log.Info(ctx, "file completed", "file_id", file.ID, "chunks", file.TotalChunks, "size", total)
	}
	return true, nil
}

// ResumeStatus describes upload progress for one file.
type ResumeStatus struct {
	Total    int
	Uploaded []int
	Missing  []int

	// CanResume is true iff at least one chunk is uploaded and at least one
	// is missing. A file with zero uploaded chunks starts fresh.
	CanResume bool
}

// MissingChunks computes the resume status from the persisted chunk records.
func (s *UploadService) MissingChunks(ctx context.Context, fileID string) (*ResumeStatus, error) {
	file, err := s.repos.Files(s.db).GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}

	seqs, err := s.repos.Chunks(s.db).UploadedSeqs(ctx, fileID)
	if err != nil {
		return nil, err
	}

	have := make(map[int]bool, len(seqs))
	for _, seq := range seqs {
		have[seq] = true
	}

	missing := make([]int, 0, file.TotalChunks-len(seqs))
	for seq := 1; seq <= file.TotalChunks; seq++ {
		if !have[seq] {
			missing = append(missing, seq)
		}
	}

	return &ResumeStatus{
		Total:     file.TotalChunks,
		Uploaded:  seqs,
		Missing:   missing,
		CanResume: len(seqs) > 0 && len(missing) > 0,
	}, nil
}

// ResumeCheck is the answer to "do I have an interrupted upload for this
// file".
type ResumeCheck struct {
	Exists    bool
	FileID    string
	Completed bool
	Status    *ResumeStatus
}

// CheckResume looks up an upload by original filename and declared size.
func (s *UploadService) CheckResume(ctx context.Context, userID, filename string, declaredSize int64) (*ResumeCheck, error) {
	if filename == "" || declaredSize < 0 {
		return nil, fmt.Errorf("%w: filename and size are required", common.ErrValidation)
	}

	file, err := s.repos.Files(s.db).GetByNameAndSize(ctx, userID, filename, declaredSize)
	if errors.Is(err, common.ErrNotFound) {
		return &ResumeCheck{}, nil
	}
	if err != nil {
		return nil, err
	}

	status, err := s.MissingChunks(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	return &ResumeCheck{Exists: true, FileID: file.ID, Completed: file.Completed, Status: status}, nil
}

// GetPlan returns the persisted chunk plan for a file owned by userID.
func (s *UploadService) GetPlan(ctx context.Context, userID, fileID string) (*models.ChunkPlan, error) {
	file, err := s.repos.Files(s.db).GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.UserID != userID {
		return nil, fmt.Errorf("%w: file belongs to another user", common.ErrUnauthorized)
	}
	return s.repos.Plans(s.db).Get(ctx, fileID)
}

// DeleteFile removes the file's chunk objects from the primary backend
// (best-effort from the backup when credentials are still cached) and
// deletes the records. Chunk records and the plan cascade with the file
// row.
func (s *UploadService) DeleteFile(ctx context.Context, userID, fileID string) error {
	file, err := s.repos.Files(s.db).GetByID(ctx, fileID)
	if err != nil {
		return err
	}
	if file.UserID != userID {
		return fmt.Errorf("%w: file belongs to another user", common.ErrUnauthorized)
	}

	chunks, err := s.repos.Chunks(s.db).ListByFile(ctx, fileID)
	if err != nil {
		return err
	}

	for _, chunk := range chunks {
		if err := s.primary.Delete(ctx, chunk.StorageRef); err != nil {
			s.log.Warn(ctx, "primary delete failed", "file_id", fileID, "seq", chunk.Seq, "error", err)
		}
		if chunk.BackupRef == "" {
			continue
		}
		cfg, ok := s.creds.Get(userID, fileID)
		if !ok {
			continue
		}
		if backend, err := s.backups.Get(cfg); err == nil {
			if err := backend.Delete(ctx, chunk.BackupRef); err != nil {
				s.log.Warn(ctx, "backup delete failed", "file_id", fileID, "seq", chunk.Seq, "error", err)
			}
		}
	}

	if err := s.repos.Files(s.db).Delete(ctx, fileID); err != nil {
		return err
	}
	s.creds.Evict(userID, fileID)
	s.log.Info(ctx, "file deleted", "file_id", fileID, "chunks", len(chunks))
	return nil
}
