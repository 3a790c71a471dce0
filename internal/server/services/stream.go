package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/chunkvault/chunkvault/internal/common"
	"github.com/chunkvault/chunkvault/internal/cryptox"
	"github.com/chunkvault/chunkvault/internal/logging"
	"github.com/chunkvault/chunkvault/internal/server/chunkplan"
	"github.com/chunkvault/chunkvault/internal/server/credcache"
	"github.com/chunkvault/chunkvault/internal/server/models"
	"github.com/chunkvault/chunkvault/internal/server/repositories/repomanager"
	"github.com/chunkvault/chunkvault/internal/server/storage"
	"github.com/sethvargo/go-retry"
)

// Primary-fetch retry policy: the initial attempt plus three retries with
// exponential backoff (1s, 2s, 4s). Only then is the backup tried.
const (
	defaultFetchRetries     = 3
	defaultFetchBackoffBase = time.Second
)

// StreamService serves complete files and byte ranges as a lazy sequence of
// decrypted chunks. Memory use is bounded to one chunk regardless of file
// size.
type StreamService struct {
	db        *sql.DB
	repos     repomanager.RepositoryManager
	primary   storage.Backend
	backups   *storage.Cache
	creds     *credcache.Cache
	decrypter CredentialDecrypter
	client    *http.Client
	log       logging.Logger

	fetchRetries     uint64
	fetchBackoffBase time.Duration
}

// NewStreamService wires the streaming engine.
func NewStreamService(db *sql.DB, repos repomanager.RepositoryManager, primary storage.Backend,
	backups *storage.Cache, creds *credcache.Cache, decrypter CredentialDecrypter,
	log logging.Logger) *StreamService {
	return &StreamService{
		db:               db,
		repos:            repos,
		primary:          primary,
		backups:          backups,
		creds:            creds,
		decrypter:        decrypter,
		client:           &http.Client{Timeout: 30 * time.Second},
		log:              log.With("service", "stream"),
		fetchRetries:     defaultFetchRetries,
		fetchBackoffBase: defaultFetchBackoffBase,
	}
}

// StreamRequest describes one download.
type StreamRequest struct {
	UserID string
	FileID string

	// HasRange selects byte-range mode; Start and End are inclusive file
	// offsets. Without a range the whole file is streamed.
	HasRange bool
	Start    int64
	End      int64

	// Password enables server-side decryption on the legacy
	// password-authenticated path. Empty means the client decrypts and the
	// stream carries ciphertext plus per-chunk crypto metadata.
	Password []byte

	// BackupEnvelope optionally supplies backup credentials for fallback
	// fetches when the primary backend is down.
	BackupEnvelope []byte
}

// StreamChunk is one advancement of the stream: decrypted bytes already
// sliced to the requested sub-range in server-decrypt mode, or the chunk's
// full ciphertext in client-decrypt mode.
type StreamChunk struct {
	Data   []byte
	Meta   *models.Chunk
	Extent chunkplan.Extent
}

// Stream is a finite lazy sequence of chunks. Advancement fetches and
// decrypts exactly one chunk; abandoning the stream (context cancellation
// or simply not calling Next again) issues no further backend fetches.
type Stream struct {
	// File is the record being served.
	File *models.File
	// Start and End are the effective inclusive byte range.
	Start int64
	End   int64

	svc      *StreamService
	userID   string
	envelope []byte
	extents  []chunkplan.Extent
	records  map[int]*models.Chunk
	key      []byte
	pos      int
}

// ServerDecrypt reports whether the stream emits plaintext.
func (st *Stream) ServerDecrypt() bool { return st.key != nil }

// Length returns the total byte count the stream will emit in
// server-decrypt mode.
func (st *Stream) Length() int64 { return st.End - st.Start + 1 }

// Extents returns the byte extents the stream covers, in emission order.
func (st *Stream) Extents() []chunkplan.Extent {
	return st.extents
}

// Chunks returns the chunk records the stream covers, in emission order.
func (st *Stream) Chunks() []*models.Chunk {
	out := make([]*models.Chunk, len(st.extents))
	for i, ext := range st.extents {
		out[i] = st.records[ext.Seq]
	}
	return out
}

// Next advances the stream by one chunk. It returns io.EOF after the last
// chunk. A fetch or decrypt failure is terminal for the stream: bytes
// already emitted stand, but no further data follows.
func (st *Stream) Next(ctx context.Context) (*StreamChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if st.pos >= len(st.extents) {
		return nil, io.EOF
	}

	ext := st.extents[st.pos]
	rec := st.records[ext.Seq]

	data, err := st.svc.fetchChunk(ctx, st.userID, st.File.ID, rec, st.envelope)
	if err != nil {
		return nil, err
	}
	st.pos++

	if st.key == nil {
		return &StreamChunk{Data: data, Meta: rec, Extent: ext}, nil
	}

	plain, err := cryptox.OpenChunk(data, rec.IV, rec.AuthTag, st.key)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", rec.Seq, err)
	}

	// slice to the requested sub-range; chunks are the unit of encryption
	// so the whole chunk was fetched and decrypted
	lo := int64(0)
	if st.Start > ext.Offset {
		lo = st.Start - ext.Offset
	}
	hi := int64(len(plain))
	if limit := st.End - ext.Offset + 1; limit < hi {
		hi = limit
	}
	return &StreamChunk{Data: plain[lo:hi], Meta: rec, Extent: ext}, nil
}

// Close wipes the unwrapped content key. The stream is unusable afterwards.
func (st *Stream) Close() {
	if st.key != nil {
		common.WipeByteArray(st.key)
		st.key = nil
	}
	st.pos = len(st.extents)
}

// Open validates the request, resolves the chunk extents intersecting the
// requested range and, on the password path, unwraps the file's content
// key. No backend fetch happens until the first Next call.
func (s *StreamService) Open(ctx context.Context, req StreamRequest) (*Stream, error) {
	file, err := s.repos.Files(s.db).GetByID(ctx, req.FileID)
	if err != nil {
		return nil, err
	}
	if file.UserID != req.UserID {
		return nil, fmt.Errorf("%w: file belongs to another user", common.ErrUnauthorized)
	}
	if !file.Completed {
		return nil, fmt.Errorf("%w: upload not finished", common.ErrNotFound)
	}

	start, end := int64(0), file.Size-1
	if req.HasRange {
		start, end = req.Start, req.End
	}

	st := &Stream{
		File:     file,
		Start:    start,
		End:      end,
		svc:      s,
		userID:   req.UserID,
		envelope: req.BackupEnvelope,
	}

	if file.Size == 0 {
		if req.HasRange {
			return nil, fmt.Errorf("%w: file is empty", common.ErrRangeNotSatisfiable)
		}
		st.End = -1
		return st, nil
	}

	plan, err := s.repos.Plans(s.db).Get(ctx, req.FileID)
	if err != nil {
		return nil, err
	}

	extents, err := chunkplan.Intersecting(plan.Sizes, start, end)
	if err != nil {
		return nil, err
	}
	if total := plan.TotalSize(); end >= total {
		st.End = total - 1
	}

	records, err := s.repos.Chunks(s.db).ListByFile(ctx, req.FileID)
	if err != nil {
		return nil, err
	}
	st.records = make(map[int]*models.Chunk, len(records))
	for _, rec := range records {
		st.records[rec.Seq] = rec
	}
	for _, ext := range extents {
		if _, ok := st.records[ext.Seq]; !ok {
			return nil, fmt.Errorf("%w: chunk %d has no record", common.ErrNotFound, ext.Seq)
		}
	}
	st.extents = extents

	if len(req.Password) > 0 {
		master := cryptox.DeriveMasterKey(req.Password, file.KeySalt)
		defer common.WipeByteArray(master)

		key, err := cryptox.UnwrapContentKey(file.WrappedKey, file.KeyIV, master)
		if err != nil {
			return nil, err
		}
		st.key = key
	}
	return st, nil
}

// fetchChunk retrieves one chunk's ciphertext: primary with bounded
// exponential backoff, then the backup backend as a last resort when a
// backup reference exists and credentials are resolvable.
func (s *StreamService) fetchChunk(ctx context.Context, userID, fileID string, rec *models.Chunk, envelope []byte) ([]byte, error) {
	var data []byte
	backoff := retry.WithMaxRetries(s.fetchRetries, retry.NewExponential(s.fetchBackoffBase))
	primaryErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		b, err := s.fetchFrom(ctx, s.primary, userID, rec.StorageRef)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				// retrying cannot make an unknown reference appear
				return err
			}
			return retry.RetryableError(err)
		}
		data = b
		return nil
	})
	if primaryErr == nil {
		return data, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.log.Warn(ctx, "primary fetch failed", "file_id", fileID, "seq", rec.Seq, "error", primaryErr)

	if rec.BackupRef == "" {
		return nil, fmt.Errorf("chunk %d: %w", rec.Seq, primaryErr)
	}
	cfg, ok := resolveBackupCredentials(ctx, s.creds, s.decrypter, s.log, userID, fileID, envelope)
	if !ok {
		return nil, fmt.Errorf("chunk %d: %w", rec.Seq, primaryErr)
	}
	backend, err := s.backups.Get(cfg)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w: %v", rec.Seq, common.ErrBackupUnavailable, err)
	}

	b, err := s.fetchFrom(ctx, backend, userID, rec.BackupRef)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: backup: %w", rec.Seq, err)
	}
	s.log.Info(ctx, "chunk served from backup", "file_id", fileID, "seq", rec.Seq, "backend", backend.Name())
	return b, nil
}

// fetchFrom resolves a reference into a location and reads the bytes. The
// local backend yields file URLs read straight off disk; remote backends
// yield https URLs fetched over the wire.
func (s *StreamService) fetchFrom(ctx context.Context, backend storage.Backend, ownerID, ref string) ([]byte, error) {
	loc, err := backend.ResolveDownloadLocation(ctx, ownerID, ref)
	if err != nil {
		return nil, err
	}

	if path, ok := strings.CutPrefix(loc.URL, "file://"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrBackendUnavailable, err)
		}
		return b, nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrBackendUnavailable, err)
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch returned status %d", common.ErrBackendUnavailable, resp.StatusCode)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrBackendUnavailable, err)
	}
	return b, nil
}
