package httpapi

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/chunkvault/chunkvault/internal/common"
	"github.com/chunkvault/chunkvault/internal/server/services"
)

// parseRange parses a single-range Range header. Supported forms are
// "bytes=a-b" and the open-ended "bytes=a-"; the open end is clamped to the
// file size by the streaming engine. Multi-range and suffix requests are
// rejected.
func parseRange(header string) (start, end int64, err error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("%w: unsupported range %q", common.ErrValidation, header)
	}

	lo, hi, ok := strings.Cut(spec, "-")
	if !ok || lo == "" {
		return 0, 0, fmt.Errorf("%w: unsupported range %q", common.ErrValidation, header)
	}

	start, err = strconv.ParseInt(lo, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: malformed range %q", common.ErrValidation, header)
	}

	if hi == "" {
		return start, math.MaxInt64 - 1, nil
	}
	end, err = strconv.ParseInt(hi, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: malformed range %q", common.ErrValidation, header)
	}
	return start, end, nil
}

// chunkMeta is the per-chunk crypto metadata handed to clients that decrypt
// locally.
type chunkMeta struct {
	Seq      int    `json:"seq"`
	Size     int64  `json:"size"`
	Offset   int64  `json:"offset"`
	IV       string `json:"iv"`
	AuthTag  string `json:"auth_tag"`
	IsHeader bool   `json:"is_header,omitempty"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	req := services.StreamRequest{
		UserID: userIDFromContext(r.Context()),
		FileID: r.PathValue("fileID"),
	}

	if pw := r.Header.Get("X-Vault-Password"); pw != "" {
		req.Password = []byte(pw)
	}
	if env := r.Header.Get("X-Vault-Backup-Envelope"); env != "" {
		b, err := base64.StdEncoding.DecodeString(env)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: backup envelope is not base64", common.ErrValidation))
			return
		}
		req.BackupEnvelope = b
	}

	if header := r.Header.Get("Range"); header != "" {
		start, end, err := parseRange(header)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		req.HasRange, req.Start, req.End = true, start, end
	}

	st, err := s.streams.Open(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer st.Close()

	if st.ServerDecrypt() {
		s.writePlaintextStream(w, r, st, req.HasRange)
	} else {
		s.writeCiphertextStream(w, r, st, req.HasRange)
	}
}

// writePlaintextStream emits decrypted bytes with standard Range semantics.
func (s *Server) writePlaintextStream(w http.ResponseWriter, r *http.Request, st *services.Stream, hasRange bool) {
	w.Header().Set("Content-Type", st.File.MimeType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(st.Length(), 10))
	if hasRange {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", st.Start, st.End, st.File.Size))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	s.pump(w, r, st)
}

// writeCiphertextStream emits whole encrypted chunks for client-side
// decryption, with the key material and per-chunk parameters in headers.
// Ranges are widened to chunk boundaries since chunks are the unit of
// encryption.
func (s *Server) writeCiphertextStream(w http.ResponseWriter, r *http.Request, st *services.Stream, hasRange bool) {
	extents := st.Extents()
	chunks := st.Chunks()

	metas := make([]chunkMeta, len(chunks))
	var total int64
	for i, c := range chunks {
		metas[i] = chunkMeta{
			Seq:      c.Seq,
			Size:     c.Size,
			Offset:   extents[i].Offset,
			IV:       hex.EncodeToString(c.IV),
			AuthTag:  hex.EncodeToString(c.AuthTag),
			IsHeader: c.IsHeader,
		}
		total += c.Size
	}
	metaJSON, err := json.Marshal(metas)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Vault-Algorithm", st.File.Algorithm)
	w.Header().Set("X-Vault-Wrapped-Key", base64.StdEncoding.EncodeToString(st.File.WrappedKey))
	w.Header().Set("X-Vault-Key-IV", hex.EncodeToString(st.File.KeyIV))
	w.Header().Set("X-Vault-Key-Salt", hex.EncodeToString(st.File.KeySalt))
	w.Header().Set("X-Vault-Chunks", base64.StdEncoding.EncodeToString(metaJSON))
	w.Header().Set("Content-Length", strconv.FormatInt(total, 10))

	if hasRange && len(extents) > 0 {
		first := extents[0].Offset
		last := extents[len(extents)-1].Offset + extents[len(extents)-1].Size - 1
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", first, last, st.File.Size))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	s.pump(w, r, st)
}

// pump drains the stream into the response one chunk at a time. A mid-stream
// failure aborts the connection: already-sent bytes cannot be unsent, and
// truncating silently would hand the client wrong data.
func (s *Server) pump(w http.ResponseWriter, r *http.Request, st *services.Stream) {
	flusher, _ := w.(http.Flusher)

	for {
		chunk, err := st.Next(r.Context())
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			s.logger.Error(r.Context(), "stream aborted", "file_id", st.File.ID, "error", err)
			panic(http.ErrAbortHandler)
		}
		if _, err := w.Write(chunk.Data); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
