package httpapi

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/chunkvault/chunkvault/internal/common"
	"github.com/chunkvault/chunkvault/internal/server/services"
)

var errMissingToken = fmt.Errorf("%w: missing bearer token", common.ErrInvalidToken)

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps the error taxonomy onto HTTP statuses. Backend-specific
// detail never leaks past this point.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, common.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, common.ErrInvalidToken):
		status = http.StatusUnauthorized
	case errors.Is(err, common.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, common.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, common.ErrRangeNotSatisfiable):
		status = http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, common.ErrDecryptionFailed):
		status = http.StatusForbidden
	case errors.Is(err, common.ErrBackendUnavailable):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: http.StatusText(status)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: database unreachable", common.ErrBackendUnavailable))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type publicKeyResponse struct {
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"public_key"`
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, publicKeyResponse{
		Algorithm: s.envelopes.Algorithm(),
		PublicKey: string(s.envelopes.PublicKeyPEM()),
	})
}

// chunkUploadRequest is the wire shape of one chunk upload. Ciphertext and
// key material travel base64-encoded, the AEAD parameters hex-encoded.
type chunkUploadRequest struct {
	FileID       string `json:"file_id"`
	PartNumber   int    `json:"part_number"`
	TotalParts   int    `json:"total_parts"`
	DeclaredSize int64  `json:"declared_size"`
	Filename     string `json:"filename"`
	MimeType     string `json:"mime_type"`

	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"auth_tag"`
	IsHeader   bool   `json:"is_header"`

	Algorithm  string `json:"algorithm"`
	WrappedKey string `json:"wrapped_key"`
	KeyIV      string `json:"key_iv"`
	KeySalt    string `json:"key_salt"`

	BackupEnvelope string `json:"backup_envelope"`
}

type chunkUploadResponse struct {
	Status          string `json:"status"`
	BackupAttempted bool   `json:"backup_attempted"`
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	var req chunkUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: malformed request body", common.ErrValidation))
		return
	}

	params, err := req.toParams()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.uploads.UploadChunk(r.Context(), userIDFromContext(r.Context()), *params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chunkUploadResponse{Status: res.Status, BackupAttempted: res.BackupAttempted})
}

func (r *chunkUploadRequest) toParams() (*services.UploadChunkParams, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(r.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not base64", common.ErrValidation)
	}
	iv, err := hex.DecodeString(r.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv is not hex", common.ErrValidation)
	}
	tag, err := hex.DecodeString(r.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("%w: auth tag is not hex", common.ErrValidation)
	}

	p := &services.UploadChunkParams{
		FileID:       r.FileID,
		Seq:          r.PartNumber,
		TotalChunks:  r.TotalParts,
		DeclaredSize: r.DeclaredSize,
		Filename:     r.Filename,
		MimeType:     r.MimeType,
		Ciphertext:   ciphertext,
		IV:           iv,
		AuthTag:      tag,
		IsHeader:     r.IsHeader,
		Algorithm:    r.Algorithm,
	}

	if r.WrappedKey != "" {
		if p.WrappedKey, err = base64.StdEncoding.DecodeString(r.WrappedKey); err != nil {
			return nil, fmt.Errorf("%w: wrapped key is not base64", common.ErrValidation)
		}
	}
	if r.KeyIV != "" {
		if p.KeyIV, err = hex.DecodeString(r.KeyIV); err != nil {
			return nil, fmt.Errorf("%w: key iv is not hex", common.ErrValidation)
		}
	}
	if r.KeySalt != "" {
		if p.KeySalt, err = hex.DecodeString(r.KeySalt); err != nil {
			return nil, fmt.Errorf("%w: key salt is not hex", common.ErrValidation)
		}
	}
	if r.BackupEnvelope != "" {
		if p.BackupEnvelope, err = base64.StdEncoding.DecodeString(r.BackupEnvelope); err != nil {
			return nil, fmt.Errorf("%w: backup envelope is not base64", common.ErrValidation)
		}
	}
	return p, nil
}

type resumeCheckResponse struct {
	Exists         bool   `json:"exists"`
	FileID         string `json:"file_id,omitempty"`
	Completed      bool   `json:"completed"`
	UploadedChunks []int  `json:"uploaded_chunks"`
	MissingChunks  []int  `json:"missing_chunks"`
	CanResume      bool   `json:"can_resume"`
}

func (s *Server) handleResumeCheck(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	size, err := strconv.ParseInt(r.URL.Query().Get("size"), 10, 64)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: size must be an integer", common.ErrValidation))
		return
	}

	check, err := s.uploads.CheckResume(r.Context(), userIDFromContext(r.Context()), filename, size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := resumeCheckResponse{Exists: check.Exists, FileID: check.FileID, Completed: check.Completed}
	if check.Status != nil {
		resp.UploadedChunks = check.Status.Uploaded
		resp.MissingChunks = check.Status.Missing
		resp.CanResume = check.Status.CanResume
	}
	writeJSON(w, http.StatusOK, resp)
}

type planResponse struct {
	ChunkSizes []int64 `json:"chunk_sizes"`
	TotalParts int     `json:"total_parts"`
	TotalSize  int64   `json:"total_size"`
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.uploads.GetPlan(r.Context(), userIDFromContext(r.Context()), r.PathValue("fileID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, planResponse{
		ChunkSizes: plan.Sizes,
		TotalParts: len(plan.Sizes),
		TotalSize:  plan.TotalSize(),
	})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if err := s.uploads.DeleteFile(r.Context(), userIDFromContext(r.Context()), r.PathValue("fileID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
