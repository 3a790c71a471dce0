// Package httpapi exposes the chunk store over HTTP: chunk upload, resume
// check, plan retrieval, whole-file and byte-range download, file deletion
// and the public envelope key.
package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/chunkvault/chunkvault/internal/logging"
	"github.com/chunkvault/chunkvault/internal/server/services"
)

// Server serves the public HTTP API.
type Server struct {
	address   string
	logger    logging.Logger
	db        *sql.DB
	uploads   *services.UploadService
	streams   *services.StreamService
	envelopes *services.EnvelopeService
	jwtSecret []byte
}

// NewServer wires the HTTP surface.
func NewServer(address string, l logging.Logger, db *sql.DB, uploads *services.UploadService,
	streams *services.StreamService, envelopes *services.EnvelopeService, secretKey string) *Server {
	return &Server{
		address:   address,
		logger:    l.With("module", "http_server"),
		db:        db,
		uploads:   uploads,
		streams:   streams,
		envelopes: envelopes,
		jwtSecret: []byte(secretKey),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/ping", s.handlePing)
	mux.HandleFunc("GET /api/v1/public-key", s.handlePublicKey)

	mux.Handle("POST /api/v1/uploads/chunk", s.withAuth(s.handleUploadChunk))
	mux.Handle("GET /api/v1/uploads/resume", s.withAuth(s.handleResumeCheck))
	mux.Handle("GET /api/v1/uploads/{fileID}/plan", s.withAuth(s.handleGetPlan))
	mux.Handle("GET /api/v1/files/{fileID}", s.withAuth(s.handleDownload))
	mux.Handle("DELETE /api/v1/files/{fileID}", s.withAuth(s.handleDeleteFile))

	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(ctx, "shutdown error", "error", err)
		}
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", s.address)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
