package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chunkvault/chunkvault/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWebhookServer(t *testing.T) (*httptest.Server, map[string][]byte) {
	t.Helper()
	stored := map[string][]byte{}
	next := 0

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "true", r.URL.Query().Get("wait"))

		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		data, err := io.ReadAll(f)
		require.NoError(t, err)

		next++
		id := "msg-" + string(rune('0'+next))
		stored[id] = data

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": id,
			"attachments": []map[string]string{
				{"id": "att-1", "url": "https://cdn.example/" + id},
			},
		})
	})
	mux.HandleFunc("GET /messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, ok := stored[id]; !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": id,
			"attachments": []map[string]string{
				{"id": "att-1", "url": "https://cdn.example/" + id + "?fresh=1"},
			},
		})
	})
	mux.HandleFunc("DELETE /messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, ok := stored[id]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(stored, id)
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, stored
}

func TestWebhookBackendUploadAndResolve(t *testing.T) {
	srv, stored := newWebhookServer(t)

	b, err := NewWebhookBackend(WebhookConfig{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, KindWebhook, b.Name())

	ctx := context.Background()
	ref, err := b.Upload(ctx, "u1", []byte("ciphertext"), "movie.mp4.part1")
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), stored[ref])

	loc, err := b.ResolveDownloadLocation(ctx, "u1", ref)
	require.NoError(t, err)
	// resolve returns a fresh CDN URL, not the upload-time one
	assert.True(t, strings.Contains(loc.URL, ref))
	assert.True(t, strings.Contains(loc.URL, "fresh=1"))
}

func TestWebhookBackendResolveUnknownRef(t *testing.T) {
	srv, _ := newWebhookServer(t)

	b, err := NewWebhookBackend(WebhookConfig{URL: srv.URL})
	require.NoError(t, err)

	_, err = b.ResolveDownloadLocation(context.Background(), "u1", "ghost")
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestWebhookBackendDelete(t *testing.T) {
	srv, stored := newWebhookServer(t)

	b, err := NewWebhookBackend(WebhookConfig{URL: srv.URL})
	require.NoError(t, err)

	ctx := context.Background()
	ref, err := b.Upload(ctx, "u1", []byte("x"), "part")
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, ref))
	assert.NotContains(t, stored, ref)

	// deleting an already-gone message still succeeds
	require.NoError(t, b.Delete(ctx, ref))
}

func TestWebhookBackendUploadServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	b, err := NewWebhookBackend(WebhookConfig{URL: srv.URL})
	require.NoError(t, err)

	_, err = b.Upload(context.Background(), "u1", []byte("x"), "part")
	assert.True(t, errors.Is(err, common.ErrBackendUnavailable))
}

func TestNewWebhookBackendRequiresURL(t *testing.T) {
	_, err := NewWebhookBackend(WebhookConfig{})
	assert.True(t, errors.Is(err, common.ErrValidation))
}
