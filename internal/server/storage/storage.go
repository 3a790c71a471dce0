// Package storage abstracts the blob backends a chunk can be written to.
//
// Every backend implements the same three-operation contract; the concrete
// variant is a closed set selected once at startup (primary) or once per
// upload session (backup, from envelope-decrypted credentials). Chunk
// ciphertext is opaque to this layer.
package storage

import (
	"context"
	"time"
)

// Backend kinds.
const (
	KindS3      = "s3"
	KindLocal   = "local"
	KindWebhook = "webhook"
)

// Location is a time-bounded fetchable location for one stored chunk. URL
// uses the https scheme for remote backends and the file scheme for the
// local one. Callers must not cache it beyond ExpiresAt.
type Location struct {
	URL       string
	ExpiresAt time.Time
}

// Backend stores and retrieves single chunks of ciphertext.
//
// Implementations must be safe for concurrent use: different chunks of the
// same file are uploaded and fetched in parallel.
type Backend interface {
	// Name returns the backend kind.
	Name() string

	// Upload stores one chunk's ciphertext and returns an opaque reference
	// usable later for retrieval and deletion. A write that genuinely
	// cannot be committed reports common.ErrBackendUnavailable.
	Upload(ctx context.Context, ownerID string, data []byte, label string) (string, error)

	// ResolveDownloadLocation translates a reference into a time-bounded
	// fetchable location. Unknown references report common.ErrNotFound.
	ResolveDownloadLocation(ctx context.Context, ownerID, ref string) (Location, error)

	// Delete removes the chunk. Best-effort: backends that can only forget
	// locally still report success, since the logical contract is "this
	// system will no longer reference it".
	Delete(ctx context.Context, ref string) error
}

// Config selects and parameterizes a backend. The same shape is used for
// the startup (primary) backend and for envelope-decrypted backup
// credentials, so one factory serves both paths.
type Config struct {
	Kind    string        `json:"backend"`
	S3      S3Config      `json:"s3"`
	Local   LocalConfig   `json:"local"`
	Webhook WebhookConfig `json:"webhook"`
}

// S3Config parameterizes the S3-compatible backend.
type S3Config struct {
	AccessKey    string `json:"access_key"`
	SecretKey    string `json:"secret_key"`
	Bucket       string `json:"bucket"`
	Region       string `json:"region"`
	BaseEndpoint string `json:"base_endpoint"`
}

// LocalConfig parameterizes the local-filesystem backend.
type LocalConfig struct {
	Dir string `json:"dir"`
}

// WebhookConfig parameterizes the messaging-platform file backend.
type WebhookConfig struct {
	// URL is the webhook endpoint messages are posted to.
	URL string `json:"url"`
}
