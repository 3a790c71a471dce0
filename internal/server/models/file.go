// Package models defines server-side data models persisted in the database.
package models

import "time"

// File describes one stored file assembled from encrypted chunks. The record
// is created when chunk #1 arrives and mutated as later chunks land; it is
// marked complete exactly once, when the last expected chunk is durably
// recorded.
type File struct {
	// ID is the client-chosen upload identifier (UUID).
	ID string
	// UserID is the owner; the upload orchestrator is the only writer.
	UserID string
	// Name is the original filename.
	Name string
	// MimeType of the assembled content.
	MimeType string

	// DeclaredSize is the client-declared total size. Advisory only: the
	// authoritative Size is recomputed from chunk records on completion.
	DeclaredSize int64
	// Size is the sum of persisted chunk sizes, set when completed.
	Size int64
	// TotalChunks is the expected chunk count.
	TotalChunks int
	// Completed flips to true at most once.
	Completed bool

	// Algorithm identifies the AEAD scheme, e.g. "AES-256-GCM".
	Algorithm string
	// WrappedKey is the per-file content key encrypted with the vault
	// master key (tag appended).
	WrappedKey []byte
	// KeyIV is the nonce used when wrapping the content key.
	KeyIV []byte
	// KeySalt is the Argon2id salt for deriving the master key on the
	// legacy password-authenticated path.
	KeySalt []byte

	CreatedAt time.Time
	UpdatedAt time.Time
}
