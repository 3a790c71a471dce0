// Package common defines shared constants and sentinel errors used across
// the chunkvault server layers. Callers should use errors.Is to match these
// values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Request validation errors (missing or malformed fields). Always
	// terminal for the request that produced them.
	ErrValidation = errors.New("validation error")

	// Primary backend failures. Retried a bounded number of times by the
	// streaming engine before being surfaced.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// Backup backend failures. Advisory only, never fail the primary
	// operation.
	ErrBackupUnavailable = errors.New("backup unavailable")

	// Byte-range outside file bounds.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")

	// Tampered ciphertext or mismatched key material. Never retried.
	ErrDecryptionFailed = errors.New("decryption failed")

	// Auth errors (invalid or malformed token).
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidToken = errors.New("invalid token")
)
