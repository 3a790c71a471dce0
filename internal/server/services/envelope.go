// Package services implements the server's use cases on top of the
// repositories and storage backends: chunk upload orchestration with resume
// tracking, byte-range streaming with per-chunk decryption, and the backup
// credential envelope flow.
package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chunkvault/chunkvault/internal/common"
	"github.com/chunkvault/chunkvault/internal/logging"
	"github.com/chunkvault/chunkvault/internal/server/credcache"
	"github.com/chunkvault/chunkvault/internal/server/keyring"
	"github.com/chunkvault/chunkvault/internal/server/storage"
)

// CredentialDecrypter opens a client-submitted backup credential envelope
// into backend credentials.
type CredentialDecrypter interface {
	DecryptCredentials(envelope []byte) (storage.Config, error)
}

// EnvelopeService exposes the server keypair to clients and turns encrypted
// credential envelopes into backend configurations. Decrypted plaintext is
// wiped as soon as it is parsed.
type EnvelopeService struct {
	keys *keyring.Manager
}

// NewEnvelopeService returns an envelope service over an initialized keyring.
func NewEnvelopeService(keys *keyring.Manager) *EnvelopeService {
	return &EnvelopeService{keys: keys}
}

// PublicKeyPEM returns the PEM-encoded public half of the server keypair.
func (s *EnvelopeService) PublicKeyPEM() []byte {
	return s.keys.PublicKeyPEM()
}

// Algorithm identifies the envelope scheme for clients.
func (s *EnvelopeService) Algorithm() string {
	return keyring.Algorithm
}

// DecryptCredentials opens an envelope and parses the JSON credential
// payload inside. Tampered ciphertext and unparseable payloads both report
// common.ErrDecryptionFailed; callers treat that as "no backup this
// session".
func (s *EnvelopeService) DecryptCredentials(envelope []byte) (storage.Config, error) {
	plaintext, err := s.keys.Decrypt(envelope)
	if err != nil {
		return storage.Config{}, err
	}
	defer common.WipeByteArray(plaintext)

	var cfg storage.Config
	if err := json.Unmarshal(plaintext, &cfg); err != nil {
		return storage.Config{}, fmt.Errorf("%w: malformed credential payload", common.ErrDecryptionFailed)
	}
	if cfg.Kind == "" {
		return storage.Config{}, fmt.Errorf("%w: credential payload names no backend", common.ErrDecryptionFailed)
	}
	return cfg, nil
}

// resolveBackupCredentials returns usable backup credentials for
// (user, file), either from the cache or by opening a freshly submitted
// envelope. Population is winner-takes-all across concurrent chunks. A
// missing or unopenable envelope means the backup path is skipped, never an
// error for the caller.
func resolveBackupCredentials(ctx context.Context, cache *credcache.Cache, decrypter CredentialDecrypter, log logging.Logger, userID, fileID string, envelope []byte) (storage.Config, bool) {
	if len(envelope) == 0 {
		return cache.Get(userID, fileID)
	}

	cfg, err := cache.GetOrPopulate(userID, fileID, func() (storage.Config, error) {
		return decrypter.DecryptCredentials(envelope)
	})
	if err != nil {
		log.Warn(ctx, "backup credential envelope rejected", "file_id", fileID, "error", err)
		return storage.Config{}, false
	}
	return cfg, true
}
