// Package keyring manages the server's long-lived asymmetric keypair. The
// browser encrypts per-upload backup credentials with the public key so the
// server only ever holds them decrypted in process memory, never on disk.
package keyring

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/chunkvault/chunkvault/internal/common"
)

const (
	// keyBits is the RSA modulus size. 4096 is the floor for a key that
	// guards credentials crossing the public network.
	keyBits = 4096

	privateKeyFile = "private_key.pem"
	publicKeyFile  = "public_key.pem"
)

// Algorithm identifies the envelope scheme for clients.
const Algorithm = "RSA-4096/OAEP-SHA-256"

// Manager owns the keypair lifecycle: idempotent init, public key exposure
// and OAEP decryption.
type Manager struct {
	dir     string
	private *rsa.PrivateKey
	pubPEM  []byte
}

// NewManager returns a manager persisting keys under dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// Init loads an existing keypair from dir or generates and persists a new
// one. The private half is written 0600, the public half 0644. Safe to call
// more than once.
func (m *Manager) Init() error {
	if m.private != nil {
		return nil
	}

	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("keyring dir: %w", err)
	}

	loaded, err := m.load()
	if err != nil {
		return err
	}
	if loaded {
		return nil
	}

	return m.generate()
}

func (m *Manager) load() (bool, error) {
	privPEM, err := os.ReadFile(filepath.Join(m.dir, privateKeyFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("error reading private key: %w", err)
	}

	block, _ := pem.Decode(privPEM)
	if block == nil {
		return false, errors.New("failed to decode private key PEM block")
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return false, fmt.Errorf("error parsing private key: %w", err)
	}
	private, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return false, errors.New("not an RSA private key")
	}

	pubPEM, err := os.ReadFile(filepath.Join(m.dir, publicKeyFile))
	if err != nil {
		// private half exists but public is missing; re-derive it
		pubPEM, err = marshalPublicKey(&private.PublicKey)
		if err != nil {
			return false, err
		}
		if err := os.WriteFile(filepath.Join(m.dir, publicKeyFile), pubPEM, 0o644); err != nil {
			return false, fmt.Errorf("error saving public key: %w", err)
		}
	}

	m.private = private
	m.pubPEM = pubPEM
	return true, nil
}

func marshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("error marshaling public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), nil
}

func (m *Manager) generate() error {
	private, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return fmt.Errorf("error generating keys: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(private)
	if err != nil {
		return fmt.Errorf("error marshaling private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})

	if err := os.WriteFile(filepath.Join(m.dir, privateKeyFile), privPEM, 0o600); err != nil {
		return fmt.Errorf("error saving private key: %w", err)
	}

	pubPEM, err := marshalPublicKey(&private.PublicKey)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(m.dir, publicKeyFile), pubPEM, 0o644); err != nil {
		return fmt.Errorf("error saving public key: %w", err)
	}

	m.private = private
	m.pubPEM = pubPEM
	return nil
}

// PublicKeyPEM returns the PEM-encoded public key. Intentionally public and
// served unauthenticated.
func (m *Manager) PublicKeyPEM() []byte {
	return m.pubPEM
}

// Decrypt opens an envelope with RSA-OAEP/SHA-256. Tampered ciphertext or a
// wrong key reports common.ErrDecryptionFailed; callers treat that as "no
// backup credentials this session", not a fatal error.
func (m *Manager) Decrypt(ciphertext []byte) ([]byte, error) {
	if m.private == nil {
		return nil, errors.New("keyring not initialized")
	}

	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, m.private, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
