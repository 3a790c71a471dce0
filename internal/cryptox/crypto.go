// Package cryptox implements the cryptographic primitives of the chunk
// store: AES-256-GCM with a detached authentication tag for chunk content,
// AES-GCM key wrapping for the per-file content key, and Argon2id derivation
// of the vault master key on the legacy password-authenticated path.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/chunkvault/chunkvault/internal/common"
	"golang.org/x/crypto/argon2"
)

// GCMTagSize is the length in bytes of the detached authentication tag.
const GCMTagSize = 16

// DeriveMasterKey derives the 32-byte vault master key from a password and
// salt using Argon2id.
func DeriveMasterKey(password []byte, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, 32)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// OpenChunk decrypts one chunk's ciphertext with its per-chunk IV and
// detached authentication tag. The tag travels separately on the wire, so it
// is re-appended before the AEAD open. A failed open means tampered data or
// mismatched key material and reports common.ErrDecryptionFailed.
func OpenChunk(ciphertext, iv, tag, key []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aesgcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad iv length %d", common.ErrDecryptionFailed, len(iv))
	}
	if len(tag) != GCMTagSize {
		return nil, fmt.Errorf("%w: bad tag length %d", common.ErrDecryptionFailed, len(tag))
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aesgcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// SealChunk encrypts one chunk's plaintext with a fresh random IV and
// returns the ciphertext, IV and detached tag separately, matching the wire
// format of OpenChunk.
func SealChunk(plaintext, key []byte) (ciphertext, iv, tag []byte, err error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}

	iv = make([]byte, aesgcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, err
	}

	sealed := aesgcm.Seal(nil, iv, plaintext, nil)
	cut := len(sealed) - GCMTagSize
	return sealed[:cut], iv, sealed[cut:], nil
}

// UnwrapContentKey decrypts a file's wrapped content key with the vault
// master key. The wrapped form carries the tag appended to the ciphertext.
func UnwrapContentKey(wrapped, iv, masterKey []byte) ([]byte, error) {
	aesgcm, err := newGCM(masterKey)
	if err != nil {
		return nil, err
	}
	key, err := aesgcm.Open(nil, iv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryptionFailed, err)
	}
	return key, nil
}

// WrapContentKey encrypts a content key with the vault master key, returning
// the wrapped key (ciphertext with appended tag) and the IV used.
func WrapContentKey(contentKey, masterKey []byte) (wrapped, iv []byte, err error) {
	aesgcm, err := newGCM(masterKey)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, aesgcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, err
	}

	return aesgcm.Seal(nil, iv, contentKey, nil), iv, nil
}
