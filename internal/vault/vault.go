// Package vault encrypts and decrypts per-node OAuth credentials with
// AES-256-GCM. The key is supplied explicitly at startup; a decryption
// failure means the key has changed since the data was written and the
// credential is unrecoverable without re-authenticating the node.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	KeyLen   = 32
	nonceLen = 12
	saltLen  = 32

	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
)

// ErrDecrypt is returned when a stored blob cannot be opened with the
// current key. Callers must treat this as unrecoverable, not transient.
var ErrDecrypt = errors.New("vault: decryption failed")

// Vault is a keyed symmetric transform for credential blobs. It holds no
// state beyond the key and is safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New creates a Vault from a 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", KeyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// DeriveKey derives a 32-byte vault key from a passphrase and salt using
// argon2id. Used when the operator configures a passphrase instead of a raw
// hex key; the derivation happens exactly once at startup.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, KeyLen)
}

// GenerateSalt returns a random salt for DeriveKey.
func GenerateSalt() []byte {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return salt
}

// Seal encrypts plaintext. The random nonce is prepended to the ciphertext.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal. Any authentication or framing
// failure is reported as ErrDecrypt.
func (v *Vault) Open(blob []byte) ([]byte, error) {
	if len(blob) < nonceLen {
		return nil, ErrDecrypt
	}
	plaintext, err := v.aead.Open(nil, blob[:nonceLen], blob[nonceLen:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
