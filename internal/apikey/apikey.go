// Package apikey issues and verifies static API keys. A key is
// "sp_<prefix>_<secret>": the prefix is stored for display and lookup, the
// secret only as a SHA-256 hash. The full key exists exactly once, in the
// create response.
package apikey

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stashpool/stashpool/internal/storage"
)

const (
	keyScheme = "sp"
	prefixLen = 4 // bytes of entropy, 8 hex chars
	secretLen = 24
)

// ErrInvalidKey is returned for malformed, unknown, or inactive keys.
var ErrInvalidKey = errors.New("apikey: invalid or inactive key")

// Service issues and authenticates keys against the store.
type Service struct {
	db *storage.DB
}

// NewService creates a Service.
func NewService(db *storage.DB) *Service {
	return &Service{db: db}
}

// Issue creates a named key and returns the record plus the full secret
// key string. The secret is not recoverable afterwards.
func (s *Service) Issue(ctx context.Context, name string) (*storage.APIKey, string, error) {
	prefix := randomHex(prefixLen)
	secret := randomHex(secretLen)
	hash := hashSecret(secret)

	k := &storage.APIKey{
		ID:         uuid.New().String(),
		Name:       name,
		Prefix:     prefix,
		SecretHash: hash[:],
		Active:     true,
		CreatedAt:  time.Now().Unix(),
	}
	if err := s.db.CreateAPIKey(ctx, k); err != nil {
		return nil, "", err
	}
	return k, keyScheme + "_" + prefix + "_" + secret, nil
}

// Authenticate verifies a presented key and returns its record. The
// last-used timestamp is updated on success.
func (s *Service) Authenticate(ctx context.Context, presented string) (*storage.APIKey, error) {
	parts := strings.Split(presented, "_")
	if len(parts) != 3 || parts[0] != keyScheme {
		return nil, ErrInvalidKey
	}
	prefix, secret := parts[1], parts[2]

	candidates, err := s.db.APIKeysByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	hash := hashSecret(secret)
	for i := range candidates {
		k := &candidates[i]
		if !hmac.Equal(k.SecretHash, hash[:]) {
			continue
		}
		if !k.Active {
			return nil, ErrInvalidKey
		}
		if err := s.db.TouchAPIKey(ctx, k.ID, time.Now().Unix()); err != nil {
			return nil, err
		}
		return k, nil
	}
	return nil, ErrInvalidKey
}

// List returns all issued keys (hashes excluded from JSON).
func (s *Service) List(ctx context.Context) ([]storage.APIKey, error) {
	return s.db.ListAPIKeys(ctx)
}

// Revoke deletes a key.
func (s *Service) Revoke(ctx context.Context, id string) error {
	return s.db.DeleteAPIKey(ctx, id)
}

func hashSecret(secret string) [sha256.Size]byte {
	return sha256.Sum256([]byte(secret))
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
