// Package config loads the broker's configuration from the environment.
// Everything is resolved once at process start and passed down explicitly;
// no component reads the environment on its own.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/stashpool/stashpool/internal/vault"
)

// Config is the fully-resolved process configuration.
type Config struct {
	Port    string
	DataDir string

	// VaultKey is the 32-byte credential encryption key.
	VaultKey []byte

	// AdminSecret authenticates node/key management endpoints.
	AdminSecret string

	// OAuth client credentials for the remote provider.
	OAuthClientID     string
	OAuthClientSecret string

	// Endpoint overrides, empty in production.
	ProviderTokenURL  string
	ProviderUploadURL string
	ProviderAPIURL    string

	// SweepInterval is the cadence of the expired-reservation sweeper.
	SweepInterval time.Duration
}

// Load reads the environment. STASHPOOL_VAULT_KEY must hold 64 hex chars;
// alternatively STASHPOOL_VAULT_PASSPHRASE plus STASHPOOL_VAULT_SALT (hex)
// derive the key via argon2id, once, here.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              envOr("PORT", "8080"),
		DataDir:           envOr("STASHPOOL_DATA_DIR", "data"),
		AdminSecret:       os.Getenv("STASHPOOL_ADMIN_SECRET"),
		OAuthClientID:     os.Getenv("STASHPOOL_OAUTH_CLIENT_ID"),
		OAuthClientSecret: os.Getenv("STASHPOOL_OAUTH_CLIENT_SECRET"),
		ProviderTokenURL:  os.Getenv("STASHPOOL_PROVIDER_TOKEN_URL"),
		ProviderUploadURL: os.Getenv("STASHPOOL_PROVIDER_UPLOAD_URL"),
		ProviderAPIURL:    os.Getenv("STASHPOOL_PROVIDER_API_URL"),
		SweepInterval:     time.Minute,
	}

	if v := os.Getenv("STASHPOOL_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("STASHPOOL_SWEEP_INTERVAL: %w", err)
		}
		cfg.SweepInterval = d
	}

	key, err := loadVaultKey()
	if err != nil {
		return nil, err
	}
	cfg.VaultKey = key

	if cfg.AdminSecret == "" {
		return nil, fmt.Errorf("STASHPOOL_ADMIN_SECRET environment variable is required")
	}
	return cfg, nil
}

func loadVaultKey() ([]byte, error) {
	if hexKey := os.Getenv("STASHPOOL_VAULT_KEY"); hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("STASHPOOL_VAULT_KEY: %w", err)
		}
		if len(key) != vault.KeyLen {
			return nil, fmt.Errorf("STASHPOOL_VAULT_KEY must be %d hex chars", vault.KeyLen*2)
		}
		return key, nil
	}

	passphrase := os.Getenv("STASHPOOL_VAULT_PASSPHRASE")
	saltHex := os.Getenv("STASHPOOL_VAULT_SALT")
	if passphrase == "" || saltHex == "" {
		return nil, fmt.Errorf("STASHPOOL_VAULT_KEY (or STASHPOOL_VAULT_PASSPHRASE and STASHPOOL_VAULT_SALT) is required")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return nil, fmt.Errorf("STASHPOOL_VAULT_SALT: %w", err)
	}
	return vault.DeriveKey(passphrase, salt), nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
