package config

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stashpool/stashpool/internal/vault"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("STASHPOOL_ADMIN_SECRET", "secret")
	t.Setenv("STASHPOOL_VAULT_KEY", strings.Repeat("ab", vault.KeyLen))
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.DataDir != "data" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.SweepInterval != time.Minute {
		t.Fatalf("expected 1m sweep interval, got %v", cfg.SweepInterval)
	}
	want, _ := hex.DecodeString(strings.Repeat("ab", vault.KeyLen))
	if !bytes.Equal(cfg.VaultKey, want) {
		t.Fatal("vault key not decoded from hex")
	}
}

func TestLoadRequiresAdminSecret(t *testing.T) {
	setRequired(t)
	t.Setenv("STASHPOOL_ADMIN_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without admin secret")
	}
}

func TestLoadVaultKeyValidation(t *testing.T) {
	setRequired(t)

	t.Setenv("STASHPOOL_VAULT_KEY", "not-hex")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-hex key")
	}

	t.Setenv("STASHPOOL_VAULT_KEY", "abcd")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestLoadDerivesKeyFromPassphrase(t *testing.T) {
	setRequired(t)
	t.Setenv("STASHPOOL_VAULT_KEY", "")
	t.Setenv("STASHPOOL_VAULT_PASSPHRASE", "correct horse")
	t.Setenv("STASHPOOL_VAULT_SALT", hex.EncodeToString([]byte("0123456789abcdef")))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.VaultKey) != vault.KeyLen {
		t.Fatalf("derived key has wrong length %d", len(cfg.VaultKey))
	}

	// Same passphrase and salt must derive the same key.
	cfg2, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(cfg.VaultKey, cfg2.VaultKey) {
		t.Fatal("key derivation is not deterministic")
	}
}

func TestLoadSweepInterval(t *testing.T) {
	setRequired(t)

	t.Setenv("STASHPOOL_SWEEP_INTERVAL", "30s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Fatalf("expected 30s, got %v", cfg.SweepInterval)
	}

	t.Setenv("STASHPOOL_SWEEP_INTERVAL", "often")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed interval")
	}
}
