package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: " :6000 "
tls:
  allow_insecure: true
auth:
  hmac_secret: " 0123456789abcdef "
allowed_origins:
  - " https://app.example "
  - " "
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":6000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if !cfg.TLS.AllowInsecure {
		t.Fatalf("expected allow_insecure to propagate")
	}
	if cfg.Auth.HMACSecret != "0123456789abcdef" {
		t.Fatalf("expected trimmed secret, got %q", cfg.Auth.HMACSecret)
	}
	if cfg.Auth.ClockSkew != defaultTokenSkew {
		t.Fatalf("expected default clock skew, got %s", cfg.Auth.ClockSkew)
	}
	if cfg.Storage.Path != "" || cfg.PoolConfig != defaultPoolFile {
		t.Fatalf("unexpected storage defaults: %+v %q", cfg.Storage, cfg.PoolConfig)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://app.example" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
}

func TestLoadConfigReadsSecretFromEnv(t *testing.T) {
	t.Setenv("POOLD_TEST_SECRET", "env-secret-0123456789")
	path := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  hmac_secret_env: POOLD_TEST_SECRET
  clock_skew: 5s
storage:
  in_memory: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Auth.HMACSecret != "env-secret-0123456789" {
		t.Fatalf("secret not loaded from env: %q", cfg.Auth.HMACSecret)
	}
	if cfg.Auth.ClockSkew != 5*time.Second {
		t.Fatalf("unexpected clock skew: %s", cfg.Auth.ClockSkew)
	}
	if !cfg.Storage.InMemory {
		t.Fatal("expected in-memory storage")
	}
}

func TestLoadConfigRequiresSecret(t *testing.T) {
	path := writeConfig(t, `
tls:
  allow_insecure: true
auth: {}
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when no secret is configured")
	}
	path = writeConfig(t, `
tls:
  allow_insecure: true
auth:
  hmac_secret: short
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for a short secret")
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  hmac_secret: 0123456789abcdef
  api_tokens: [token]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoadConfigValidatesTLS(t *testing.T) {
	path := writeConfig(t, `
tls:
  cert: "server.crt"
auth:
  hmac_secret: 0123456789abcdef
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when tls key is missing")
	}
}

func TestLoadConfigRequiresTLSMaterialUnlessInsecure(t *testing.T) {
	path := writeConfig(t, `
auth:
  hmac_secret: 0123456789abcdef
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when tls material missing without allow_insecure")
	}
}

func TestLoadConfigRejectsNegativeRateLimit(t *testing.T) {
	path := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  hmac_secret: 0123456789abcdef
rate_limit:
  requests_per_minute: -1
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for negative rate limit")
	}
}
