package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLoadDefaultsWithEnvSecret(t *testing.T) {
	t.Setenv("CHATSYNC_JWT_SECRET", "test-secret")

	cfg, err := Load(t.TempDir())
	assert.Equal(t, nil, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, false, cfg.Relay.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Typing.TTL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "test-secret", cfg.Auth.JWTSecret)
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  addr: ":9090"
store:
  backend: postgres
database:
  url: postgres://localhost/chatsync?sslmode=disable
auth:
  jwt_secret: file-secret
log:
  level: debug
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHATSYNC_LOG_LEVEL", "warn")

	cfg, err := Load(dir)
	assert.Equal(t, nil, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, "file-secret", cfg.Auth.JWTSecret)
	// Environment wins over the file.
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadValidation(t *testing.T) {
	dir := t.TempDir()

	// Missing secret.
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for missing jwt secret")
	}

	t.Setenv("CHATSYNC_JWT_SECRET", "s")

	// Postgres backend without a database URL.
	t.Setenv("CHATSYNC_STORE_BACKEND", "postgres")
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for missing database url")
	}

	// Unknown backend.
	t.Setenv("CHATSYNC_STORE_BACKEND", "etcd")
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for unknown backend")
	}

	// Relay enabled without a URL.
	t.Setenv("CHATSYNC_STORE_BACKEND", "memory")
	t.Setenv("CHATSYNC_RELAY_ENABLED", "true")
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for relay without url")
	}
}
