package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_ENV", "PORT", "HTTP_PORT", "DATABASE_URL", "DATABASE_URL_FILE",
		"DATA_STORE", "LOG_LEVEL", "ALLOWED_ORIGINS", "FRONTEND_URL",
		"GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET", "GOOGLE_CLIENT_SECRET_FILE",
		"OAUTH_REDIRECT_URL", "TOKEN_ENCRYPTION_KEY", "TOKEN_ENCRYPTION_KEY_FILE",
		"OAUTH_STATE_SECRET", "SNAPSHOT_CACHE_TTL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Environment != "development" {
		t.Errorf("expected development environment, got %q", cfg.Environment)
	}
	if cfg.HTTPPort != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.HTTPPort)
	}
	if !cfg.UseInMemoryStore() {
		t.Error("expected the in-memory store by default")
	}
	if cfg.FrontendURL != "http://localhost:4200" {
		t.Errorf("unexpected frontend URL %q", cfg.FrontendURL)
	}
	if cfg.SnapshotCacheTTL != 5*time.Minute {
		t.Errorf("expected a 5m cache TTL, got %v", cfg.SnapshotCacheTTL)
	}
	if cfg.HTTPAddress() != ":8080" {
		t.Errorf("unexpected address %q", cfg.HTTPAddress())
	}
}

func TestLoadDecodesTokenKey(t *testing.T) {
	clearConfigEnv(t)
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	t.Setenv("TOKEN_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(key))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(cfg.TokenKey) != 32 {
		t.Fatalf("expected a 32-byte key, got %d", len(cfg.TokenKey))
	}
	if string(cfg.StateSecret) != string(cfg.TokenKey) {
		t.Fatal("expected the state secret to fall back to the token key")
	}
}

func TestLoadRejectsShortTokenKey(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("TOKEN_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString([]byte("short")))

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a short token key")
	}
}

func TestLoadRejectsInvalidBase64TokenKey(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("TOKEN_ENCRYPTION_KEY", "not-base64!!!")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an undecodable token key")
	}
}

func TestLoadDedicatedStateSecret(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("OAUTH_STATE_SECRET", "state-signing-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if string(cfg.StateSecret) != "state-signing-secret" {
		t.Fatalf("unexpected state secret %q", cfg.StateSecret)
	}
}

func TestLoadSecretFromFile(t *testing.T) {
	clearConfigEnv(t)
	path := filepath.Join(t.TempDir(), "client_secret")
	if err := os.WriteFile(path, []byte("from-file\n"), 0o600); err != nil {
		t.Fatalf("write secret file: %v", err)
	}
	t.Setenv("GOOGLE_CLIENT_SECRET_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.GoogleClientSecret != "from-file" {
		t.Fatalf("expected the trimmed file contents, got %q", cfg.GoogleClientSecret)
	}
}

func TestLoadPostgresRequiresDatabaseURL(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DATA_STORE", "postgres")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error when postgres is selected without a database URL")
	}
}

func TestLoadInvalidPort(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PORT", "not-a-port")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an unparsable port")
	}
}

func TestLoadInvalidCacheTTL(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("SNAPSHOT_CACHE_TTL", "soon")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an unparsable cache TTL")
	}
}

func TestParseCSV(t *testing.T) {
	got := parseCSV(" a.example.com , ,b.example.com,")
	if len(got) != 2 || got[0] != "a.example.com" || got[1] != "b.example.com" {
		t.Fatalf("unexpected parse result %v", got)
	}
}
