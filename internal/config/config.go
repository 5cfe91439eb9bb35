package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates runtime configuration for the GreenOps API.
type Config struct {
	Environment    string
	HTTPPort       int
	DatabaseURL    string
	DataStore      string
	LogLevel       string
	AllowedOrigins []string
	FrontendURL    string

	// Google OAuth client credentials and the callback Google redirects to.
	GoogleClientID     string
	GoogleClientSecret string
	OAuthRedirectURL   string

	// TokenKey encrypts stored token bundles. StateSecret signs the OAuth
	// state parameter.
	TokenKey    []byte
	StateSecret []byte

	// SnapshotCacheTTL bounds how long a synced snapshot is served without a
	// provider round trip.
	SnapshotCacheTTL time.Duration
}

// Load reads configuration from environment variables with sensible defaults
// for local development. Secrets may come from *_FILE paths.
func Load() (Config, error) {
	databaseURL, err := getEnvOrFile("DATABASE_URL", "/run/secrets/greenops_database_url")
	if err != nil {
		return Config{}, err
	}

	clientSecret, err := getEnvOrFile("GOOGLE_CLIENT_SECRET", "/run/secrets/greenops_google_client_secret")
	if err != nil {
		return Config{}, err
	}

	rawTokenKey, err := getEnvOrFile("TOKEN_ENCRYPTION_KEY", "/run/secrets/greenops_token_key")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment:        getEnv("APP_ENV", "development"),
		DatabaseURL:        databaseURL,
		DataStore:          strings.ToLower(getEnv("DATA_STORE", "memory")),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		AllowedOrigins:     parseCSV(getEnv("ALLOWED_ORIGINS", "http://localhost:4200,http://localhost:8080")),
		FrontendURL:        strings.TrimSuffix(getEnv("FRONTEND_URL", "http://localhost:4200"), "/"),
		GoogleClientID:     strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_ID")),
		GoogleClientSecret: strings.TrimSpace(clientSecret),
		OAuthRedirectURL:   getEnv("OAUTH_REDIRECT_URL", "http://localhost:8080/api/gcp/callback"),
	}

	portValue := getEnv("PORT", getEnv("HTTP_PORT", "8080"))
	port, err := strconv.Atoi(portValue)
	if err != nil {
		return Config{}, fmt.Errorf("invalid port %q: %w", portValue, err)
	}
	cfg.HTTPPort = port

	if rawTokenKey != "" {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rawTokenKey))
		if err != nil {
			return Config{}, fmt.Errorf("TOKEN_ENCRYPTION_KEY is not valid base64: %w", err)
		}
		if len(key) < 32 {
			return Config{}, fmt.Errorf("TOKEN_ENCRYPTION_KEY must decode to at least 32 bytes, got %d", len(key))
		}
		cfg.TokenKey = key
	}

	if secret := strings.TrimSpace(os.Getenv("OAUTH_STATE_SECRET")); secret != "" {
		cfg.StateSecret = []byte(secret)
	} else {
		// State signing falls back to the token key so a minimal deployment
		// needs a single secret.
		cfg.StateSecret = cfg.TokenKey
	}

	ttlValue := getEnv("SNAPSHOT_CACHE_TTL", "5m")
	ttl, err := time.ParseDuration(ttlValue)
	if err != nil {
		return Config{}, fmt.Errorf("invalid SNAPSHOT_CACHE_TTL %q: %w", ttlValue, err)
	}
	cfg.SnapshotCacheTTL = ttl

	if cfg.DataStore == "postgres" && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATA_STORE is postgres but DATABASE_URL is not set")
	}

	return cfg, nil
}

// HTTPAddress returns the address the HTTP server should bind to.
func (c Config) HTTPAddress() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// UseInMemoryStore returns true if the in-memory store should be used.
func (c Config) UseInMemoryStore() bool {
	return c.DataStore == "memory"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvOrFile(key, defaultPath string) (string, error) {
	if value := os.Getenv(key); value != "" {
		return value, nil
	}

	fileKey := key + "_FILE"
	if path := os.Getenv(fileKey); path != "" {
		return readSecret(path, fileKey)
	}

	if defaultPath != "" {
		return readSecret(defaultPath, key)
	}

	return "", nil
}

func readSecret(path, name string) (string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("config: reading %s (%s): %w", name, path, err)
	}

	value := strings.TrimSpace(string(contents))
	if value == "" {
		return "", fmt.Errorf("config: %s (%s) is empty", name, path)
	}
	return value, nil
}
