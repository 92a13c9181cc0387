// Package config reads process configuration from the environment, with an
// optional YAML profile overlay for deployment-specific settings.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	Environment string

	// StoreDialect is "sqlite" or "postgres"; StoreConnection is the DSN.
	// CredentialsFile, when set, names a secret-mounted file whose content
	// supersedes StoreConnection and is re-read on the credentials TTL.
	StoreDialect    string
	StoreConnection string
	CredentialsFile string

	// Default session identity for loader-driven kernels.
	BootFunctionID string
	AppUserID      string
	AppTenantID    string

	// SigningKeyHex enables signing by kernels when present.
	SigningKeyHex string

	AllowedOrigins []string

	ManifestCacheTTL    time.Duration
	CredentialsCacheTTL time.Duration

	// RedisURL enables the shared idempotency store when set.
	RedisURL string

	// JWTSecret enables bearer-token session identity at the edge.
	JWTSecret string

	// ProfilePath points to an optional YAML profile overlay.
	ProfilePath string
}

// Load reads configuration from environment variables and applies the
// profile overlay when PROFILE_PATH is set.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                envOr("PORT", "8080"),
		LogLevel:            envOr("LOG_LEVEL", "INFO"),
		Environment:         envOr("ENVIRONMENT", "development"),
		StoreDialect:        envOr("STORE_DIALECT", "sqlite"),
		StoreConnection:     envOr("STORE_CONNECTION", "file:loglineos.db?_pragma=journal_mode(WAL)"),
		CredentialsFile:     os.Getenv("CREDENTIALS_FILE"),
		BootFunctionID:      os.Getenv("BOOT_FUNCTION_ID"),
		AppUserID:           envOr("APP_USER_ID", "system:core"),
		AppTenantID:         os.Getenv("APP_TENANT_ID"),
		SigningKeyHex:       os.Getenv("SIGNING_KEY_HEX"),
		ManifestCacheTTL:    envMillis("MANIFEST_CACHE_TTL_MS", 300_000),
		CredentialsCacheTTL: envMillis("CREDENTIALS_CACHE_TTL_MS", 900_000),
		RedisURL:            os.Getenv("REDIS_URL"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		ProfilePath:         os.Getenv("PROFILE_PATH"),
	}

	if raw := os.Getenv("ALLOWED_ORIGINS"); raw != "" {
		cfg.AllowedOrigins = splitList(raw)
	}

	if cfg.ProfilePath != "" {
		if err := cfg.applyProfile(cfg.ProfilePath); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Production reports whether strict manifest checks and error redaction
// apply.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envMillis(key string, fallback int64) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return time.Duration(fallback) * time.Millisecond
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Duration(fallback) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(item); v != "" {
			out = append(out, v)
		}
	}
	return out
}
