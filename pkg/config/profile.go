package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Profile is a deployment-specific YAML overlay. Empty fields leave the
// environment-derived value untouched.
type Profile struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment,omitempty"`

	Store struct {
		Dialect         string `yaml:"dialect,omitempty"`
		Connection      string `yaml:"connection,omitempty"`
		CredentialsFile string `yaml:"credentials_file,omitempty"`
	} `yaml:"store,omitempty"`

	Session struct {
		UserID   string `yaml:"user_id,omitempty"`
		TenantID string `yaml:"tenant_id,omitempty"`
	} `yaml:"session,omitempty"`

	BootFunctionID string   `yaml:"boot_function_id,omitempty"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`

	ManifestCacheTTLMS    int64 `yaml:"manifest_cache_ttl_ms,omitempty"`
	CredentialsCacheTTLMS int64 `yaml:"credentials_cache_ttl_ms,omitempty"`
}

// LoadProfile reads and parses one profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	return &p, nil
}

// applyProfile overlays the profile onto c. The profile wins over the
// environment for every field it sets.
func (c *Config) applyProfile(path string) error {
	p, err := LoadProfile(path)
	if err != nil {
		return err
	}
	if p.Environment != "" {
		c.Environment = p.Environment
	}
	if p.Store.Dialect != "" {
		c.StoreDialect = p.Store.Dialect
	}
	if p.Store.Connection != "" {
		c.StoreConnection = p.Store.Connection
	}
	if p.Store.CredentialsFile != "" {
		c.CredentialsFile = p.Store.CredentialsFile
	}
	if p.Session.UserID != "" {
		c.AppUserID = p.Session.UserID
	}
	if p.Session.TenantID != "" {
		c.AppTenantID = p.Session.TenantID
	}
	if p.BootFunctionID != "" {
		c.BootFunctionID = p.BootFunctionID
	}
	if len(p.AllowedOrigins) > 0 {
		c.AllowedOrigins = p.AllowedOrigins
	}
	if p.ManifestCacheTTLMS > 0 {
		c.ManifestCacheTTL = millis(p.ManifestCacheTTLMS)
	}
	if p.CredentialsCacheTTLMS > 0 {
		c.CredentialsCacheTTL = millis(p.CredentialsCacheTTLMS)
	}
	return nil
}
