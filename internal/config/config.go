// Package config holds client settings populated from flags with environment fallbacks.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Storage backends accepted by StorageKind.
const (
	StorageFile     = "file"
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// Config is the client configuration shared by the CLI and library users.
type Config struct {
	BaseURL           string
	Profile           string
	StorageKind       string
	StorageDSN        string // postgres DSN, redis address or file path
	StoragePassphrase string // seals the file store when set

	RefreshLeadTime time.Duration
	RefreshTimeout  time.Duration
	LogoutTimeout   time.Duration
	RequestTimeout  time.Duration

	Debug bool
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		BaseURL:         "http://localhost:8080",
		Profile:         "default",
		StorageKind:     StorageFile,
		RefreshLeadTime: 2 * time.Minute,
		RefreshTimeout:  15 * time.Second,
		LogoutTimeout:   5 * time.Second,
		RequestTimeout:  30 * time.Second,
	}
}

// Dir returns the per-user configuration directory.
func Dir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "market-client")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "market-client")
}

// SessionPath is the default file storage location for a profile.
func (c Config) SessionPath() string {
	if c.StorageKind == StorageFile && c.StorageDSN != "" {
		return c.StorageDSN
	}
	return filepath.Join(Dir(), c.Profile+".session.json")
}

// RegisterFlags binds c to fs; current values (usually from FromEnv) become flag defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.BaseURL, "base-url", c.BaseURL, "API base URL")
	fs.StringVar(&c.Profile, "profile", c.Profile, "session profile name")
	fs.StringVar(&c.StorageKind, "storage", c.StorageKind, "session storage: file|memory|postgres|redis")
	fs.StringVar(&c.StorageDSN, "storage-dsn", c.StorageDSN, "postgres DSN, redis address or session file path")
	fs.StringVar(&c.StoragePassphrase, "passphrase", c.StoragePassphrase, "seal the session file with this passphrase")
	fs.DurationVar(&c.RefreshLeadTime, "refresh-lead", c.RefreshLeadTime, "refresh access tokens expiring within this window")
	fs.DurationVar(&c.RefreshTimeout, "refresh-timeout", c.RefreshTimeout, "token refresh call timeout")
	fs.DurationVar(&c.LogoutTimeout, "logout-timeout", c.LogoutTimeout, "best-effort logout call timeout")
	fs.DurationVar(&c.RequestTimeout, "timeout", c.RequestTimeout, "overall request timeout")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "development logging")
}

// FromEnv returns Default overridden by MKT_* environment variables.
func FromEnv() Config {
	c := Default()
	c.BaseURL = envOr("MKT_BASE_URL", c.BaseURL)
	c.Profile = envOr("MKT_PROFILE", c.Profile)
	c.StorageKind = envOr("MKT_STORAGE", c.StorageKind)
	c.StorageDSN = envOr("MKT_STORAGE_DSN", c.StorageDSN)
	c.StoragePassphrase = envOr("MKT_PASSPHRASE", c.StoragePassphrase)
	c.RefreshLeadTime = envDuration("MKT_REFRESH_LEAD", c.RefreshLeadTime)
	c.RefreshTimeout = envDuration("MKT_REFRESH_TIMEOUT", c.RefreshTimeout)
	return c
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: bad base url %q", c.BaseURL)
	}
	if c.Profile == "" {
		return errors.New("config: empty profile")
	}
	switch c.StorageKind {
	case StorageFile, StorageMemory:
	case StoragePostgres, StorageRedis:
		if c.StorageDSN == "" {
			return fmt.Errorf("config: storage %q needs -storage-dsn", c.StorageKind)
		}
	default:
		return fmt.Errorf("config: unknown storage %q", c.StorageKind)
	}
	if c.RefreshLeadTime < 0 || c.RefreshTimeout <= 0 || c.LogoutTimeout <= 0 || c.RequestTimeout <= 0 {
		return errors.New("config: durations must be positive")
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
