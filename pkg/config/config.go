package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Config is the top-level blobgate configuration.
type Config struct {
	Environment     string              `yaml:"environment"` // development, staging or production
	ListenAddr      string              `yaml:"listen_addr"`
	ShutdownTimeout time.Duration       `yaml:"shutdown_timeout"`
	Backend         BackendConfig       `yaml:"backend"`
	Auth            AuthConfig          `yaml:"auth"`
	AccessMetrics   AccessMetricsConfig `yaml:"access_metrics"`
	Metrics         MetricsConfig       `yaml:"metrics"`
	Logging         LoggingConfig       `yaml:"logging"`
}

// Production reports whether the process runs in the production
// environment. Destructive admin operations are refused there.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// MetricsConfig configures the Prometheus metrics and health endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"` // pointer to distinguish unset from false; default true
	Addr    string `yaml:"addr"`    // listen address; default ":9090"
}

// MetricsEnabled returns whether the metrics server should run.
func (m MetricsConfig) MetricsEnabled() bool {
	if m.Enabled == nil {
		return true // default: enabled
	}
	return *m.Enabled
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// SlogLevel returns the configured level. Validate rejects unknown names.
func (l LoggingConfig) SlogLevel() slog.Level {
	lvl, _ := ParseLevel(l.Level)
	return lvl
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config.ParseLevel: %w", err)
	}
	return lvl, nil
}

// AuthConfig configures caller identification.
type AuthConfig struct {
	Tokens     map[string]string `yaml:"tokens"`      // bearer token -> user ID
	UserHeader string            `yaml:"user_header"` // trusted header set by an upstream gateway
	Require    bool              `yaml:"require"`     // reject unauthenticated requests with 401
}

// S3Config configures the native S3 backend.
type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// BackendConfig describes the storage backend files are served from.
type BackendConfig struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"` // rclone backend name, or "s3native"
	Root   string            `yaml:"root"`
	Config map[string]string `yaml:"config"` // rclone config keys
	S3     S3Config          `yaml:"s3"`
}

// AccessMetricsConfig configures the access-metrics engine.
type AccessMetricsConfig struct {
	StoragePath         string        `yaml:"storage_path"`
	SnapshotDir         string        `yaml:"snapshot_dir"`
	RetentionDays       int           `yaml:"retention_days"`
	MaxRecentUsers      int           `yaml:"max_recent_users"`
	BatchInterval       time.Duration `yaml:"batch_interval"`
	BatchSize           int           `yaml:"batch_size"`
	MaxPendingEvents    int           `yaml:"max_pending_events"`
	MaxCacheSize        int           `yaml:"max_cache_size"`
	MaxQueryLimit       int           `yaml:"max_query_limit"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	SnapshotInterval    time.Duration `yaml:"snapshot_interval"`
	AuditLogPath        string        `yaml:"audit_log_path"` // JSONL copy of merged batches; empty disables
	ValueLogSizeRaw     string        `yaml:"value_log_size"`
	ValueLogSize        int64         `yaml:"-"`
}

// Validate checks the configuration for logical errors.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Environment) {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}
	if c.Backend.Type == "" {
		return fmt.Errorf("config: backend.type is required")
	}
	if c.Backend.Type == "s3native" {
		s3 := c.Backend.S3
		if (s3.AccessKeyID == "") != (s3.SecretAccessKey == "") {
			return fmt.Errorf("config: backend.s3 needs both access_key_id and secret_access_key, or neither")
		}
	}
	if err := c.Auth.validate(); err != nil {
		return err
	}
	if err := c.AccessMetrics.validate(); err != nil {
		return err
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config: logging.level %q: %w", c.Logging.Level, err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

func (a AuthConfig) validate() error {
	for token, user := range a.Tokens {
		if token == "" {
			return fmt.Errorf("config: auth.tokens contains an empty token")
		}
		if strings.TrimSpace(user) == "" {
			return fmt.Errorf("config: auth.tokens maps a token to an empty user")
		}
	}
	if a.Require && len(a.Tokens) == 0 && a.UserHeader == "" {
		return fmt.Errorf("config: auth.require is set but no tokens or user_header are configured")
	}
	return nil
}

func (m AccessMetricsConfig) validate() error {
	if m.StoragePath == "" {
		return fmt.Errorf("config: access_metrics.storage_path is required")
	}
	if m.RetentionDays < 1 {
		return fmt.Errorf("config: access_metrics.retention_days must be >= 1, got %d", m.RetentionDays)
	}
	if m.MaxRecentUsers < 1 {
		return fmt.Errorf("config: access_metrics.max_recent_users must be >= 1, got %d", m.MaxRecentUsers)
	}
	if m.BatchSize < 1 || m.MaxPendingEvents < m.BatchSize {
		return fmt.Errorf("config: access_metrics.max_pending_events (%d) must be >= batch_size (%d) >= 1",
			m.MaxPendingEvents, m.BatchSize)
	}
	if m.BatchInterval <= 0 || m.MaintenanceInterval <= 0 || m.SnapshotInterval <= 0 {
		return fmt.Errorf("config: access_metrics intervals must be positive")
	}
	if m.MaxCacheSize < 0 || m.MaxQueryLimit < 1 {
		return fmt.Errorf("config: access_metrics.max_cache_size must be >= 0 and max_query_limit >= 1")
	}
	// Badger accepts value log files between 1MB and 2GB.
	if m.ValueLogSize != 0 && (m.ValueLogSize < 1<<20 || m.ValueLogSize >= 2<<30) {
		return fmt.Errorf("config: access_metrics.value_log_size must be between 1MB and 2GB, got %d", m.ValueLogSize)
	}
	return nil
}
