package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvOverride names the environment variable that overrides Environment.
const EnvOverride = "BLOBGATE_ENV"

// Load reads and parses a blobgate configuration file.
// Supports environment variable expansion in string values via ${VAR} syntax.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse: %w", err)
	}

	if env := os.Getenv(EnvOverride); env != "" {
		cfg.Environment = env
	}
	cfg.applyDefaults()
	if err := cfg.parseSizes(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.Backend.Name == "" {
		c.Backend.Name = c.Backend.Type
	}

	m := &c.AccessMetrics
	if m.StoragePath == "" {
		m.StoragePath = "/var/lib/blobgate/metrics"
	}
	if m.RetentionDays == 0 {
		m.RetentionDays = 30
	}
	if m.MaxRecentUsers == 0 {
		m.MaxRecentUsers = 100
	}
	if m.BatchInterval == 0 {
		m.BatchInterval = 5 * time.Second
	}
	if m.BatchSize == 0 {
		m.BatchSize = 100
	}
	if m.MaxPendingEvents == 0 {
		m.MaxPendingEvents = 10000
	}
	if m.MaxCacheSize == 0 {
		m.MaxCacheSize = 10000
	}
	if m.MaxQueryLimit == 0 {
		m.MaxQueryLimit = 1000
	}
	if m.MaintenanceInterval == 0 {
		m.MaintenanceInterval = 24 * time.Hour
	}
	if m.SnapshotInterval == 0 {
		m.SnapshotInterval = time.Hour
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// parseSizes converts human-readable size strings to int64 bytes.
// Returns an error if any user-provided size string is invalid.
func (c *Config) parseSizes() error {
	v, err := ParseSize(c.AccessMetrics.ValueLogSizeRaw)
	if err != nil {
		return fmt.Errorf("config: invalid access_metrics.value_log_size %q: %w", c.AccessMetrics.ValueLogSizeRaw, err)
	}
	c.AccessMetrics.ValueLogSize = v
	return nil
}

// ParseSize converts a human-readable size like "2GB", "64MB", "512KB" to bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0, nil
	}

	multipliers := []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			num, err := strconv.ParseFloat(strings.TrimSuffix(s, m.suffix), 64)
			if err != nil || num < 0 {
				return 0, fmt.Errorf("config.ParseSize: invalid size %q", s)
			}
			return int64(num * float64(m.mult)), nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("config.ParseSize: invalid size %q", s)
	}
	return n, nil
}
