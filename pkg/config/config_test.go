package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return cfgPath
}

func TestLoad(t *testing.T) {
	t.Setenv(EnvOverride, "")
	t.Setenv("BLOBGATE_TEST_KEY", "account-key-123")
	content := `
environment: staging
listen_addr: :8443
backend:
  name: media
  type: azureblob
  config:
    account: mediaeastus
    key: ${BLOBGATE_TEST_KEY}
auth:
  tokens:
    tok-alice: alice
  user_header: X-Forwarded-User
access_metrics:
  storage_path: /srv/blobgate/metrics
  retention_days: 7
  max_recent_users: 50
  batch_interval: 2s
  max_cache_size: 500
  value_log_size: 64MB
logging:
  level: debug
  format: json
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Environment != "staging" || cfg.Production() {
		t.Errorf("Environment = %q, Production = %v", cfg.Environment, cfg.Production())
	}
	if cfg.ListenAddr != ":8443" {
		t.Errorf("ListenAddr = %q, want :8443", cfg.ListenAddr)
	}
	if cfg.Backend.Config["key"] != "account-key-123" {
		t.Errorf("env expansion failed: key = %q", cfg.Backend.Config["key"])
	}
	if cfg.Auth.Tokens["tok-alice"] != "alice" || cfg.Auth.UserHeader != "X-Forwarded-User" {
		t.Errorf("Auth = %+v", cfg.Auth)
	}
	m := cfg.AccessMetrics
	if m.StoragePath != "/srv/blobgate/metrics" || m.RetentionDays != 7 || m.MaxRecentUsers != 50 {
		t.Errorf("AccessMetrics = %+v", m)
	}
	if m.BatchInterval != 2*time.Second {
		t.Errorf("BatchInterval = %v, want 2s", m.BatchInterval)
	}
	if m.ValueLogSize != 64*1024*1024 {
		t.Errorf("ValueLogSize = %d, want 64MB", m.ValueLogSize)
	}
	if cfg.Logging.SlogLevel() != slog.LevelDebug {
		t.Errorf("SlogLevel = %v, want debug", cfg.Logging.SlogLevel())
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(EnvOverride, "")
	cfg, err := Load(writeConfig(t, "backend:\n  type: local\n  root: /srv/data\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Environment != "development" {
		t.Errorf("Default Environment = %q, want development", cfg.Environment)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("Default ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Backend.Name != "local" {
		t.Errorf("Default backend name = %q, want local", cfg.Backend.Name)
	}
	m := cfg.AccessMetrics
	if m.RetentionDays != 30 || m.MaxRecentUsers != 100 || m.MaxQueryLimit != 1000 {
		t.Errorf("AccessMetrics defaults = %+v", m)
	}
	if m.BatchInterval != 5*time.Second || m.MaintenanceInterval != 24*time.Hour || m.SnapshotInterval != time.Hour {
		t.Errorf("interval defaults = %v %v %v", m.BatchInterval, m.MaintenanceInterval, m.SnapshotInterval)
	}
	if m.ValueLogSize != 0 {
		t.Errorf("Default ValueLogSize = %d, want 0", m.ValueLogSize)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging defaults = %+v", cfg.Logging)
	}
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	t.Setenv(EnvOverride, "production")
	cfg, err := Load(writeConfig(t, "environment: development\nbackend:\n  type: local\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Production() {
		t.Errorf("Environment = %q, want production from %s", cfg.Environment, EnvOverride)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load of missing file should fail")
	}
}

func TestLoad_BadYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "backend: [unclosed\n")); err == nil {
		t.Error("Load of malformed YAML should fail")
	}
}

func TestLoad_MetricsDefaults(t *testing.T) {
	t.Setenv(EnvOverride, "")
	cfg, err := Load(writeConfig(t, "backend:\n  type: local\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Metrics.MetricsEnabled() {
		t.Error("metrics should be enabled by default")
	}
	if cfg.Metrics.Addr != ":9090" {
		t.Errorf("Metrics.Addr = %q, want :9090", cfg.Metrics.Addr)
	}
}

func TestLoad_MetricsDisabled(t *testing.T) {
	t.Setenv(EnvOverride, "")
	cfg, err := Load(writeConfig(t, "backend:\n  type: local\nmetrics:\n  enabled: false\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Metrics.MetricsEnabled() {
		t.Error("metrics should be disabled")
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"", 0},
		{"0", 0},
		{"512", 512},
		{"1KB", 1024},
		{"64MB", 64 * 1024 * 1024},
		{"1.5GB", 1536 * 1024 * 1024},
		{" 2gb ", 2 * 1024 * 1024 * 1024},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.input)
		if err != nil {
			t.Errorf("ParseSize(%q) error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestParseSize_Invalid(t *testing.T) {
	for _, s := range []string{"abc", "MB", "-1MB", "-5", "1.2.3GB"} {
		if _, err := ParseSize(s); err == nil {
			t.Errorf("ParseSize(%q) should fail", s)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(loud) should fail")
	}
}

func validConfig() *Config {
	c := &Config{Backend: BackendConfig{Type: "local"}}
	c.applyDefaults()
	return c
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown environment", func(c *Config) { c.Environment = "prod" }, "environment"},
		{"missing backend type", func(c *Config) { c.Backend.Type = "" }, "backend.type"},
		{"half s3 keys", func(c *Config) {
			c.Backend.Type = "s3native"
			c.Backend.S3.AccessKeyID = "AKID"
		}, "backend.s3"},
		{"empty token", func(c *Config) { c.Auth.Tokens = map[string]string{"": "alice"} }, "empty token"},
		{"empty user", func(c *Config) { c.Auth.Tokens = map[string]string{"t": " "} }, "empty user"},
		{"require without providers", func(c *Config) { c.Auth.Require = true }, "auth.require"},
		{"retention", func(c *Config) { c.AccessMetrics.RetentionDays = -1 }, "retention_days"},
		{"recent users", func(c *Config) { c.AccessMetrics.MaxRecentUsers = -1 }, "max_recent_users"},
		{"pending below batch", func(c *Config) { c.AccessMetrics.MaxPendingEvents = 10 }, "max_pending_events"},
		{"negative interval", func(c *Config) { c.AccessMetrics.SnapshotInterval = -time.Second }, "intervals"},
		{"query limit", func(c *Config) { c.AccessMetrics.MaxQueryLimit = -1 }, "max_query_limit"},
		{"value log too small", func(c *Config) { c.AccessMetrics.ValueLogSize = 1024 }, "value_log_size"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if err == nil {
				t.Fatal("Validate should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_S3BothKeysOrNone(t *testing.T) {
	c := validConfig()
	c.Backend.Type = "s3native"
	if err := c.Validate(); err != nil {
		t.Errorf("s3native without keys: %v", err)
	}
	c.Backend.S3.AccessKeyID, c.Backend.S3.SecretAccessKey = "AKID", "secret"
	if err := c.Validate(); err != nil {
		t.Errorf("s3native with keys: %v", err)
	}
}
