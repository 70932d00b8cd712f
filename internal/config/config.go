// Package config loads the warden configuration file and agent permission
// profiles, with environment variable expansion and live profile reload.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/warden/internal/ratelimit"
	"github.com/haasonsaas/warden/pkg/models"
)

// Config is the top-level warden configuration.
type Config struct {
	// OrgID scopes rules, interventions, and activity.
	OrgID string `yaml:"org_id"`

	// CatalogPath points at the tool catalog YAML file.
	CatalogPath string `yaml:"catalog_path"`

	// ProfilesPath points at the agent permission profiles YAML file.
	ProfilesPath string `yaml:"profiles_path"`

	Log       LogConfig        `yaml:"log"`
	Database  DatabaseConfig   `yaml:"database"`
	Detection DetectionConfig  `yaml:"detection"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	Audit     AuditConfig      `yaml:"audit"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Tracing   TracingConfig    `yaml:"tracing"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file (":memory:" for ephemeral).
	Path string `yaml:"path"`
}

// DetectionConfig configures the guardrail detection loop.
type DetectionConfig struct {
	// Interval between detection ticks.
	Interval time.Duration `yaml:"interval"`

	// Rules are seeded into the rule store at startup when not already
	// present.
	Rules []models.Rule `yaml:"rules"`
}

// BreakerConfig sets defaults for per-tool circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

// AuditConfig configures the audit logger.
type AuditConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		OrgID: "default",
		Log:   LogConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "warden.db",
		},
		Detection: DetectionConfig{Interval: time.Minute},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Cooldown:         30 * time.Second,
			CallTimeout:      60 * time.Second,
		},
		Audit:   AuditConfig{BufferSize: 1024},
		Metrics: MetricsConfig{Addr: ":9090"},
	}
}

// Load reads the configuration file at path. Environment variables in the
// file are expanded (${VAR} or $VAR) before parsing; missing fields fall
// back to defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "memory":
	case "":
		c.Database.Driver = "sqlite"
	default:
		return fmt.Errorf("unknown database driver %q (want sqlite or memory)", c.Database.Driver)
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		return fmt.Errorf("database.path is required for the sqlite driver")
	}
	if c.Detection.Interval < 0 {
		return fmt.Errorf("detection.interval must not be negative")
	}
	if c.Detection.Interval == 0 {
		c.Detection.Interval = time.Minute
	}
	for i := range c.Detection.Rules {
		rule := &c.Detection.Rules[i]
		if rule.OrgID == "" {
			rule.OrgID = c.OrgID
		}
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("detection.rules[%d]: %w", i, err)
		}
	}
	return nil
}
