// Package config holds application configuration loaded from defaults
// and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "250ms"
// or "10s".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds application configuration.
type Config struct {
	LogLevel     string   `yaml:"log_level" default:"info"`
	ScanTimeout  Duration `yaml:"scan_timeout"`
	OutputFormat string   `yaml:"output_format" default:"table"` // table, json

	// DatabasePath is where the sync journal lives.
	DatabasePath string `yaml:"database_path" default:"puffsync.db"`

	// Device is the peripheral address to connect to. Empty means the
	// run command requires an explicit --device flag.
	Device string `yaml:"device"`

	ConnectTimeout Duration `yaml:"connect_timeout"`

	Sync SyncConfig `yaml:"sync"`
}

// SyncConfig tunes the reconciliation engines.
type SyncConfig struct {
	RetryMax             int      `yaml:"retry_max" default:"3"`
	BackoffDelay         Duration `yaml:"backoff_delay"`
	BackfillPageSize     uint8    `yaml:"backfill_page_size" default:"50"`
	ContinuationPageSize uint8    `yaml:"continuation_page_size" default:"15"`
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	cfg := &Config{
		ScanTimeout:    Duration(10 * time.Second),
		ConnectTimeout: Duration(30 * time.Second),
		Sync: SyncConfig{
			BackoffDelay: Duration(250 * time.Millisecond),
		},
	}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if _, err := cfg.Level(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Level parses the configured log level.
func (c *Config) Level() (logrus.Level, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := c.Level()
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
