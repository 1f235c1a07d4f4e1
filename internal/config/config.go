// Package config holds daemon configuration: defaults in code, optional
// overrides from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML scalars like
// "300ms" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the wrapped standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level"`

	// RefreshInterval is the periodic background fusion cadence;
	// MinRefreshInterval rate-limits unforced cycles between ticks.
	RefreshInterval    Duration `yaml:"refresh_interval"`
	MinRefreshInterval Duration `yaml:"min_refresh_interval"`

	// ProbeCooldown throttles repeat invocations of one platform utility.
	ProbeCooldown Duration `yaml:"probe_cooldown"`

	// LiveReadTimeout bounds one live read batch; PollInterval/PollTimeout
	// drive the per-connection wait loop.
	LiveReadTimeout Duration `yaml:"live_read_timeout"`
	PollInterval    Duration `yaml:"poll_interval"`
	PollTimeout     Duration `yaml:"poll_timeout"`

	// WatchInterval is the connection-watcher inventory poll cadence.
	WatchInterval Duration `yaml:"watch_interval"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		LogLevel:           "info",
		RefreshInterval:    Duration(120 * time.Second),
		MinRefreshInterval: Duration(10 * time.Second),
		ProbeCooldown:      Duration(5 * time.Second),
		LiveReadTimeout:    Duration(6 * time.Second),
		PollInterval:       Duration(300 * time.Millisecond),
		PollTimeout:        Duration(1800 * time.Millisecond),
		WatchInterval:      Duration(2 * time.Second),
	}
}

// Load reads the YAML file at path over the defaults. An empty path or a
// missing file yields the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %q: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	for name, d := range map[string]Duration{
		"refresh_interval":  c.RefreshInterval,
		"live_read_timeout": c.LiveReadTimeout,
		"poll_interval":     c.PollInterval,
		"poll_timeout":      c.PollTimeout,
		"watch_interval":    c.WatchInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.MinRefreshInterval < 0 || c.ProbeCooldown < 0 {
		return errors.New("intervals must not be negative")
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
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
