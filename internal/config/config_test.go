package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 120*time.Second, cfg.RefreshInterval.Std())
	assert.Equal(t, 10*time.Second, cfg.MinRefreshInterval.Std())
	assert.Equal(t, 5*time.Second, cfg.ProbeCooldown.Std())
	assert.Equal(t, 6*time.Second, cfg.LiveReadTimeout.Std())
	assert.Equal(t, 300*time.Millisecond, cfg.PollInterval.Std())
	assert.Equal(t, 1800*time.Millisecond, cfg.PollTimeout.Std())
	assert.Equal(t, 2*time.Second, cfg.WatchInterval.Std())
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_OverridesKeepUnsetDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"log_level: debug\nrefresh_interval: 30s\npoll_timeout: 900ms\n",
	), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.RefreshInterval.Std())
	assert.Equal(t, 900*time.Millisecond, cfg.PollTimeout.Std())
	// Untouched keys keep their defaults.
	assert.Equal(t, 300*time.Millisecond, cfg.PollInterval.Std())
	assert.Equal(t, 5*time.Second, cfg.ProbeCooldown.Std())
}

func TestLoad_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "malformed yaml",
			yaml: "log_level: [",
		},
		{
			name: "unparseable duration",
			yaml: "refresh_interval: soon",
		},
		{
			name: "unknown log level",
			yaml: "log_level: loud",
		},
		{
			name: "non-positive interval",
			yaml: "poll_interval: 0s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		expected logrus.Level
	}{
		{
			name:     "creates logger with debug level",
			logLevel: "debug",
			expected: logrus.DebugLevel,
		},
		{
			name:     "creates logger with info level",
			logLevel: "info",
			expected: logrus.InfoLevel,
		},
		{
			name:     "creates logger with warn level",
			logLevel: "warn",
			expected: logrus.WarnLevel,
		},
		{
			name:     "unknown level falls back to info",
			logLevel: "loud",
			expected: logrus.InfoLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				LogLevel: tt.logLevel,
			}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.expected, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}
