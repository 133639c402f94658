package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "abode_config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), logger)
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 30*time.Second, cfg.PollingDuration())
	assert.Equal(t, 60*time.Second, cfg.CacheTTLDuration())
	assert.True(t, cfg.EnableEvents)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	path := writeConfig(t, `
polling_interval: 45
retry_count: 5
cache_ttl: 0
enable_events: false
event_groups:
  - alarm
  - mode_change
default_alarm_mode: home
`)

	cfg, err := Load(path, logger)
	require.NoError(t, err)

	assert.Equal(t, 45, cfg.PollingInterval)
	assert.Equal(t, 5, cfg.RetryCount)
	assert.Equal(t, time.Duration(0), cfg.CacheTTLDuration())
	assert.False(t, cfg.EnableEvents)
	assert.Equal(t, []string{"alarm", "mode_change"}, cfg.EventGroups)
	assert.Equal(t, "home", cfg.DefaultAlarmMode)

	// Untouched keys keep their defaults.
	assert.Equal(t, 10, cfg.RequestTimeout)
	assert.Equal(t, 15, cfg.HandshakeTimeout)
}

func TestLoad_MalformedYAML(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	path := writeConfig(t, "polling_interval: [not a number\n")

	_, err := Load(path, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestValidate_Ranges(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"polling too low", func(c *Config) { c.PollingInterval = 5 }},
		{"polling too high", func(c *Config) { c.PollingInterval = 600 }},
		{"retry too low", func(c *Config) { c.RetryCount = 0 }},
		{"retry too high", func(c *Config) { c.RetryCount = 9 }},
		{"cache ttl negative", func(c *Config) { c.CacheTTL = -1 }},
		{"cache ttl too high", func(c *Config) { c.CacheTTL = 301 }},
		{"request timeout zero", func(c *Config) { c.RequestTimeout = 0 }},
		{"handshake timeout zero", func(c *Config) { c.HandshakeTimeout = 0 }},
		{"bad alarm mode", func(c *Config) { c.DefaultAlarmMode = "standby" }},
		{"api port negative", func(c *Config) { c.APIPort = -1 }},
		{"api port too high", func(c *Config) { c.APIPort = 70000 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	good := Default()
	assert.NoError(t, good.Validate())
}
