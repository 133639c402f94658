// Package config loads the monitor daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the abode_config.yaml structure.
type Config struct {
	// BaseURL overrides the production API endpoint.
	BaseURL string `yaml:"base_url"`

	// PollingInterval in seconds between full device refreshes (15-120).
	PollingInterval int `yaml:"polling_interval"`

	// RetryCount bounds retries of failed requests (1-5).
	RetryCount int `yaml:"retry_count"`

	// CacheTTL in seconds for the CMS settings cache (0 disables, max 300).
	CacheTTL int `yaml:"cache_ttl"`

	// EnableEvents controls the real-time event connection.
	EnableEvents bool `yaml:"enable_events"`

	// EventGroups to subscribe to when events are enabled.
	EventGroups []string `yaml:"event_groups"`

	// RequestTimeout in seconds for each HTTP attempt.
	RequestTimeout int `yaml:"request_timeout"`

	// HandshakeTimeout in seconds for the event connection's cookie wait.
	HandshakeTimeout int `yaml:"handshake_timeout"`

	// DefaultAlarmMode used when arming without an explicit mode.
	DefaultAlarmMode string `yaml:"default_alarm_mode"`

	// APIPort for the local diagnostics HTTP server. 0 disables it.
	APIPort int `yaml:"api_port"`
}

// Default returns the balanced configuration preset.
func Default() Config {
	return Config{
		PollingInterval:  30,
		RetryCount:       3,
		CacheTTL:         60,
		EnableEvents:     true,
		EventGroups:      []string{"alarm", "alarm_end", "arm", "disarm", "panel_fault", "panel_restore", "test", "device"},
		RequestTimeout:   10,
		HandshakeTimeout: 15,
		DefaultAlarmMode: "away",
		APIPort:          8081,
	}
}

// Load reads and validates the config file at path. A missing file yields
// the defaults.
func Load(path string, logger *zap.Logger) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("No config file found, using defaults", zap.String("path", path))
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	logger.Info("Config loaded",
		zap.String("path", path),
		zap.Int("polling_interval", cfg.PollingInterval),
		zap.Bool("enable_events", cfg.EnableEvents))
	return cfg, nil
}

// Validate checks the documented ranges.
func (c *Config) Validate() error {
	if c.PollingInterval < 15 || c.PollingInterval > 120 {
		return fmt.Errorf("polling_interval must be 15-120 seconds, got %d", c.PollingInterval)
	}
	if c.RetryCount < 1 || c.RetryCount > 5 {
		return fmt.Errorf("retry_count must be 1-5, got %d", c.RetryCount)
	}
	if c.CacheTTL < 0 || c.CacheTTL > 300 {
		return fmt.Errorf("cache_ttl must be 0-300 seconds, got %d", c.CacheTTL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %d", c.RequestTimeout)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be positive, got %d", c.HandshakeTimeout)
	}
	switch c.DefaultAlarmMode {
	case "away", "home":
	default:
		return fmt.Errorf("default_alarm_mode must be away or home, got %q", c.DefaultAlarmMode)
	}
	if c.APIPort < 0 || c.APIPort > 65535 {
		return fmt.Errorf("api_port must be 0-65535, got %d", c.APIPort)
	}
	return nil
}

// PollingDuration returns the polling interval as a duration.
func (c *Config) PollingDuration() time.Duration {
	return time.Duration(c.PollingInterval) * time.Second
}

// CacheTTLDuration returns the cache TTL as a duration.
func (c *Config) CacheTTLDuration() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}

// RequestTimeoutDuration returns the request timeout as a duration.
func (c *Config) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// HandshakeTimeoutDuration returns the handshake timeout as a duration.
func (c *Config) HandshakeTimeoutDuration() time.Duration {
	return time.Duration(c.HandshakeTimeout) * time.Second
}
