// Package config loads and validates the sync core configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ViewerConfig identifies the current viewer.
type ViewerConfig struct {
	ID string `yaml:"id"`
}

// TransportConfig holds push-transport settings.
type TransportConfig struct {
	URL           string `yaml:"url"`
	DialTimeoutMs int    `yaml:"dial_timeout_ms"` // Optional: defaults to 10000
	AuthToken     string `yaml:"auth_token"`      // Optional: bearer token for the handshake
	AuthTokenEnv  string `yaml:"auth_token_env"`  // Optional: env var holding the token (wins over auth_token)
}

// NegotiationConfig holds call-negotiation settings.
type NegotiationConfig struct {
	WindowSec int `yaml:"window_sec"` // Optional: defaults to 60
}

// MetricsConfig holds metrics-cache and observability settings.
type MetricsConfig struct {
	HistoryCap        int    `yaml:"history_cap"`         // Optional: defaults to 256
	RefreshIntervalMs int    `yaml:"refresh_interval_ms"` // Optional: defaults to 15000, floor 5000
	HTTPAddr          string `yaml:"http_addr"`           // Optional: Prometheus /metrics listen address
}

// Config is the root configuration structure
type Config struct {
	Version     int               `yaml:"version"`
	Viewer      ViewerConfig      `yaml:"viewer"`
	Transport   TransportConfig   `yaml:"transport"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d (expected 1)", c.Version)
	}

	if c.Viewer.ID == "" {
		return fmt.Errorf("viewer id is required")
	}

	if c.Transport.URL == "" {
		return fmt.Errorf("transport url is required")
	}
	if c.Transport.DialTimeoutMs < 0 {
		return fmt.Errorf("transport dial_timeout_ms cannot be negative")
	}
	if c.Transport.DialTimeoutMs == 0 {
		c.Transport.DialTimeoutMs = 10000
	}

	if c.Negotiation.WindowSec < 0 {
		return fmt.Errorf("negotiation window_sec cannot be negative")
	}
	if c.Negotiation.WindowSec == 0 {
		c.Negotiation.WindowSec = 60
	}

	if c.Metrics.HistoryCap < 0 {
		return fmt.Errorf("metrics history_cap cannot be negative")
	}
	if c.Metrics.HistoryCap == 0 {
		c.Metrics.HistoryCap = 256
	}
	if c.Metrics.RefreshIntervalMs == 0 {
		c.Metrics.RefreshIntervalMs = 15000
	}
	if c.Metrics.RefreshIntervalMs < 5000 {
		return fmt.Errorf("metrics refresh_interval_ms %d below minimum 5000", c.Metrics.RefreshIntervalMs)
	}

	return nil
}

// DialTimeout returns the transport dial timeout as a duration.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Transport.DialTimeoutMs) * time.Millisecond
}

// NegotiationWindow returns the call negotiation window as a duration.
func (c *Config) NegotiationWindow() time.Duration {
	return time.Duration(c.Negotiation.WindowSec) * time.Second
}

// RefreshInterval returns the metrics refresh cadence as a duration.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Metrics.RefreshIntervalMs) * time.Millisecond
}

// ResolveAuthToken returns the transport auth token, preferring the
// configured environment variable over the inline value.
func (c *Config) ResolveAuthToken() string {
	if c.Transport.AuthTokenEnv != "" {
		if v := os.Getenv(c.Transport.AuthTokenEnv); v != "" {
			return v
		}
	}
	return c.Transport.AuthToken
}
