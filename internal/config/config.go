// Package config loads Bufferbane's TOML configuration, following
// controlplane/s3-uploader/internal/config/config.go's pattern: a
// DefaultConfig, a Load that reads a TOML file then layers environment
// overrides on top, and a Validate that turns bad input into a fatal
// startup error per the configuration error policy.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/schuellerf/bufferbane/internal/apperrors"
)

// ClientConfig is the bufferbane (client/monitor) process's configuration.
type ClientConfig struct {
	TestIntervalMS int           `toml:"test_interval_ms"`
	Targets        []string      `toml:"targets"`
	Server         *ServerTarget `toml:"server,omitempty"`
	Retention      Retention     `toml:"retention"`
	Alerts         Alerts        `toml:"alerts"`
	Interface      string        `toml:"interface"`
	ConnectionType string        `toml:"connection_type"`
	DatabasePath   string        `toml:"database_path"`
	LogLevel       string        `toml:"log_level"`
	MetricsAddr    string        `toml:"metrics_addr"`
}

// ServerTarget configures the one authenticated server-echo target a
// client probes against.
type ServerTarget struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	ClientID        uint64 `toml:"client_id"`
	SharedSecretHex string `toml:"shared_secret_hex"`
	Enabled         bool   `toml:"enabled"`
}

// Retention controls how long raw measurements, hourly aggregates, and
// events are kept before aggregate_and_prune removes them.
type Retention struct {
	MeasurementsDays int    `toml:"measurements_days"`
	AggregationsDays int    `toml:"aggregations_days"`
	EventsDays       int    `toml:"events_days"`
	AggregationTime  string `toml:"aggregation_time"`
}

// Alerts configures the optional threshold-breach notifications.
type Alerts struct {
	Enabled   bool    `toml:"enabled"`
	LatencyMS float64 `toml:"latency_ms"`
	JitterMS  float64 `toml:"jitter_ms"`
	LossPct   float64 `toml:"loss_pct"`
}

// ServerConfig is the bufferbane-server process's configuration.
type ServerConfig struct {
	BindAddress     string `toml:"bind_address"`
	BindPort        int    `toml:"bind_port"`
	SharedSecretHex string `toml:"shared_secret_hex"`
	SessionTimeoutS int    `toml:"session_timeout_s"`
	MaxSessions     int    `toml:"max_sessions"`
	PerIPRateLimit  int    `toml:"per_ip_rate_limit"`
	NonceWindowS    int    `toml:"nonce_window_s"`
	MaxPacketBytes  int    `toml:"max_packet_bytes"`
	LogLevel        string `toml:"log_level"`
	MetricsAddr     string `toml:"metrics_addr"`
}

// DefaultClientConfig mirrors the defaults named in the configuration
// surface: 1 s cadence, 30-day raw retention, aggregates and events kept
// indefinitely.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		TestIntervalMS: 1000,
		Retention: Retention{
			MeasurementsDays: 30,
			AggregationsDays: 0,
			EventsDays:       0,
			AggregationTime:  "03:00",
		},
		Interface:      "default",
		ConnectionType: "unknown",
		DatabasePath:   "bufferbane.db",
		LogLevel:       "info",
	}
}

// DefaultServerConfig mirrors the server defaults named in the
// configuration surface.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		BindAddress:     "0.0.0.0",
		BindPort:        9876,
		SessionTimeoutS: 3600,
		MaxSessions:     10000,
		PerIPRateLimit:  50,
		NonceWindowS:    120,
		MaxPacketBytes:  1500,
		LogLevel:        "info",
	}
}

// LoadClientConfig reads path as TOML over DefaultClientConfig, then
// layers BUFFERBANE_* environment overrides on top, matching the
// file-then-env priority used by s3-uploader's Load.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.NewConfig("load_client_config", "failed to read config file", err).
				WithContext("path", path)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.NewConfig("load_client_config", "failed to parse TOML", err).
				WithContext("path", path)
		}
	}

	if v := os.Getenv("BUFFERBANE_TEST_INTERVAL_MS"); v != "" {
		if n, err := parseIntEnv(v); err == nil {
			cfg.TestIntervalMS = n
		}
	}
	if v := os.Getenv("BUFFERBANE_SERVER_SHARED_SECRET_HEX"); v != "" && cfg.Server != nil {
		cfg.Server.SharedSecretHex = v
	}
	if v := os.Getenv("BUFFERBANE_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("BUFFERBANE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// LoadServerConfig reads path as TOML over DefaultServerConfig, then
// layers BUFFERBANE_SERVER_* environment overrides.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.NewConfig("load_server_config", "failed to read config file", err).
				WithContext("path", path)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.NewConfig("load_server_config", "failed to parse TOML", err).
				WithContext("path", path)
		}
	}

	if v := os.Getenv("BUFFERBANE_SERVER_SHARED_SECRET_HEX"); v != "" {
		cfg.SharedSecretHex = v
	}
	if v := os.Getenv("BUFFERBANE_SERVER_BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("BUFFERBANE_SERVER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// Validate rejects configuration errors the spec names as fatal at
// startup: bad secret length, invalid interval.
func (c *ClientConfig) Validate() error {
	if c.TestIntervalMS <= 0 {
		return apperrors.NewValidation("validate_client_config", "test_interval_ms must be positive", nil)
	}
	if len(c.Targets) == 0 && (c.Server == nil || !c.Server.Enabled) {
		return apperrors.NewValidation("validate_client_config", "at least one ICMP target or an enabled server target is required", nil)
	}
	if c.Server != nil && c.Server.Enabled {
		if len(c.Server.SharedSecretHex) != 64 {
			return apperrors.NewValidation("validate_client_config", "server.shared_secret_hex must be 32 bytes (64 hex chars)", nil).
				WithContext("length", len(c.Server.SharedSecretHex))
		}
		if c.Server.Host == "" {
			return apperrors.NewValidation("validate_client_config", "server.host must be set when server is enabled", nil)
		}
	}
	if _, err := time.Parse("15:04", c.Retention.AggregationTime); err != nil {
		return apperrors.NewValidation("validate_client_config", "retention.aggregation_time must be HH:MM", err)
	}
	return nil
}

// Validate rejects server configuration errors fatal at startup.
func (c *ServerConfig) Validate() error {
	if len(c.SharedSecretHex) != 64 {
		return apperrors.NewValidation("validate_server_config", "shared_secret_hex must be 32 bytes (64 hex chars)", nil).
			WithContext("length", len(c.SharedSecretHex))
	}
	if c.BindPort <= 0 || c.BindPort > 65535 {
		return apperrors.NewValidation("validate_server_config", "bind_port out of range", nil).
			WithContext("bind_port", c.BindPort)
	}
	if c.MaxSessions <= 0 {
		return apperrors.NewValidation("validate_server_config", "max_sessions must be positive", nil)
	}
	if c.NonceWindowS <= 0 {
		return apperrors.NewValidation("validate_server_config", "nonce_window_s must be positive", nil)
	}
	return nil
}

func parseIntEnv(v string) (int, error) {
	var n int
	_, err := fmt.Sscanf(v, "%d", &n)
	return n, err
}
