// Package config provides configuration loading for the telemetry host layer.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for the telemetry layer.
type Config struct {
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// TelemetryConfig gates and configures event reporting.
type TelemetryConfig struct {
	Enabled        bool           `koanf:"enabled"`
	Provider       string         `koanf:"provider"` // "otlp", "log", "noop"
	Endpoint       string         `koanf:"endpoint"`
	Protocol       string         `koanf:"protocol"` // "grpc" or "http/protobuf"
	Insecure       bool           `koanf:"insecure"` // Use insecure connection (no TLS)
	TLSSkipVerify  bool           `koanf:"tls_skip_verify"`
	ServiceName    string         `koanf:"service_name"`
	ServiceVersion string         `koanf:"service_version"`
	InitDelay      Duration       `koanf:"init_delay"` // Deferred provider construction delay
	Sampling       SamplingConfig `koanf:"sampling"`
	Metrics        MetricsConfig  `koanf:"metrics"`
	Events         EventsConfig   `koanf:"events"`
	Shutdown       ShutdownConfig `koanf:"shutdown"`
}

// SamplingConfig controls trace sampling behavior.
type SamplingConfig struct {
	Rate float64 `koanf:"rate"` // 0.0-1.0, default 1.0
}

// MetricsConfig controls export of the pipeline's own metrics.
type MetricsConfig struct {
	Enabled        bool     `koanf:"enabled"`
	ExportInterval Duration `koanf:"export_interval"`
}

// EventsConfig bounds event emission from misbehaving callers.
type EventsConfig struct {
	RateLimit float64 `koanf:"rate_limit"` // events per second, 0 disables the cap
	Burst     int     `koanf:"burst"`
}

// ShutdownConfig controls graceful shutdown behavior.
type ShutdownConfig struct {
	Timeout Duration `koanf:"timeout"`
}

// LoggingConfig configures the layer's own structured logging.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // zap level name
	Format string `koanf:"format"` // "json" or "console"
	Stdout bool   `koanf:"stdout"`
	OTEL   bool   `koanf:"otel"` // bridge logs to the OTel log provider when available
}

// NewDefaultConfig returns conservative defaults.
// Telemetry is disabled by default; nothing leaves the process until the
// host grants consent and the config flag is flipped.
func NewDefaultConfig() *Config {
	return &Config{
		Telemetry: TelemetryConfig{
			Enabled:        false,
			Provider:       "otlp",
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			Insecure:       true, // local collector by default; set false for production TLS
			ServiceName:    "extension-host",
			ServiceVersion: "0.1.0",
			InitDelay:      Duration(time.Second),
			Sampling:       SamplingConfig{Rate: 1.0},
			Metrics: MetricsConfig{
				Enabled:        false,
				ExportInterval: Duration(15 * time.Second),
			},
			Events: EventsConfig{
				RateLimit: 50,
				Burst:     100,
			},
			Shutdown: ShutdownConfig{
				Timeout: Duration(5 * time.Second),
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Stdout: true,
		},
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	return c.Telemetry.Validate()
}

// Validate checks telemetry configuration for errors.
// A disabled config is always valid.
func (c *TelemetryConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	switch c.Provider {
	case "otlp", "log", "noop", "":
	default:
		return fmt.Errorf("unknown provider %q (want otlp, log, or noop)", c.Provider)
	}

	if c.Provider == "otlp" || c.Provider == "" {
		if c.Endpoint == "" {
			return fmt.Errorf("endpoint is required when telemetry is enabled")
		}
		if c.Insecure && !c.isLocalEndpoint() {
			return fmt.Errorf("insecure connections to remote endpoints are not allowed; set insecure=false for TLS or use a local endpoint (localhost/127.0.0.1)")
		}
	}

	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when telemetry is enabled")
	}

	if c.Sampling.Rate < 0 || c.Sampling.Rate > 1 {
		return fmt.Errorf("sampling.rate must be between 0 and 1, got %f", c.Sampling.Rate)
	}

	if c.Metrics.Enabled && c.Metrics.ExportInterval.Duration() <= 0 {
		return fmt.Errorf("metrics.export_interval must be positive when metrics enabled")
	}

	if c.Events.RateLimit < 0 {
		return fmt.Errorf("events.rate_limit cannot be negative")
	}

	if c.Shutdown.Timeout.Duration() <= 0 {
		return fmt.Errorf("shutdown.timeout must be positive")
	}

	return nil
}

// isLocalEndpoint checks if the endpoint is a local address.
func (c *TelemetryConfig) isLocalEndpoint() bool {
	host := c.Endpoint

	// Handle IPv6 addresses (may be bracketed like [::1]:4317)
	if strings.HasPrefix(host, "[") {
		if idx := strings.Index(host, "]:"); idx != -1 {
			host = host[1:idx]
		} else if strings.HasSuffix(host, "]") {
			host = host[1 : len(host)-1]
		}
	} else if strings.Count(host, ":") == 1 {
		if idx := strings.LastIndex(host, ":"); idx != -1 {
			host = host[:idx]
		}
	}

	return host == "localhost" ||
		host == "127.0.0.1" ||
		host == "::1" ||
		strings.HasPrefix(host, "127.") ||
		strings.HasPrefix(c.Endpoint, "::1")
}
