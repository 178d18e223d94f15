// Package config loads reactor server configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable named in the framework's configuration table.
//
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Listener
	Addr string `env:"REACTOR_ADDR" envDefault:":7000"`

	// TLS (all optional; empty CertFile disables TLS)
	TLSCertFile   string `env:"REACTOR_TLS_CERT_FILE" envDefault:""`
	TLSKeyFile    string `env:"REACTOR_TLS_KEY_FILE" envDefault:""`
	TLSKeyPass    string `env:"REACTOR_TLS_KEY_PASSPHRASE" envDefault:""`
	TLSCAFile     string `env:"REACTOR_TLS_CA_FILE" envDefault:""`
	TLSRequireCCA bool   `env:"REACTOR_TLS_REQUIRE_CLIENT_CERT" envDefault:"false"`

	// Capacity
	MaxFD      int `env:"REACTOR_MAX_FD" envDefault:"65536"`
	BufferSize int `env:"REACTOR_BUFFER_SIZE_KB" envDefault:"16"`

	// Worker pool
	WorkerCount     int `env:"REACTOR_WORKER_COUNT" envDefault:"0"` // 0 = derive from GOMAXPROCS
	WorkerQueueSize int `env:"REACTOR_WORKER_QUEUE_SIZE" envDefault:"4096"`
	FinishQueueCap  int `env:"REACTOR_FINISH_QUEUE_CAP" envDefault:"4096"`

	// Security gate
	SecurityOpen        bool          `env:"REACTOR_SECURITY_OPEN" envDefault:"true"`
	ConnectionNumLimit   int           `env:"REACTOR_CONNECTION_NUM_LIMIT" envDefault:"200"`
	ConnectionSecs       int           `env:"REACTOR_CONNECTION_SECS" envDefault:"10"`
	ConnectionTimes      int           `env:"REACTOR_CONNECTION_TIMES" envDefault:"20"`
	RequestSecs          int           `env:"REACTOR_REQUEST_SECS" envDefault:"1"`
	RequestTimes         int           `env:"REACTOR_REQUEST_TIMES" envDefault:"20"`
	CheckFrequency       int           `env:"REACTOR_CHECK_FREQUENCY" envDefault:"30"`
	ConnectionTimeout    int           `env:"REACTOR_CONNECTION_TIMEOUT" envDefault:"120"`

	// WebSocket heartbeat
	HeartbeatIdle       time.Duration `env:"REACTOR_HEARTBEAT_IDLE" envDefault:"30s"`
	HeartbeatAckTimeout time.Duration `env:"REACTOR_HEARTBEAT_ACK_TIMEOUT" envDefault:"10s"`

	// Audit event publishing (internal/events)
	NATSUrl     string `env:"REACTOR_NATS_URL" envDefault:""`
	NATSSubject string `env:"REACTOR_NATS_SUBJECT" envDefault:"reactor.events"`

	// Monitoring
	MetricsAddr     string        `env:"REACTOR_METRICS_ADDR" envDefault:":9090"`
	MetricsInterval time.Duration `env:"REACTOR_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"REACTOR_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"REACTOR_LOG_FORMAT" envDefault:"json"`

	Environment string `env:"REACTOR_ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (if present) and the
// environment, validates it, and returns the result.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration overrides from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for out-of-range or contradictory
// values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("REACTOR_ADDR is required")
	}
	if c.MaxFD < 1 {
		return fmt.Errorf("REACTOR_MAX_FD must be > 0, got %d", c.MaxFD)
	}
	if c.BufferSize < 1 {
		return fmt.Errorf("REACTOR_BUFFER_SIZE_KB must be > 0, got %d", c.BufferSize)
	}
	if c.ConnectionNumLimit < 1 {
		return fmt.Errorf("REACTOR_CONNECTION_NUM_LIMIT must be > 0, got %d", c.ConnectionNumLimit)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("REACTOR_TLS_CERT_FILE and REACTOR_TLS_KEY_FILE must be set together")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("REACTOR_LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("REACTOR_LOG_FORMAT must be one of json, console (got %q)", c.LogFormat)
	}
	return nil
}

// TLSEnabled reports whether TLS configuration was supplied.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != ""
}

// LogFields logs the loaded configuration using structured fields.
func (c *Config) LogFields(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Bool("tls_enabled", c.TLSEnabled()).
		Int("max_fd", c.MaxFD).
		Int("buffer_size_kb", c.BufferSize).
		Int("worker_count", c.WorkerCount).
		Int("worker_queue_size", c.WorkerQueueSize).
		Bool("security_open", c.SecurityOpen).
		Int("connection_num_limit", c.ConnectionNumLimit).
		Dur("heartbeat_idle", c.HeartbeatIdle).
		Dur("heartbeat_ack_timeout", c.HeartbeatAckTimeout).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
