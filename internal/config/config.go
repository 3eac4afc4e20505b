// Package config loads broker configuration from the environment, with an
// optional .env file for development. Priority: env vars > .env > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all broker settings.
type Config struct {
	// Server basics
	Addr    string `env:"CHATC_ADDR" envDefault:":8080"`
	DataDir string `env:"CHATC_DATA_DIR" envDefault:"data"`

	// Optional surfaces
	MetricsAddr string `env:"CHATC_METRICS_ADDR" envDefault:":9100"`
	NATSURL     string `env:"CHATC_NATS_URL" envDefault:""`

	// Capacity
	MaxConnections int `env:"CHATC_MAX_CONNECTIONS" envDefault:"500"`

	// Connection rate limiting
	RateLimitEnabled bool    `env:"CHATC_RATE_LIMIT_ENABLED" envDefault:"false"`
	RateLimitIPBurst int     `env:"CHATC_RATE_LIMIT_IP_BURST" envDefault:"10"`
	RateLimitIPRate  float64 `env:"CHATC_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	RateLimitBurst   int     `env:"CHATC_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	RateLimitRate    float64 `env:"CHATC_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// File transfers
	TransferTimeout time.Duration `env:"CHATC_TRANSFER_TIMEOUT" envDefault:"2m"`

	// Monitoring
	MetricsInterval time.Duration `env:"CHATC_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from the .env file (optional) and environment
// variables, then validates.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and enums.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("CHATC_ADDR is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("CHATC_DATA_DIR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("CHATC_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.TransferTimeout <= 0 {
		return fmt.Errorf("CHATC_TRANSFER_TIMEOUT must be positive, got %s", c.TransferTimeout)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig dumps the effective configuration through the structured logger.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("data_dir", c.DataDir).
		Str("metrics_addr", c.MetricsAddr).
		Str("nats_url", c.NATSURL).
		Int("max_connections", c.MaxConnections).
		Bool("rate_limit_enabled", c.RateLimitEnabled).
		Dur("transfer_timeout", c.TransferTimeout).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Broker configuration loaded")
}
