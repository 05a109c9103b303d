// Package config loads server configuration from the process
// environment, with an optional .env file for development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all runtime configuration.
//
// Precedence: ENV vars > .env file > defaults.
type Config struct {
	// Server basics
	Addr string `env:"MCS_ADDR" envDefault:":8080"`
	// AllowedOrigins is a comma-separated list of origin patterns.
	// A pattern is an exact origin ("https://play.example.com"), a
	// wildcarded subdomain ("*.example.com"), or "localhost" which
	// matches any localhost/127.0.0.1 origin regardless of port.
	AllowedOrigins string `env:"MCS_ALLOWED_ORIGINS" envDefault:"localhost"`

	// Durable store
	StoreDSN string `env:"MCS_STORE_DSN" envDefault:"mcs.db"`

	// PublicURL is the reachable endpoint advertised in session rows.
	PublicURL string `env:"MCS_PUBLIC_URL" envDefault:"ws://localhost:8080/ws"`
	// Region is an informational tag attached to logs and session rows.
	Region string `env:"MCS_REGION" envDefault:"local"`

	// Credentials
	JWTIssuer   string `env:"MCS_JWT_ISSUER" envDefault:"minecraft-classic"`
	JWTAudience string `env:"MCS_JWT_AUDIENCE" envDefault:"minecraft-classic-server"`
	// AllowOpaqueTokens enables display-name-only admission with
	// unsigned short-lived tokens. Off in production deployments.
	AllowOpaqueTokens bool `env:"MCS_ALLOW_OPAQUE_TOKENS" envDefault:"false"`

	// Persistence
	FlushInterval time.Duration `env:"MCS_FLUSH_INTERVAL" envDefault:"1s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from the .env file and environment
// variables. The .env file is optional; in containers the environment
// is used directly.
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

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("MCS_ADDR is required")
	}
	if c.StoreDSN == "" {
		return fmt.Errorf("MCS_STORE_DSN is required")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("MCS_FLUSH_INTERVAL must be > 0, got %s", c.FlushInterval)
	}
	if strings.TrimSpace(c.AllowedOrigins) == "" {
		return fmt.Errorf("MCS_ALLOWED_ORIGINS is required")
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

// OriginPatterns returns the parsed allowed-origin patterns.
func (c *Config) OriginPatterns() []string {
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// LogConfig logs the loaded configuration with structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("allowed_origins", c.AllowedOrigins).
		Str("store_dsn", c.StoreDSN).
		Str("public_url", c.PublicURL).
		Str("region", c.Region).
		Bool("allow_opaque_tokens", c.AllowOpaqueTokens).
		Dur("flush_interval", c.FlushInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
