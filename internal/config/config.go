// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrProviderAPIKeyRequired is returned when DUB_PROVIDER_API_KEY is not set.
	ErrProviderAPIKeyRequired = errors.New("config: DUB_PROVIDER_API_KEY is required")
	// ErrProviderBaseURLRequired is returned when DUB_PROVIDER_BASE_URL is not set.
	ErrProviderBaseURLRequired = errors.New("config: DUB_PROVIDER_BASE_URL is required")
	// ErrInvalidPollBounds is returned when the poll interval bounds are inverted.
	ErrInvalidPollBounds = errors.New("config: PROVIDER_POLL_MIN_MS must not exceed PROVIDER_POLL_MAX_MS")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Dubbing provider settings
	ProviderAPIKey  string `env:"DUB_PROVIDER_API_KEY, required" json:"-"` // Masked in JSON
	ProviderBaseURL string `env:"DUB_PROVIDER_BASE_URL, required" json:"provider_base_url"`

	// Workspace settings
	WorkspaceRoot   string `env:"WORKSPACE_ROOT, default=./temp/automation" json:"workspace_root"`
	CleanupDelaySec int    `env:"CLEANUP_DELAY_SEC, default=86400" json:"cleanup_delay_sec"`

	// Persistence settings. When DBPath is empty the in-memory store is used.
	DBPath string `env:"DB_PATH" json:"db_path,omitempty"`

	// Cost constants
	DubRatePerMinute    float64 `env:"DUB_RATE_PER_MINUTE, default=0.24" json:"dub_rate_per_minute"`
	ProcessRatePerChunk float64 `env:"PROCESS_RATE_PER_CHUNK, default=0.01" json:"process_rate_per_chunk"`

	// Provider polling bounds
	ProviderPollMinMs int `env:"PROVIDER_POLL_MIN_MS, default=3000" json:"provider_poll_min_ms"`
	ProviderPollMaxMs int `env:"PROVIDER_POLL_MAX_MS, default=20000" json:"provider_poll_max_ms"`

	// Supported dubbing languages file. When empty the compiled-in set is used.
	LanguagesFile string `env:"LANGUAGES_FILE" json:"languages_file,omitempty"`

	// Optional S3 settings for final-artifact delivery
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// CleanupDelay returns the artifact retention window as a duration.
func (c *Config) CleanupDelay() time.Duration {
	return time.Duration(c.CleanupDelaySec) * time.Second
}

// PollMin returns the lower polling interval bound as a duration.
func (c *Config) PollMin() time.Duration {
	return time.Duration(c.ProviderPollMinMs) * time.Millisecond
}

// PollMax returns the upper polling interval bound as a duration.
func (c *Config) PollMax() time.Duration {
	return time.Duration(c.ProviderPollMaxMs) * time.Millisecond
}

// Load reads configuration from environment variables using go-envconfig.
// It returns an error if required variables are not set.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		// Map envconfig errors to our domain errors for required fields
		if strings.Contains(err.Error(), "DUB_PROVIDER_API_KEY") {
			return nil, ErrProviderAPIKeyRequired
		}
		if strings.Contains(err.Error(), "DUB_PROVIDER_BASE_URL") {
			return nil, ErrProviderBaseURLRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and consistent.
func (c *Config) Validate() error {
	if c.ProviderAPIKey == "" {
		return ErrProviderAPIKeyRequired
	}
	if c.ProviderBaseURL == "" {
		return ErrProviderBaseURLRequired
	}
	if c.ProviderPollMinMs > c.ProviderPollMaxMs {
		return ErrInvalidPollBounds
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, ProviderBaseURL: %s, WorkspaceRoot: %s, DBPath: %s, CleanupDelaySec: %d, DubRatePerMinute: %g, ProcessRatePerChunk: %g, PollMinMs: %d, PollMaxMs: %d, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.ProviderBaseURL,
		c.WorkspaceRoot,
		c.DBPath,
		c.CleanupDelaySec,
		c.DubRatePerMinute,
		c.ProcessRatePerChunk,
		c.ProviderPollMinMs,
		c.ProviderPollMaxMs,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
