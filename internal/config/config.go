// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// Config holds all client configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`

	// APIBaseURL is the base URL of the analysis backend, e.g.
	// https://api.example.com (endpoints live under /api/v1).
	APIBaseURL string `env:"API_BASE_URL" envDefault:"http://localhost:8000" validate:"required,url"`

	// Session provider. When APIToken is set it is used directly and the
	// token endpoint is never called.
	APIToken     string `env:"API_TOKEN"`
	AuthBaseURL  string `env:"AUTH_BASE_URL" validate:"omitempty,url"`
	AuthAnonKey  string `env:"AUTH_ANON_KEY"`
	AuthEmail    string `env:"AUTH_EMAIL"`
	AuthPassword string `env:"AUTH_PASSWORD"`
	// TokenRefreshLeeway: a cached token within this window of expiry is
	// treated as expired and refreshed early.
	TokenRefreshLeeway time.Duration `env:"TOKEN_REFRESH_LEEWAY" envDefault:"30s"`

	// AnalysisTimeout bounds one run from stream-open to terminal event.
	AnalysisTimeout time.Duration `env:"ANALYSIS_TIMEOUT" envDefault:"5m"`
	// RequestTimeout bounds the non-streaming round trips (upload, extract,
	// token, health).
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`

	MaxUploadMB int64 `env:"MAX_UPLOAD_MB" envDefault:"10"`

	// MetricsAddr, when non-empty, enables the local Prometheus listener
	// (e.g. ":9090").
	MetricsAddr string `env:"METRICS_ADDR"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses environment variables into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the client is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the client is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the client is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// MaxUploadBytes returns the upload size gate in bytes.
func (c Config) MaxUploadBytes() int64 { return c.MaxUploadMB * 1024 * 1024 }

// SessionConfigured reports whether any credential source is configured.
func (c Config) SessionConfigured() bool {
	if c.APIToken != "" {
		return true
	}
	return c.AuthBaseURL != "" && c.AuthEmail != "" && c.AuthPassword != ""
}
