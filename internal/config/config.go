package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// minWarningLead keeps the countdown at least one tick long.
const minWarningLead = time.Second

// Config holds all environment-based configuration for portal-session.
type Config struct {
	// Base URL of the portal REST API, e.g. https://portal.example.com
	APIURL string `env:"PORTAL_API_URL"`

	// Credentials for the login command. Other commands use the stored session.
	Username string `env:"PORTAL_USERNAME"`
	Password string `env:"PORTAL_PASSWORD"`

	// Location of the session database. Empty means ~/.portal-session/state.db.
	StatePath string `env:"PORTAL_STATE_PATH"`

	// How long before token expiry the idle warning starts.
	WarningLead time.Duration `env:"SESSION_WARNING_LEAD" envDefault:"60s"`

	// Upper bound on one refresh exchange.
	RefreshTimeout time.Duration `env:"REFRESH_TIMEOUT" envDefault:"15s"`

	// Timeout for calls to the auth endpoints.
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Listen address for the Prometheus endpoint in watch mode. Empty disables it.
	MetricsAddr string `env:"METRICS_ADDR"`

	// Requests per second allowed on the metrics server. Zero disables the limit.
	MetricsRateLimit float64 `env:"METRICS_RATE_LIMIT" envDefault:"10"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath != "" {
		abs, err := filepath.Abs(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
		}

		cfg.StatePath = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("PORTAL_API_URL is required")
	}

	u, err := url.Parse(c.APIURL)
	if err != nil {
		return fmt.Errorf("PORTAL_API_URL is not a valid URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("PORTAL_API_URL must use http or https, got %q", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("PORTAL_API_URL has no host")
	}

	if c.WarningLead < minWarningLead {
		return fmt.Errorf("SESSION_WARNING_LEAD must be at least %s", minWarningLead)
	}

	if c.RefreshTimeout <= 0 {
		return fmt.Errorf("REFRESH_TIMEOUT must be positive")
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive")
	}

	if c.MetricsRateLimit < 0 {
		return fmt.Errorf("METRICS_RATE_LIMIT must not be negative")
	}

	return nil
}

// RequireCredentials reports an error naming the first missing login
// credential.
func (c *Config) RequireCredentials() error {
	if c.Username == "" {
		return fmt.Errorf("PORTAL_USERNAME is required to log in")
	}

	if c.Password == "" {
		return fmt.Errorf("PORTAL_PASSWORD is required to log in")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
