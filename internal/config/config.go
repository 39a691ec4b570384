// Package config loads the sync agent's configuration from the environment,
// with optional .env file support.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds the agent configuration.
type Config struct {
	// Backend API
	BackendURL   string
	BackendToken string

	// Billing gateway websocket endpoint. Ignored in mock mode.
	BillingURL   string
	BillingToken string

	// Local state
	DataDir     string
	CatalogPath string // optional JSON catalog override

	// Request-approval polling cadence
	PollInterval time.Duration

	// Observability
	LogLevel    string
	LogFormat   string
	MetricsAddr string

	// MockBilling replaces the billing gateway with the in-memory provider.
	MockBilling bool
}

// Load reads configuration from the environment. A .env file in the data
// directory (or the working directory) is applied first when present.
func Load() (*Config, error) {
	dataDir := resolveDataDir()

	// Best-effort: a missing .env is normal
	for _, envPath := range []string{filepath.Join(dataDir, ".env"), ".env"} {
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				log.Warn().Err(err).Str("path", envPath).Msg("Failed to load .env file")
			} else {
				log.Debug().Str("path", envPath).Msg("Loaded environment from .env")
			}
			break
		}
	}

	cfg := &Config{
		BackendURL:   os.Getenv("SPACESYNC_BACKEND_URL"),
		BackendToken: os.Getenv("SPACESYNC_BACKEND_TOKEN"),
		BillingURL:   os.Getenv("SPACESYNC_BILLING_URL"),
		BillingToken: os.Getenv("SPACESYNC_BILLING_TOKEN"),
		DataDir:      dataDir,
		CatalogPath:  os.Getenv("SPACESYNC_CATALOG_PATH"),
		PollInterval: envDuration("SPACESYNC_POLL_INTERVAL", 5*time.Second),
		LogLevel:     envDefault("SPACESYNC_LOG_LEVEL", "info"),
		LogFormat:    envDefault("SPACESYNC_LOG_FORMAT", "auto"),
		MetricsAddr:  envDefault("SPACESYNC_METRICS_ADDR", "127.0.0.1:9247"),
		MockBilling:  envBool("SPACESYNC_MOCK_BILLING"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("SPACESYNC_BACKEND_URL is required")
	}
	if !c.MockBilling && c.BillingURL == "" {
		return fmt.Errorf("SPACESYNC_BILLING_URL is required unless SPACESYNC_MOCK_BILLING is set")
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("SPACESYNC_POLL_INTERVAL must be at least 1s, got %s", c.PollInterval)
	}
	return nil
}

func resolveDataDir() string {
	if dir := os.Getenv("SPACESYNC_DATA_DIR"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".spacesync")
	}
	return "/var/lib/spacesync"
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str(key, v).Msg("Invalid duration, using default")
		return fallback
	}
	return d
}

func envBool(key string) bool {
	v := os.Getenv(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
