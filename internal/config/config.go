// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Processor settings
	ProcessorAPIKey        string
	ProcessorWebhookSecret string
	ProcessorTimeout       time.Duration
	PayoutCurrency         string

	// Settlement settings
	HoldPeriodDays       int // payout hold maturity window
	ReconcileIntervalMin int // escrow reconciliation interval

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPS int
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultHoldPeriodDays    = 7
	DefaultReconcileInterval = 15
	DefaultProcessorTimeout  = 10 * time.Second
	DefaultPayoutCurrency    = "usd"
	DefaultRateLimit         = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:            os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ProcessorAPIKey:        os.Getenv("PROCESSOR_API_KEY"),
		ProcessorWebhookSecret: os.Getenv("PROCESSOR_WEBHOOK_SECRET"),
		ProcessorTimeout:       getEnvDuration("PROCESSOR_TIMEOUT", DefaultProcessorTimeout),
		PayoutCurrency:         getEnv("PAYOUT_CURRENCY", DefaultPayoutCurrency),
		HoldPeriodDays:         int(getEnvInt64("HOLD_PERIOD_DAYS", DefaultHoldPeriodDays)),
		ReconcileIntervalMin:   int(getEnvInt64("RECONCILE_INTERVAL_MIN", DefaultReconcileInterval)),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:           int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.HoldPeriodDays <= 0 {
		return fmt.Errorf("HOLD_PERIOD_DAYS must be positive")
	}

	if c.IsProduction() {
		if c.ProcessorAPIKey == "" {
			return fmt.Errorf("PROCESSOR_API_KEY is required in production")
		}
		if c.ProcessorWebhookSecret == "" {
			return fmt.Errorf("PROCESSOR_WEBHOOK_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	return nil
}

// HoldPeriod returns the payout hold maturity window as a duration.
func (c *Config) HoldPeriod() time.Duration {
	return time.Duration(c.HoldPeriodDays) * 24 * time.Hour
}

// ReconcileInterval returns the escrow reconciliation interval.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalMin) * time.Minute
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
