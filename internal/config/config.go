// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // control-plane PostgreSQL (optional, uses in-memory if not set)

	// Platform
	BaseDomain      string // domain tenant subdomains live under
	AppDistribution string // shared edge distribution ID
	TrialDays       int

	// Fleet agents
	SupervisorToken string // bearer token for per-server supervisor agents

	// Routing provider
	DNSAPIURL   string
	DNSAPIToken string

	// Billing gateway
	StripeSecretKey     string
	StripeWebhookSecret string

	// Mail relay
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	// Security
	AdminSecret  string // shared secret for operator endpoints
	RateLimitRPS int

	// Tracing
	OTLPEndpoint string // OTLP collector; tracing is a no-op when empty
}

// Defaults
const (
	DefaultPort       = "8080"
	DefaultEnv        = "development"
	DefaultLogLevel   = "info"
	DefaultBaseDomain = "perch.app"
	DefaultTrialDays  = 14
	DefaultRateLimit  = 100
	DefaultSMTPPort   = 587
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		BaseDomain:          getEnv("BASE_DOMAIN", DefaultBaseDomain),
		AppDistribution:     os.Getenv("APP_DISTRIBUTION"),
		TrialDays:           int(getEnvInt64("TRIAL_DAYS", DefaultTrialDays)),
		SupervisorToken:     os.Getenv("SUPERVISOR_TOKEN"),
		DNSAPIURL:           os.Getenv("DNS_API_URL"),
		DNSAPIToken:         os.Getenv("DNS_API_TOKEN"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		SMTPHost:            os.Getenv("SMTP_HOST"),
		SMTPPort:            int(getEnvInt64("SMTP_PORT", DefaultSMTPPort)),
		SMTPUsername:        os.Getenv("SMTP_USERNAME"),
		SMTPPassword:        os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:            getEnv("SMTP_FROM", "noreply@"+getEnv("BASE_DOMAIN", DefaultBaseDomain)),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent. Development runs with
// almost nothing set; production requires the pieces that guard real tenants.
func (c *Config) Validate() error {
	if c.BaseDomain == "" {
		return fmt.Errorf("BASE_DOMAIN is required")
	}
	if c.TrialDays < 1 {
		return fmt.Errorf("TRIAL_DAYS must be at least 1")
	}

	// The webhook secret and API key travel together: one without the other
	// means a half-configured gateway.
	if (c.StripeSecretKey == "") != (c.StripeWebhookSecret == "") {
		return fmt.Errorf("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET must be set together")
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.SupervisorToken == "" {
			return fmt.Errorf("SUPERVISOR_TOKEN is required in production")
		}
	}

	return nil
}

// BillingEnabled reports whether a payment gateway is configured.
func (c *Config) BillingEnabled() bool {
	return c.StripeSecretKey != ""
}

// MailEnabled reports whether an SMTP relay is configured.
func (c *Config) MailEnabled() bool {
	return c.SMTPHost != ""
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
