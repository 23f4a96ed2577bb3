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
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Mint settings
	MintURL           string // Cashu mint endpoint used for token verification
	MarketplacePubkey string // Marketplace signing identity (npub)
	AdminNpub         string // Identity allowed to resolve disputes

	// Settlement settings
	FeePercent         int64 // Marketplace fee in percent, charged on top of the order total
	EscrowDays         int64 // Days funds stay held before auto-release becomes eligible
	DisputeDays        int64 // Days after hold during which a buyer may open a dispute
	CheckoutTTLMinutes int64 // Minutes before an unpaid checkout session expires

	// Token gate settings
	BrowseCostSats     int64 // Sats burned per browsing session
	BrowseSessionHours int64 // Hours a paid browsing session stays valid

	// Seller bonds (sats by listing category)
	BondDigitalSats  int64
	BondPhysicalSats int64
	BondServiceSats  int64

	// Background worker
	SweepIntervalSeconds int64

	// Security
	RateLimitRPS int

	// Observability
	OTELEndpoint string // OTLP gRPC endpoint (optional, tracing is a no-op if unset)
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultMintURL            = "https://mint.veilmarket.io"
	DefaultFeePercent         = 1
	DefaultEscrowDays         = 10
	DefaultDisputeDays        = 10
	DefaultCheckoutTTLMinutes = 15
	DefaultBrowseCostSats     = 1
	DefaultBrowseSessionHours = 24
	DefaultBondDigitalSats    = 10_000
	DefaultBondPhysicalSats   = 50_000
	DefaultBondServiceSats    = 25_000
	DefaultSweepInterval      = 60
	DefaultRateLimit          = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		MintURL:              getEnv("MINT_URL", DefaultMintURL),
		MarketplacePubkey:    os.Getenv("MARKETPLACE_PUBKEY"),
		AdminNpub:            os.Getenv("ADMIN_NPUB"), // Required, no default
		FeePercent:           getEnvInt64("FEE_PERCENT", DefaultFeePercent),
		EscrowDays:           getEnvInt64("ESCROW_DAYS", DefaultEscrowDays),
		DisputeDays:          getEnvInt64("DISPUTE_DAYS", DefaultDisputeDays),
		CheckoutTTLMinutes:   getEnvInt64("CHECKOUT_TTL_MINUTES", DefaultCheckoutTTLMinutes),
		BrowseCostSats:       getEnvInt64("BROWSE_COST_SATS", DefaultBrowseCostSats),
		BrowseSessionHours:   getEnvInt64("BROWSE_SESSION_HOURS", DefaultBrowseSessionHours),
		BondDigitalSats:      getEnvInt64("BOND_DIGITAL_SATS", DefaultBondDigitalSats),
		BondPhysicalSats:     getEnvInt64("BOND_PHYSICAL_SATS", DefaultBondPhysicalSats),
		BondServiceSats:      getEnvInt64("BOND_SERVICE_SATS", DefaultBondServiceSats),
		SweepIntervalSeconds: getEnvInt64("SWEEP_INTERVAL_SECONDS", DefaultSweepInterval),
		RateLimitRPS:         int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTELEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.AdminNpub == "" {
		return fmt.Errorf("ADMIN_NPUB is required")
	}
	if c.FeePercent < 0 || c.FeePercent > 100 {
		return fmt.Errorf("FEE_PERCENT must be between 0 and 100")
	}
	if c.EscrowDays <= 0 {
		return fmt.Errorf("ESCROW_DAYS must be positive")
	}
	if c.DisputeDays <= 0 {
		return fmt.Errorf("DISPUTE_DAYS must be positive")
	}
	if c.BrowseCostSats < 0 {
		return fmt.Errorf("BROWSE_COST_SATS must not be negative")
	}

	return nil
}

// BondForCategory returns the required seller bond in sats for a listing
// category. Unknown categories fall back to the physical bond, the largest.
func (c *Config) BondForCategory(category string) int64 {
	switch category {
	case "digital":
		return c.BondDigitalSats
	case "service":
		return c.BondServiceSats
	default:
		return c.BondPhysicalSats
	}
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
