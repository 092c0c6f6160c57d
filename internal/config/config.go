// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Ledger
	LedgerURL              string // "memory://" runs an embedded development ledger
	EscrowAddress          string // the escrow's own ledger account
	LedgerTimeout          time.Duration
	LedgerBreakerThreshold int
	LedgerBreakerCooldown  time.Duration

	// Execution
	ExecutionBudget time.Duration // per-request deadline
	HookReserve     time.Duration // slice of the budget kept for interrupt bookkeeping

	// Security
	RateLimitRPM   int
	RateLimitBurst int
	CORSOrigins    []string

	// Tracing
	OTLPEndpoint string // empty disables export
}

// LedgerConfig configures the development ledger daemon.
type LedgerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string
	// Faucet enables POST /v1/accounts/:address/mint.
	Faucet bool
}

const (
	DefaultPort                   = "8080"
	DefaultLedgerPort             = "8090"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "json"
	DefaultExecutionBudget        = 30 * time.Second
	DefaultHookReserve            = 5 * time.Second
	DefaultLedgerTimeout          = 30 * time.Second
	DefaultLedgerBreakerThreshold = 5
	DefaultLedgerBreakerCooldown  = 30 * time.Second
	DefaultRateLimitRPM           = 600
	DefaultRateLimitBurst         = 60

	// MemoryLedgerURL selects the in-process ledger.
	MemoryLedgerURL = "memory://"
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
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		LedgerURL:              os.Getenv("LEDGER_URL"),   // Required, no default
		EscrowAddress:          os.Getenv("ESCROW_ADDRESS"),
		LedgerTimeout:          getEnvDuration("LEDGER_TIMEOUT", DefaultLedgerTimeout),
		LedgerBreakerThreshold: int(getEnvInt64("LEDGER_BREAKER_THRESHOLD", DefaultLedgerBreakerThreshold)),
		LedgerBreakerCooldown:  getEnvDuration("LEDGER_BREAKER_COOLDOWN", DefaultLedgerBreakerCooldown),
		ExecutionBudget:        getEnvDuration("EXECUTION_BUDGET", DefaultExecutionBudget),
		HookReserve:            getEnvDuration("HOOK_RESERVE", DefaultHookReserve),
		RateLimitRPM:           int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:         int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSOrigins:            getEnvList("CORS_ORIGINS", []string{"*"}),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.LedgerURL == "" {
		return fmt.Errorf("LEDGER_URL is required")
	}
	// In-memory transaction ids restart at 0 while a remote ledger keeps
	// every (origin, txId) it has applied.
	if c.DatabaseURL == "" && !c.UseMemoryLedger() {
		return fmt.Errorf("DATABASE_URL is required with a remote LEDGER_URL")
	}

	if c.EscrowAddress == "" {
		return fmt.Errorf("ESCROW_ADDRESS is required")
	}
	if !common.IsHexAddress(c.EscrowAddress) {
		return fmt.Errorf("ESCROW_ADDRESS must be a 20-byte hex address")
	}
	if common.HexToAddress(c.EscrowAddress) == (common.Address{}) {
		return fmt.Errorf("ESCROW_ADDRESS must not be the zero address")
	}

	if c.ExecutionBudget <= 0 {
		return fmt.Errorf("EXECUTION_BUDGET must be positive")
	}
	if c.HookReserve <= 0 || c.HookReserve >= c.ExecutionBudget {
		return fmt.Errorf("HOOK_RESERVE must be positive and below EXECUTION_BUDGET")
	}

	return nil
}

// Escrow returns the parsed escrow account. Only valid after Validate.
func (c *Config) Escrow() common.Address {
	return common.HexToAddress(c.EscrowAddress)
}

// UseMemoryLedger reports whether the embedded ledger was requested.
func (c *Config) UseMemoryLedger() bool {
	return c.LedgerURL == MemoryLedgerURL
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// LoadLedger reads the development ledger's configuration.
func LoadLedger() *LedgerConfig {
	_ = godotenv.Load()

	cfg := &LedgerConfig{
		Port:      getEnv("LEDGER_PORT", DefaultLedgerPort),
		Env:       getEnv("ENV", DefaultEnv),
		LogLevel:  getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat: getEnv("LOG_FORMAT", DefaultLogFormat),
	}
	cfg.Faucet = getEnvBool("LEDGER_FAUCET", cfg.Env == "development")
	return cfg
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
