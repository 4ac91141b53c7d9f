package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the application
type Config struct {
	// Chain RPC configuration
	Chains ChainsConfig

	// Price source configuration
	Pricing PricingConfig

	// Database configuration
	Database DatabaseConfig

	// Redis configuration
	Redis RedisConfig

	// API server configuration
	API APIConfig

	// Refresh engine configuration
	Engine EngineConfig

	// Logging configuration
	Log LogConfig
}

// RPCEndpoints maps hex chain ids to RPC URLs. The environment value is a
// comma-separated list of chainID=url pairs, e.g.
// "0x1=https://eth.example.com,0x89=https://polygon.example.com".
type RPCEndpoints map[string]string

// Decode implements envconfig.Decoder.
func (r *RPCEndpoints) Decode(value string) error {
	out := make(RPCEndpoints)
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		chainID, url, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid RPC endpoint entry %q, expected chainID=url", pair)
		}
		out[strings.ToLower(strings.TrimSpace(chainID))] = strings.TrimSpace(url)
	}
	*r = out
	return nil
}

// ChainsConfig holds per-chain RPC settings
type ChainsConfig struct {
	RPCEndpoints   RPCEndpoints  `envconfig:"CHAIN_RPC_ENDPOINTS" default:"0x1=http://localhost:8545"`
	RequestTimeout time.Duration `envconfig:"CHAIN_REQUEST_TIMEOUT" default:"30s"`
}

// PricingConfig holds price source API and fetch policy settings
type PricingConfig struct {
	BaseURL                string        `envconfig:"PRICE_API_BASE_URL" default:"https://price.api.cx.metamask.io"`
	RequestTimeout         time.Duration `envconfig:"PRICE_REQUEST_TIMEOUT" default:"30s"`
	MaxRetries             int           `envconfig:"PRICE_MAX_RETRIES" default:"3"`
	RetryBaseDelay         time.Duration `envconfig:"PRICE_RETRY_BASE_DELAY" default:"1s"`
	MaxConsecutiveFailures int           `envconfig:"PRICE_MAX_CONSECUTIVE_FAILURES" default:"4"`
	CircuitBreakDuration   time.Duration `envconfig:"PRICE_CIRCUIT_BREAK_DURATION" default:"30s"`
	DegradedThreshold      time.Duration `envconfig:"PRICE_DEGRADED_THRESHOLD" default:"5s"`
	CapabilityCacheTTL     time.Duration `envconfig:"PRICE_CAPABILITY_CACHE_TTL" default:"24h"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host            string        `envconfig:"DB_HOST" default:"localhost"`
	Port            int           `envconfig:"DB_PORT" default:"5432"`
	User            string        `envconfig:"DB_USER" default:"valuation"`
	Password        string        `envconfig:"DB_PASSWORD" default:"valuation"`
	Name            string        `envconfig:"DB_NAME" default:"asset_valuation"`
	SSLMode         string        `envconfig:"DB_SSL_MODE" default:"disable"`
	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// APIConfig holds API server settings
type APIConfig struct {
	Host            string        `envconfig:"API_HOST" default:"0.0.0.0"`
	Port            int           `envconfig:"API_PORT" default:"8081"`
	ReadTimeout     time.Duration `envconfig:"API_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"API_WRITE_TIMEOUT" default:"10s"`
	ShutdownTimeout time.Duration `envconfig:"API_SHUTDOWN_TIMEOUT" default:"30s"`
	RateLimitRPS    int           `envconfig:"API_RATE_LIMIT_RPS" default:"100"`
	CacheTTL        time.Duration `envconfig:"API_CACHE_TTL" default:"30s"`
}

// TokenLists maps hex chain ids to token contract addresses. The environment
// value separates chains with commas and addresses with "|", e.g.
// "0x1=0xdac1...|0xa0b8...,0x89=0x2791...".
type TokenLists map[string][]string

// Decode implements envconfig.Decoder.
func (t *TokenLists) Decode(value string) error {
	out := make(TokenLists)
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		chainID, list, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid token list entry %q, expected chainID=addr|addr", pair)
		}
		chainID = strings.ToLower(strings.TrimSpace(chainID))
		for _, addr := range strings.Split(list, "|") {
			if addr = strings.TrimSpace(addr); addr != "" {
				out[chainID] = append(out[chainID], strings.ToLower(addr))
			}
		}
	}
	*t = out
	return nil
}

// EngineConfig holds refresh orchestration settings
type EngineConfig struct {
	BalancePollInterval time.Duration `envconfig:"ENGINE_BALANCE_POLL_INTERVAL" default:"30s"`
	MarketPollInterval  time.Duration `envconfig:"ENGINE_MARKET_POLL_INTERVAL" default:"3m"`
	VsCurrency          string        `envconfig:"ENGINE_VS_CURRENCY" default:"usd"`

	// When false, balance refreshes cover only the primary account of the
	// directory; when true, every known account.
	QueryAllAccounts bool `envconfig:"ENGINE_QUERY_ALL_ACCOUNTS" default:"false"`

	// Accounts to track (comma-separated addresses, first one is primary)
	Accounts []string `envconfig:"ENGINE_ACCOUNTS" default:""`

	// Tokens to track per chain, seeded into the registry at boot
	TokenLists TokenLists `envconfig:"ENGINE_TOKEN_LISTS" default:"0x1=0xdAC17F958D2ee523a2206206994597C13D831ec7|0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"json"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}
