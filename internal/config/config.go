// Package config provides configuration management for the catalogue pipeline.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/contract-catalog/internal/errors"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Pipeline   PipelineConfig
	Enrichment EnrichmentConfig
	Chain      ChainConfig
	Classify   ClassifyConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL renders the connection as a postgres:// URL for golang-migrate
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// PipelineConfig holds orchestrator settings
type PipelineConfig struct {
	Secret            string        // Authorization secret gating the trigger operation
	StepTimeout       time.Duration // Catalogue and discovery steps
	HeavyStepTimeout  time.Duration // Staging and mart aggregation steps
	StepAttempts      int
	LockTTL           time.Duration
	TrailingWindow    time.Duration // Window reported by discovery and used by marts
	AnalyzeBatchSize  int
	DiscoveryLookback time.Duration // Rescanned before the newly staged rows
}

// EnrichmentConfig holds enrichment worker settings
type EnrichmentConfig struct {
	BatchSize    int // Tokens fetched per pass
	Concurrency  int // Entities enriched concurrently
	CallTimeout  time.Duration
	URITimeout   time.Duration
	FetchDelay   time.Duration // Between sequential URI fetches
	BatchDelay   time.Duration // Between concurrent batches
	PollInterval time.Duration
	IPFSGateway  string
	CacheTTL     time.Duration
	RetryDelay   time.Duration // Before a contract whose remote calls failed is claimed again
}

// ChainConfig holds the read-only chain API settings
type ChainConfig struct {
	APIURL        string
	SenderAddress string
	// RequestBudget is shared by every process per second; ReservedBudget of it
	// is kept for pipeline runs. Zero disables the shared budget.
	RequestBudget  int
	ReservedBudget int
}

// ClassifyConfig holds classifier settings
type ClassifyConfig struct {
	ThresholdsFile string
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "contract_catalog"),
				User:           getEnv("POSTGRES_USER", "catalog"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "contract_catalog"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Pipeline: PipelineConfig{
			Secret:            getEnv("PIPELINE_SECRET", ""),
			StepTimeout:       getEnvAsDuration("PIPELINE_STEP_TIMEOUT", 2*time.Minute),
			HeavyStepTimeout:  getEnvAsDuration("PIPELINE_HEAVY_STEP_TIMEOUT", 15*time.Minute),
			StepAttempts:      getEnvAsInt("PIPELINE_STEP_ATTEMPTS", 1),
			LockTTL:           getEnvAsDuration("PIPELINE_LOCK_TTL", 30*time.Minute),
			TrailingWindow:    getEnvAsDuration("PIPELINE_TRAILING_WINDOW", 30*24*time.Hour),
			AnalyzeBatchSize:  getEnvAsInt("PIPELINE_ANALYZE_BATCH_SIZE", 50),
			DiscoveryLookback: getEnvAsDuration("PIPELINE_DISCOVERY_LOOKBACK", 24*time.Hour),
		},
		Enrichment: EnrichmentConfig{
			BatchSize:    getEnvAsInt("ENRICH_BATCH_SIZE", 30),
			Concurrency:  getEnvAsInt("ENRICH_CONCURRENCY", 3),
			CallTimeout:  getEnvAsDuration("ENRICH_CALL_TIMEOUT", 8*time.Second),
			URITimeout:   getEnvAsDuration("ENRICH_URI_TIMEOUT", 10*time.Second),
			FetchDelay:   getEnvAsDuration("ENRICH_FETCH_DELAY", 200*time.Millisecond),
			BatchDelay:   getEnvAsDuration("ENRICH_BATCH_DELAY", time.Second),
			PollInterval: getEnvAsDuration("ENRICH_POLL_INTERVAL", 5*time.Minute),
			IPFSGateway:  getEnv("IPFS_GATEWAY", "https://ipfs.io/ipfs/"),
			CacheTTL:     getEnvAsDuration("ENRICH_CACHE_TTL", 24*time.Hour),
			RetryDelay:   getEnvAsDuration("ENRICH_RETRY_DELAY", 10*time.Minute),
		},
		Chain: ChainConfig{
			APIURL:         getEnv("CHAIN_API_URL", "https://api.hiro.so"),
			SenderAddress:  getEnv("CHAIN_SENDER_ADDRESS", "SP000000000000000000002Q6VF78"),
			RequestBudget:  getEnvAsInt("CHAIN_REQUEST_BUDGET", 50),
			ReservedBudget: getEnvAsInt("CHAIN_RESERVED_BUDGET", 30),
		},
		Classify: ClassifyConfig{
			ThresholdsFile: getEnv("CLASSIFY_THRESHOLDS_FILE", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 20),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 40),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate checks settings that would otherwise fail deep inside a run
func (c *Config) Validate() error {
	if c.Enrichment.Concurrency <= 0 {
		return apperrors.NewConfigurationError("ENRICH_CONCURRENCY", "must be positive")
	}
	if c.Enrichment.BatchSize <= 0 {
		return apperrors.NewConfigurationError("ENRICH_BATCH_SIZE", "must be positive")
	}
	if c.Pipeline.StepAttempts <= 0 {
		return apperrors.NewConfigurationError("PIPELINE_STEP_ATTEMPTS", "must be at least 1")
	}
	if c.Chain.RequestBudget > 0 && c.Chain.ReservedBudget > c.Chain.RequestBudget {
		return apperrors.NewConfigurationError("CHAIN_RESERVED_BUDGET", "cannot exceed CHAIN_REQUEST_BUDGET")
	}
	if !strings.HasPrefix(c.Enrichment.IPFSGateway, "http://") && !strings.HasPrefix(c.Enrichment.IPFSGateway, "https://") {
		return apperrors.NewConfigurationError("IPFS_GATEWAY", "must be an http(s) URL")
	}
	return nil
}

// RequireSecret returns a ConfigurationError when the trigger secret is unset
func (c *PipelineConfig) RequireSecret() error {
	if strings.TrimSpace(c.Secret) == "" {
		return apperrors.NewConfigurationError("PIPELINE_SECRET", "not set; pipeline triggers are disabled until it is configured")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
