// Package config provides configuration management for the portfolio briefing application.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/portfolio-briefing/internal/types"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Store    StoreConfig
	Source   SourceConfig
	Briefing BriefingConfig
	Report   ReportConfig
	Logging  LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port              string
	Host              string
	RequestsPerSecond int
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

// URL returns the postgres:// connection URL used by migrations
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Enabled  bool
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

// StoreConfig selects and tunes the snapshot store
type StoreConfig struct {
	Backend       types.StoreBackend
	CacheEnabled  bool
	CacheTTL      time.Duration
	RetentionDays int // negative means unlimited
	S3            S3Config
}

// S3Config holds object storage configuration for the S3 snapshot store
type S3Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	Prefix         string
	ForcePathStyle bool
}

// SourceConfig holds brokerage aggregation API configuration
type SourceConfig struct {
	BaseURL           string
	ClientID          string
	Secret            string
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxAttempts       int
	Budget            BudgetConfig
}

// BudgetConfig holds the provider call budget shared through Redis by the
// API server and the worker
type BudgetConfig struct {
	Enabled        bool
	CallsPerSecond int
	Reserved       int // calls per second kept for on-demand runs
}

// BriefingConfig holds daily run configuration
type BriefingConfig struct {
	Concurrency int
	RunOnStart  bool
}

// ReportConfig holds change report rendering configuration
type ReportConfig struct {
	MaxModified int
	TopHoldings int
	OutputDir   string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:              getEnv("SERVER_PORT", "8080"),
			Host:              getEnv("SERVER_HOST", "0.0.0.0"),
			RequestsPerSecond: getEnvAsInt("SERVER_RPS", 20),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "portfolio_briefing"),
				User:           getEnv("POSTGRES_USER", "briefing"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "portfolio_briefing"),
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
		Store: StoreConfig{
			Backend:       types.StoreBackend(strings.ToLower(getEnv("SNAPSHOT_STORE", string(types.StoreBackendPostgres)))),
			CacheEnabled:  getEnvAsBool("SNAPSHOT_CACHE_ENABLED", false),
			CacheTTL:      getEnvAsDuration("SNAPSHOT_CACHE_TTL", 48*time.Hour),
			RetentionDays: getEnvAsInt("SNAPSHOT_RETENTION_DAYS", 90),
			S3: S3Config{
				Endpoint:       getEnv("S3_ENDPOINT", ""),
				Region:         getEnv("S3_REGION", "us-east-1"),
				Bucket:         getEnv("S3_BUCKET", ""),
				AccessKey:      getEnv("S3_ACCESS_KEY", ""),
				SecretKey:      getEnv("S3_SECRET_KEY", ""),
				Prefix:         getEnv("S3_PREFIX", "snapshots"),
				ForcePathStyle: getEnvAsBool("S3_FORCE_PATH_STYLE", false),
			},
		},
		Source: SourceConfig{
			BaseURL:           getEnv("HOLDINGS_API_URL", "https://production.plaid.com"),
			ClientID:          getEnv("HOLDINGS_CLIENT_ID", ""),
			Secret:            getEnv("HOLDINGS_SECRET", ""),
			Timeout:           getEnvAsDuration("HOLDINGS_TIMEOUT", 30*time.Second),
			RequestsPerSecond: getEnvAsFloat("HOLDINGS_RPS", 2),
			MaxAttempts:       getEnvAsInt("HOLDINGS_MAX_ATTEMPTS", 3),
			Budget: BudgetConfig{
				Enabled:        getEnvAsBool("HOLDINGS_BUDGET_ENABLED", false),
				CallsPerSecond: getEnvAsInt("HOLDINGS_BUDGET_RPS", 10),
				Reserved:       getEnvAsInt("HOLDINGS_BUDGET_RESERVED", 4),
			},
		},
		Briefing: BriefingConfig{
			Concurrency: getEnvAsInt("BRIEFING_CONCURRENCY", 4),
			RunOnStart:  getEnvAsBool("BRIEFING_RUN_ON_START", false),
		},
		Report: ReportConfig{
			MaxModified: getEnvAsInt("REPORT_MAX_MODIFIED", 5),
			TopHoldings: getEnvAsInt("REPORT_TOP_HOLDINGS", 10),
			OutputDir:   getEnv("REPORT_OUTPUT_DIR", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// NeedsRedis reports whether any enabled component uses Redis
func (c *Config) NeedsRedis() bool {
	return c.Store.CacheEnabled || c.Source.Budget.Enabled
}

// Validate checks settings that would otherwise fail deep inside a run
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case types.StoreBackendPostgres, types.StoreBackendMemory:
	case types.StoreBackendS3:
		if c.Store.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when SNAPSHOT_STORE=s3")
		}
	default:
		return fmt.Errorf("unknown SNAPSHOT_STORE %q (want postgres, s3 or memory)", c.Store.Backend)
	}

	if c.Source.Budget.Enabled && c.Source.Budget.Reserved >= c.Source.Budget.CallsPerSecond {
		return fmt.Errorf("HOLDINGS_BUDGET_RESERVED (%d) must be below HOLDINGS_BUDGET_RPS (%d)",
			c.Source.Budget.Reserved, c.Source.Budget.CallsPerSecond)
	}

	if c.Briefing.Concurrency < 1 {
		return fmt.Errorf("BRIEFING_CONCURRENCY must be at least 1, got %d", c.Briefing.Concurrency)
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

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
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
