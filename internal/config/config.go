// Package config provides configuration management for the assistant core.
// It loads configuration from environment variables with sensible defaults and
// validates it so the process fails fast on bad key material instead of
// surfacing errors at first use.
//
// Environment variables:
//
// Security:
//   - ENCRYPTION_KEY: hex-encoded 256-bit key for encrypting stored tokens
//     (required, exactly 64 hex characters)
//
// Database:
//   - DATABASE_TYPE: "sqlite" or "postgres" (default: sqlite)
//   - DATABASE_PATH: SQLite database file path (default: ./assistant_core.db)
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_DB, POSTGRES_USER,
//     POSTGRES_PASSWORD, POSTGRES_SSL_MODE: PostgreSQL settings
//
// OAuth provider (external collaborator):
//   - OAUTH_TOKEN_URL: provider token endpoint (required)
//   - OAUTH_REVOKE_URL: provider revoke endpoint (optional)
//   - OAUTH_CLIENT_ID, OAUTH_CLIENT_SECRET: client credentials (required)
//   - OAUTH_TIMEOUT: per-call timeout for refresh/revoke (default: 30s)
//
// Token lifecycle:
//   - TOKEN_REFRESH_BUFFER: refresh tokens this long before expiry (default: 5m)
//
// Resilient calls:
//   - UPSTREAM_MAX_ATTEMPTS: attempts per upstream call (default: 3)
//   - UPSTREAM_BASE_DELAY: base backoff delay (default: 1s)
//
// Retry queue:
//   - QUEUE_DRAIN_INTERVAL: time between drain ticks (default: 30s)
//   - QUEUE_DRAIN_BATCH: max items claimed per drain (default: 10)
//   - QUEUE_MAX_ATTEMPTS: attempts before an item fails terminally (default: 5)
//
// Coordination (optional, multi-node):
//   - REDIS_ADDRESS: Redis server for the distributed drain lock; empty
//     disables it and the queue runs with single-node semantics
//   - REDIS_PASSWORD, REDIS_DB
//
// Logging:
//   - LOG_LEVEL: debug, info, warn, error (default: info)
//   - LOG_FILE: log file path (default: stdout)
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// EncryptionKeyHexLength is the required length of ENCRYPTION_KEY.
const EncryptionKeyHexLength = 64

// Config holds all configuration values for the assistant core.
type Config struct {
	// Security
	EncryptionKey string // hex-encoded 256-bit key, validated at startup

	// Database
	DatabaseType     string // "sqlite" or "postgres"
	DatabasePath     string // sqlite file path
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// OAuth provider endpoints
	OAuthTokenURL     string
	OAuthRevokeURL    string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTimeout      time.Duration

	// Token lifecycle
	TokenRefreshBuffer time.Duration

	// Resilient calls
	UpstreamMaxAttempts int
	UpstreamBaseDelay   time.Duration

	// Retry queue
	QueueDrainInterval time.Duration
	QueueDrainBatch    int
	QueueMaxAttempts   int

	// Redis coordination (optional)
	RedisAddress  string
	RedisPassword string
	RedisDB       string

	// Logging
	LogLevel string
}

// Load creates a Config with values from environment variables, falling back
// to defaults. Call Validate before using the result.
func Load() *Config {
	return &Config{
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		DatabaseType:     getEnv("DATABASE_TYPE", "sqlite"),
		DatabasePath:     getEnv("DATABASE_PATH", "./assistant_core.db"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "assistant_core"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		OAuthTokenURL:     getEnv("OAUTH_TOKEN_URL", ""),
		OAuthRevokeURL:    getEnv("OAUTH_REVOKE_URL", ""),
		OAuthClientID:     getEnv("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: getEnv("OAUTH_CLIENT_SECRET", ""),
		OAuthTimeout:      getDurationEnv("OAUTH_TIMEOUT", 30*time.Second),

		TokenRefreshBuffer: getDurationEnv("TOKEN_REFRESH_BUFFER", 5*time.Minute),

		UpstreamMaxAttempts: getIntEnv("UPSTREAM_MAX_ATTEMPTS", 3),
		UpstreamBaseDelay:   getDurationEnv("UPSTREAM_BASE_DELAY", time.Second),

		QueueDrainInterval: getDurationEnv("QUEUE_DRAIN_INTERVAL", 30*time.Second),
		QueueDrainBatch:    getIntEnv("QUEUE_DRAIN_BATCH", 10),
		QueueMaxAttempts:   getIntEnv("QUEUE_MAX_ATTEMPTS", 5),

		RedisAddress:  getEnv("REDIS_ADDRESS", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnv("REDIS_DB", "0"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Validate checks that required fields are present and all values are usable.
// A bad encryption key is a startup failure: the process must not run with
// key material it cannot use.
func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY environment variable is required")
	}
	if len(c.EncryptionKey) != EncryptionKeyHexLength {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly %d hex characters (256 bits), got %d", EncryptionKeyHexLength, len(c.EncryptionKey))
	}
	if _, err := hex.DecodeString(c.EncryptionKey); err != nil {
		return fmt.Errorf("ENCRYPTION_KEY must be hex-encoded: %w", err)
	}

	switch c.DatabaseType {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("DATABASE_TYPE must be 'sqlite' or 'postgres'")
	}

	if c.DatabaseType == "postgres" || c.DatabaseType == "postgresql" {
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required when using PostgreSQL")
		}
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required when using PostgreSQL")
		}
		if c.PostgresUser == "" {
			return fmt.Errorf("POSTGRES_USER is required when using PostgreSQL")
		}
		if port, err := strconv.Atoi(c.PostgresPort); err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("POSTGRES_PORT must be a valid port number")
		}
	}

	if c.OAuthTokenURL == "" {
		return fmt.Errorf("OAUTH_TOKEN_URL is required")
	}
	if c.OAuthClientID == "" {
		return fmt.Errorf("OAUTH_CLIENT_ID is required")
	}
	if c.OAuthClientSecret == "" {
		return fmt.Errorf("OAUTH_CLIENT_SECRET is required")
	}
	if c.OAuthTimeout <= 0 {
		return fmt.Errorf("OAUTH_TIMEOUT must be positive")
	}

	if c.TokenRefreshBuffer <= 0 {
		return fmt.Errorf("TOKEN_REFRESH_BUFFER must be positive")
	}
	if c.UpstreamMaxAttempts < 1 {
		return fmt.Errorf("UPSTREAM_MAX_ATTEMPTS must be at least 1")
	}
	if c.UpstreamBaseDelay <= 0 {
		return fmt.Errorf("UPSTREAM_BASE_DELAY must be positive")
	}

	if c.QueueDrainInterval <= 0 {
		return fmt.Errorf("QUEUE_DRAIN_INTERVAL must be positive")
	}
	if c.QueueDrainBatch < 1 {
		return fmt.Errorf("QUEUE_DRAIN_BATCH must be at least 1")
	}
	if c.QueueMaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1")
	}

	if c.RedisAddress != "" {
		if db, err := strconv.Atoi(c.RedisDB); err != nil || db < 0 || db > 15 {
			return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
		}
	}

	return nil
}
