package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverRedis    = "redis"
	StorageDriverMemory   = "memory"
)

// Config holds runtime settings for the card authorizer.
type Config struct {
	ServerPort    string
	StorageDriver string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// LockTimeout bounds how long a debit waits for the card lock.
	LockTimeout time.Duration
	// LockExpiry is the lease of a distributed lock (redis driver only).
	LockExpiry time.Duration

	BcryptCost    int
	RunMigrations bool

	// Basic auth for operators. Disabled when BasicAuthUser is empty.
	BasicAuthUser         string
	BasicAuthPasswordHash string
}

// Load reads an optional .env file and then the process environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}

	return &Config{
		ServerPort:            getEnv("SERVER_PORT", "8080"),
		StorageDriver:         getEnv("STORAGE_DRIVER", StorageDriverPostgres),
		DBHost:                getEnv("DB_HOST", "localhost"),
		DBPort:                getEnv("DB_PORT", "5432"),
		DBUser:                getEnv("DB_USER", "postgres"),
		DBPassword:            getEnv("DB_PASSWORD", "password"),
		DBName:                getEnv("DB_NAME", "card_authorizer"),
		DBSSLMode:             getEnv("DB_SSLMODE", "disable"),
		RedisAddr:             getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:         getEnv("REDIS_PASSWORD", ""),
		RedisDB:               getEnvInt("REDIS_DB", 0),
		LockTimeout:           getEnvDuration("LOCK_TIMEOUT", 5*time.Second),
		LockExpiry:            getEnvDuration("LOCK_EXPIRY", 10*time.Second),
		BcryptCost:            getEnvInt("BCRYPT_COST", 10),
		RunMigrations:         getEnvBool("RUN_MIGRATIONS", true),
		BasicAuthUser:         getEnv("BASIC_AUTH_USER", ""),
		BasicAuthPasswordHash: getEnv("BASIC_AUTH_PASSWORD_HASH", ""),
	}
}

// Validate checks settings that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverPostgres, StorageDriverRedis, StorageDriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.StorageDriver)
	}

	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock timeout must be positive, got %s", c.LockTimeout)
	}

	if c.StorageDriver == StorageDriverRedis && c.LockExpiry <= c.LockTimeout {
		return fmt.Errorf("lock expiry (%s) must exceed lock timeout (%s)", c.LockExpiry, c.LockTimeout)
	}

	if c.BasicAuthUser != "" && c.BasicAuthPasswordHash == "" {
		return fmt.Errorf("BASIC_AUTH_PASSWORD_HASH is required when BASIC_AUTH_USER is set")
	}

	return nil
}

// GetDBConnectionString builds a lib/pq keyword/value DSN.
func (c *Config) GetDBConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// Helper to get env with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default", "key", key, "value", value)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		slog.Warn("Invalid boolean in environment, using default", "key", key, "value", value)
		return fallback
	}
	return b
}

// getEnvDuration accepts Go duration strings ("750ms", "5s").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Invalid duration in environment, using default", "key", key, "value", value)
		return fallback
	}
	return d
}
