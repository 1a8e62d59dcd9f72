package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Connection pool settings
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// ConfigFromEnv reads the database configuration from DB_* environment
// variables, with local-development defaults.
func ConfigFromEnv() Config {
	return Config{
		Host:            envOr("DB_HOST", "localhost"),
		Port:            envIntOr("DB_PORT", 5432),
		User:            envOr("DB_USER", "practicase"),
		Password:        envOr("DB_PASSWORD", "practicase"),
		Database:        envOr("DB_NAME", "practicase"),
		SSLMode:         envOr("DB_SSLMODE", "disable"),
		MaxConns:        envIntOr("DB_MAX_CONNS", 20),
		MinConns:        envIntOr("DB_MIN_CONNS", 2),
		ConnMaxLifetime: envDurationOr("DB_CONN_MAX_LIFETIME", time.Hour),
		ConnMaxIdleTime: envDurationOr("DB_CONN_MAX_IDLE_TIME", 30*time.Minute),
	}
}

// DSN returns the keyword/value connection string for this configuration.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
