package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	NumWorkers  int

	// Environment is "production" in deployed environments. Outside
	// production the inbound receiver tolerates unsigned notifications
	// when no secret is configured.
	Environment string

	// InboundSecret signs externally-originated change notifications.
	// Empty means verification is skipped (non-production only).
	InboundSecret string

	// Inbound source filtering. Block lists take precedence.
	AllowedTables     []string
	BlockedTables     []string
	AllowedOperations []string
	BlockedOperations []string

	// RetentionDays bounds how long delivery audit rows are kept.
	RetentionDays int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dbURL := getEnv("DATABASE_URL", "")
	redisURL := getEnv("REDIS_URL", "")

	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	return &Config{
		Port:              getEnv("PORT", "8080"),
		DatabaseURL:       dbURL,
		RedisURL:          redisURL,
		NumWorkers:        getEnvInt("NUM_WORKERS", 50),
		Environment:       getEnv("ENVIRONMENT", "development"),
		InboundSecret:     getEnv("INBOUND_WEBHOOK_SECRET", ""),
		AllowedTables:     getEnvList("WEBHOOK_ALLOWED_TABLES"),
		BlockedTables:     getEnvList("WEBHOOK_BLOCKED_TABLES"),
		AllowedOperations: getEnvList("WEBHOOK_ALLOWED_OPERATIONS"),
		BlockedOperations: getEnvList("WEBHOOK_BLOCKED_OPERATIONS"),
		RetentionDays:     getEnvInt("AUDIT_RETENTION_DAYS", 90),
	}, nil
}

// IsProduction reports whether the service runs with production trust
// requirements.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
