// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the session agent server.
type Config struct {
	// Server settings
	Port        int
	CORSOrigins []string

	// Durable session store
	DatabaseDSN    string
	DatabaseDriver string // "postgres" or "sqlite", auto-detected from DSN

	// Control plane (database of record)
	ControlPlaneURL string

	// Sandbox provider selection: "modal" or "docker"
	SandboxProvider string

	// Modal-style provider API
	SandboxAPIBase   string
	SandboxAPISecret string

	// Docker provider (local development)
	DockerHost    string
	DockerNetwork string
	SandboxImage  string

	// Optional base64-encoded 32-byte key for sealing stored credentials
	EncryptionKey string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel  string
	LogFormat string // "console" or "json"
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Port = getEnvInt("PORT", 8080)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"})

	cfg.DatabaseDSN = getEnv("DATABASE_DSN", "sqlite://./agentrelay.db")
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	cfg.ControlPlaneURL = getEnv("CONTROL_PLANE_URL", "")
	if cfg.ControlPlaneURL == "" {
		return nil, fmt.Errorf("CONTROL_PLANE_URL is required")
	}
	cfg.ControlPlaneURL = strings.TrimRight(cfg.ControlPlaneURL, "/")

	cfg.SandboxProvider = getEnv("SANDBOX_PROVIDER", "modal")
	switch cfg.SandboxProvider {
	case "modal":
		cfg.SandboxAPIBase = getEnv("SANDBOX_API_BASE", "")
		if cfg.SandboxAPIBase == "" {
			return nil, fmt.Errorf("SANDBOX_API_BASE is required when SANDBOX_PROVIDER=modal")
		}
		cfg.SandboxAPIBase = strings.TrimRight(cfg.SandboxAPIBase, "/")
		cfg.SandboxAPISecret = getEnv("SANDBOX_API_SECRET", "")
	case "docker":
		cfg.DockerHost = getEnv("DOCKER_HOST", "")
		cfg.DockerNetwork = getEnv("DOCKER_NETWORK", "")
		cfg.SandboxImage = getEnv("SANDBOX_IMAGE", "agentrelay-sandbox:latest")
	default:
		return nil, fmt.Errorf("unsupported SANDBOX_PROVIDER: %s", cfg.SandboxProvider)
	}

	cfg.EncryptionKey = getEnv("SESSION_ENCRYPTION_KEY", "")

	cfg.RateLimitRequests = getEnvInt("RATE_LIMIT_REQUESTS", 100)
	cfg.RateLimitWindow = getEnvDuration("RATE_LIMIT_WINDOW", time.Minute)

	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "console")

	return cfg, nil
}

// detectDriver determines the database driver from DSN.
func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(dsn, "sqlite3://") || strings.HasPrefix(dsn, "sqlite://") {
		return "sqlite"
	}
	// Default to sqlite for file paths
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") {
		return "sqlite"
	}
	return "postgres"
}

// CleanDSN removes the driver prefix from the DSN.
func (c *Config) CleanDSN() string {
	dsn := c.DatabaseDSN
	dsn = strings.TrimPrefix(dsn, "postgres://")
	dsn = strings.TrimPrefix(dsn, "postgresql://")
	dsn = strings.TrimPrefix(dsn, "sqlite3://")
	dsn = strings.TrimPrefix(dsn, "sqlite://")

	// For postgres, add the prefix back
	if c.DatabaseDriver == "postgres" {
		return "postgres://" + dsn
	}
	return dsn
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
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
