// Package config provides configuration management for the relay standalone server.
// It loads settings from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Transport selects how admitted messages reach their destinations.
const (
	// TransportStore is database store-and-forward: polling workers claim
	// pending rows directly. No broker required.
	TransportStore = "store"

	// TransportNATS pushes messages through NATS JetStream with per-delivery
	// lock tokens, lock renewal, and broker-side dead-lettering.
	TransportNATS = "nats"
)

// Config holds all configuration for the relay server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Relay    RelayConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string
	Port int
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string // mysql, postgres, sqlite3
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Prefix   string // Table prefix (default: "relay_")
}

// RelayConfig holds relay-specific configuration.
type RelayConfig struct {
	Transport           string // "store" or "nats"
	NATSURL             string // NATS server URL (nats transport only)
	BatchSize           int    // Messages claimed/received per pass
	WorkerInterval      int    // Forwarder/consumer interval in seconds
	RenewalInterval     int    // Lock renewal pass interval in seconds (nats transport)
	MonitorInterval     int    // Dead-letter monitor interval in seconds (nats transport)
	LeaseSeconds        int    // Delivery lease / broker lock duration in seconds
	RetentionHours      int    // Dedup retention window in hours
	EnableNotifications bool   // Enable the logging notification service
}

// Load loads configuration from environment variables.
// Follows 12-factor app principles - configuration via environment.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "mysql"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 3306),
			User:     getEnv("DB_USER", "relay"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "relay"),
			Prefix:   getEnv("DB_PREFIX", "relay_"),
		},
		Relay: RelayConfig{
			Transport:           getEnv("RELAY_TRANSPORT", TransportStore),
			NATSURL:             getEnv("RELAY_NATS_URL", "nats://localhost:4222"),
			BatchSize:           getEnvInt("RELAY_BATCH_SIZE", 100),
			WorkerInterval:      getEnvInt("RELAY_WORKER_INTERVAL", 30),
			RenewalInterval:     getEnvInt("RELAY_RENEWAL_INTERVAL", 10),
			MonitorInterval:     getEnvInt("RELAY_MONITOR_INTERVAL", 60),
			LeaseSeconds:        getEnvInt("RELAY_LEASE_SECONDS", 60),
			RetentionHours:      getEnvInt("RELAY_RETENTION_HOURS", 24),
			EnableNotifications: getEnvBool("RELAY_ENABLE_NOTIFICATIONS", true),
		},
	}

	// Validate required fields
	if cfg.Database.Driver != "sqlite3" && cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD environment variable is required")
	}
	if cfg.Relay.Transport != TransportStore && cfg.Relay.Transport != TransportNATS {
		return nil, fmt.Errorf("RELAY_TRANSPORT must be %q or %q, got %q",
			TransportStore, TransportNATS, cfg.Relay.Transport)
	}

	return cfg, nil
}

// GetDSN returns the database connection string based on driver.
func (c *DatabaseConfig) GetDSN() string {
	switch strings.ToLower(c.Driver) {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Database)
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.User, c.Password, c.Database)
	case "sqlite3":
		return c.Database // SQLite uses file path as DSN
	default:
		return ""
	}
}

// getEnv retrieves environment variable or returns default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves environment variable as integer or returns default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool retrieves environment variable as boolean or returns default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
