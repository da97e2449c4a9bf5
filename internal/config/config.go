package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process-level configuration for the daemon
type Config struct {
	// Server
	Port     int
	Bind     string
	LogLevel string
	Debug    bool

	// Storage
	DataDir        string
	DatabaseDriver string // sqlite, postgres
	DatabaseURL    string // postgres only
	SQLitePath     string

	// RabbitMQ (empty disables async result ingestion)
	RabbitMQURL  string
	QueueWorkers int

	// Engine
	EngineConfigPath string
	SweepInterval    time.Duration
}

// Load reads configuration from environment variables, after loading a .env file if present
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	dataDir := getEnv("POLYGLOT_DATA_DIR", "")
	if dataDir == "" {
		dir, err := DataDir()
		if err != nil {
			return nil, err
		}
		dataDir = dir
	}

	cfg := &Config{
		Port:             getEnvInt("PORT", 7432),
		Bind:             getEnv("BIND", "127.0.0.1"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		Debug:            getEnvBool("DEBUG", false),
		DataDir:          dataDir,
		DatabaseDriver:   getEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		SQLitePath:       getEnv("SQLITE_PATH", filepath.Join(dataDir, "polyglot.db")),
		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		QueueWorkers:     getEnvInt("QUEUE_WORKERS", 3),
		EngineConfigPath: getEnv("ENGINE_CONFIG", filepath.Join(dataDir, "engine.yaml")),
		SweepInterval:    getEnvDuration("RETENTION_SWEEP_INTERVAL", time.Hour),
	}

	switch cfg.DatabaseDriver {
	case "sqlite":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL must be set when DATABASE_DRIVER=postgres")
		}
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q (valid: sqlite, postgres)", cfg.DatabaseDriver)
	}

	return cfg, nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

// DataDir returns the path to ~/.polyglot
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".polyglot"), nil
}

// EnsureDataDir creates dir and its logs subdirectory if they don't exist
func EnsureDataDir(dir string) error {
	for _, sub := range []string{"", "logs"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", path, err)
		}
	}
	return nil
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
