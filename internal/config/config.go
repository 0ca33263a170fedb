// Package config loads runtime configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Database
	SQLiteDBPath string

	// Gemini
	GeminiAPIKey string
	GeminiModel  string

	// Backup
	BackupBucket  string
	BackupAccount string

	// Import
	ImportConcurrency int

	// Logging
	LogLevel string
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/finboard.db"),

		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", ""),

		BackupBucket:  getEnv("BACKUP_BUCKET", ""),
		BackupAccount: getEnv("BACKUP_ACCOUNT", "default"),

		ImportConcurrency: getEnvInt("IMPORT_CONCURRENCY", 4),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// Validate checks the configuration and returns all problems at once.
func (c *Config) Validate() error {
	var errors []string

	if c.SQLiteDBPath == "" {
		errors = append(errors, "SQLite database path cannot be empty")
	} else {
		dir := filepath.Dir(c.SQLiteDBPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create database directory '%s': %v", dir, err))
				}
			}
		}
	}

	if c.GeminiAPIKey == "" {
		errors = append(errors, "GEMINI_API_KEY is required")
	}

	if c.BackupBucket != "" && c.BackupAccount == "" {
		errors = append(errors, "BACKUP_ACCOUNT cannot be empty when BACKUP_BUCKET is set")
	}

	if c.ImportConcurrency < 1 {
		errors = append(errors, fmt.Sprintf("invalid import concurrency %d: must be at least 1", c.ImportConcurrency))
	} else if c.ImportConcurrency > 32 {
		errors = append(errors, fmt.Sprintf("invalid import concurrency %d: must be at most 32", c.ImportConcurrency))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

// BackupEnabled reports whether a remote backup bucket is configured.
func (c *Config) BackupEnabled() bool {
	return c.BackupBucket != ""
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
