// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	// Organization scoping. Tenancy itself is handled by an external layer;
	// every row this service writes is tagged with this identifier.
	OrganizationID string

	// Analyst invocation
	GeminiAPIKey          string
	AnalystTimeout        time.Duration // Per-analyst call timeout
	AnalystMaxConcurrency int           // Bound on simultaneous analyst calls
	AnalystMaxRetries     int

	// Snapshot backup (S3-compatible storage, e.g. Cloudflare R2)
	Backup *BackupConfig
}

// BackupConfig holds snapshot backup configuration.
// Backup is disabled when no endpoint is configured.
type BackupConfig struct {
	Enabled         bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	RetainCount     int // Number of snapshot archives to keep remotely
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("FORESIGHT_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:               absDataDir,
		Port:                  getEnvAsInt("FORESIGHT_PORT", 8010),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		DevMode:               getEnvAsBool("DEV_MODE", false),
		OrganizationID:        getEnv("FORESIGHT_ORG_ID", "default"),
		GeminiAPIKey:          getEnv("GEMINI_API_KEY", ""),
		AnalystTimeout:        getEnvAsDuration("ANALYST_TIMEOUT", 45*time.Second),
		AnalystMaxConcurrency: getEnvAsInt("ANALYST_MAX_CONCURRENCY", 8),
		AnalystMaxRetries:     getEnvAsInt("ANALYST_MAX_RETRIES", 2),
		Backup:                loadBackupConfig(),
	}

	return cfg, nil
}

// loadBackupConfig reads snapshot backup settings from the environment.
// Returns a disabled config when the endpoint is not set.
func loadBackupConfig() *BackupConfig {
	endpoint := getEnv("BACKUP_S3_ENDPOINT", "")
	return &BackupConfig{
		Enabled:         endpoint != "",
		Endpoint:        endpoint,
		AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
		Bucket:          getEnv("BACKUP_S3_BUCKET", "foresight-snapshots"),
		RetainCount:     getEnvAsInt("BACKUP_RETAIN_COUNT", 10),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
