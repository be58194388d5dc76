// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
// Values come from environment variables (optionally via a .env file); the
// defaults keep the service runnable with zero configuration, in which case
// every credentialed upstream source is skipped and reported in envelope
// errors.
type Config struct {
	DataDir     string // Base directory for the embedded database (always absolute)
	DatabaseURL string // Postgres DSN; empty selects the embedded sqlite backend
	ProfilePath string // Optional YAML profile override
	LogLevel    string
	Port        int
	DevMode     bool

	// Cadences
	OrchestratorIntervalSec   int
	PerfSnapshotIntervalHours int
	PerfEvalIntervalHours     int
	LLMSentimentCycleHours    int
	CacheTTLSec               int

	// Upstream provider credentials. An empty value disables that source.
	WhaleAlertAPIKey   string
	EtherscanAPIKey    string
	CryptoPanicAPIKey  string
	RedditClientID     string
	RedditClientSecret string
	AnthropicAPIKey    string
	CoinGeckoAPIKey    string

	// Optional off-site backup of the embedded database.
	Backup BackupConfig
}

// BackupConfig holds S3-compatible backup settings. Backups run only when
// Bucket and both keys are set.
type BackupConfig struct {
	Bucket    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Enabled reports whether backup credentials are fully configured.
func (b BackupConfig) Enabled() bool {
	return b.Bucket != "" && b.AccessKey != "" && b.SecretKey != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:     absDataDir,
		DatabaseURL: getEnv("DATABASE_URL", ""),
		ProfilePath: getEnv("PROFILE_PATH", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Port:        getEnvAsInt("PORT", 8090),
		DevMode:     getEnvAsBool("DEV_MODE", false),

		OrchestratorIntervalSec:   getEnvAsInt("ORCHESTRATOR_INTERVAL_SEC", 900),
		PerfSnapshotIntervalHours: getEnvAsInt("PERF_SNAPSHOT_INTERVAL_HOURS", 12),
		PerfEvalIntervalHours:     getEnvAsInt("PERF_EVAL_INTERVAL_HOURS", 4),
		LLMSentimentCycleHours:    getEnvAsInt("LLM_SENTIMENT_CYCLE_HOURS", 12),
		CacheTTLSec:               getEnvAsInt("CACHE_TTL_SEC", 300),

		WhaleAlertAPIKey:   getEnv("WHALE_ALERT_API_KEY", ""),
		EtherscanAPIKey:    getEnv("ETHERSCAN_API_KEY", ""),
		CryptoPanicAPIKey:  getEnv("CRYPTOPANIC_API_KEY", ""),
		RedditClientID:     getEnv("REDDIT_CLIENT_ID", ""),
		RedditClientSecret: getEnv("REDDIT_CLIENT_SECRET", ""),
		AnthropicAPIKey:    getEnv("ANTHROPIC_API_KEY", ""),
		CoinGeckoAPIKey:    getEnv("COINGECKO_API_KEY", ""),

		Backup: BackupConfig{
			Bucket:    getEnv("BACKUP_S3_BUCKET", ""),
			Endpoint:  getEnv("BACKUP_S3_ENDPOINT", ""),
			AccessKey: getEnv("BACKUP_S3_ACCESS_KEY", ""),
			SecretKey: getEnv("BACKUP_S3_SECRET_KEY", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration consistency. Misconfiguration surfaces here,
// at startup, never during steady state.
func (c *Config) Validate() error {
	if c.OrchestratorIntervalSec < 60 {
		return fmt.Errorf("ORCHESTRATOR_INTERVAL_SEC must be at least 60, got %d", c.OrchestratorIntervalSec)
	}
	if c.PerfSnapshotIntervalHours < 1 {
		return fmt.Errorf("PERF_SNAPSHOT_INTERVAL_HOURS must be at least 1, got %d", c.PerfSnapshotIntervalHours)
	}
	if c.PerfEvalIntervalHours < 1 {
		return fmt.Errorf("PERF_EVAL_INTERVAL_HOURS must be at least 1, got %d", c.PerfEvalIntervalHours)
	}
	if c.CacheTTLSec < 0 {
		return fmt.Errorf("CACHE_TTL_SEC must be non-negative, got %d", c.CacheTTLSec)
	}
	return nil
}

// SQLitePath returns the path of the embedded database file.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "signals.db")
}

// UsePostgres reports whether the server-hosted store backend is selected.
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
