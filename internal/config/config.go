package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents the main Mnemo configuration
type Config struct {
	// Data directory (database, rclone binary, sync scratch space)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Database
	Database DatabaseConfig `json:"database" mapstructure:"database"`

	// Embedding provider
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`

	// Sync
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Gateway
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// DatabaseConfig holds storage configuration
type DatabaseConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// EmbeddingConfig holds embedding provider configuration.
//
// Provider selection happens once at startup (see daemon.selectProvider);
// "auto" picks the first variant that has credentials configured.
type EmbeddingConfig struct {
	Provider     string `json:"provider" mapstructure:"provider"` // auto, openai, local, none
	APIKey       string `json:"api_key" mapstructure:"api_key"`
	BaseURL      string `json:"base_url" mapstructure:"base_url"` // OpenAI-compatible endpoint for local models
	Model        string `json:"model" mapstructure:"model"`
	Dimensions   int    `json:"dimensions" mapstructure:"dimensions"`
	MaxBatchSize int    `json:"max_batch_size" mapstructure:"max_batch_size"`
	MaxAttempts  int    `json:"max_attempts" mapstructure:"max_attempts"`
}

// SyncConfig holds rclone sync configuration
type SyncConfig struct {
	Enabled         bool   `json:"enabled" mapstructure:"enabled"`
	Remote          string `json:"remote" mapstructure:"remote"`
	Folder          string `json:"folder" mapstructure:"folder"`
	IntervalSeconds int    `json:"interval_seconds" mapstructure:"interval_seconds"` // 0 = manual only
	TimeoutSeconds  int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`   // per rclone invocation
}

// Interval returns the auto-sync interval as a duration.
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Timeout returns the per-invocation subprocess timeout.
func (s SyncConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `json:"level" mapstructure:"level"`
	File  string `json:"file" mapstructure:"file"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{},
		Embedding: EmbeddingConfig{
			Provider:     "auto",
			Model:        "text-embedding-3-small",
			Dimensions:   768,
			MaxBatchSize: 64,
			MaxAttempts:  3,
		},
		Sync: SyncConfig{
			Folder:          "mnemo",
			IntervalSeconds: 0,
			TimeoutSeconds:  300,
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    7657,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DatabasePath returns the resolved database file path.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.DataDir, "memories.db")
}

// SnapshotName is the file name of the JSONL snapshot on the remote.
func (c *Config) SnapshotName() string {
	return "memories.jsonl"
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// DefaultDataDir returns the default data directory (~/.mnemo).
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".mnemo"), nil
}
