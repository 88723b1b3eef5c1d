package config

import (
	"fmt"

	"github.com/harun/mnemo/pkg/syncer"
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case "", "auto", "openai", "local", "none":
	default:
		return fmt.Errorf("invalid embedding provider %q (must be: auto, openai, local, none)", c.Embedding.Provider)
	}

	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Embedding.MaxBatchSize <= 0 {
		return fmt.Errorf("embedding max_batch_size must be positive, got %d", c.Embedding.MaxBatchSize)
	}

	if c.Sync.Enabled {
		if err := syncer.ValidateRemoteName(c.Sync.Remote); err != nil {
			return fmt.Errorf("sync remote: %w", err)
		}
		if err := syncer.ValidateFolderName(c.Sync.Folder); err != nil {
			return fmt.Errorf("sync folder: %w", err)
		}
	}
	if c.Sync.IntervalSeconds < 0 {
		return fmt.Errorf("sync interval_seconds must not be negative, got %d", c.Sync.IntervalSeconds)
	}

	if c.Gateway.Enabled {
		if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
			return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
		}
	}

	return nil
}
