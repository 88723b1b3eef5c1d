package daemon

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/harun/mnemo/internal/config"
	"github.com/harun/mnemo/pkg/syncer"
	"github.com/rs/zerolog"
)

const gracefulShutdownTimeout = 10 * time.Second

// settingsController exposes the runtime-mutable settings to the config
// tool. Every mutation validates first, applies through the owning
// component, then persists to the config file.
type settingsController struct {
	daemon *Daemon
}

var mutableKeys = []string{
	"log_level",
	"sync_enabled",
	"sync_folder",
	"sync_interval",
	"sync_remote",
}

// Snapshot returns the current embedding and sync settings for status
// output.
func (s *settingsController) Snapshot() map[string]interface{} {
	d := s.daemon
	cfg := d.Config()

	return map[string]interface{}{
		"embedding": map[string]interface{}{
			"provider":  d.embedder.ProviderName(),
			"model":     cfg.Embedding.Model,
			"dims":      cfg.Embedding.Dimensions,
			"available": d.embedder.Available(),
		},
		"sync": map[string]interface{}{
			"enabled":  cfg.Sync.Enabled,
			"remote":   cfg.Sync.Remote,
			"folder":   cfg.Sync.Folder,
			"interval": cfg.Sync.IntervalSeconds,
		},
		"logging": map[string]interface{}{
			"level": cfg.Logging.Level,
		},
	}
}

// Set applies one runtime setting by key.
func (s *settingsController) Set(key, value string) (interface{}, error) {
	d := s.daemon
	log := d.log.GetZerolog()

	d.mu.Lock()
	cfg := *d.cfg
	d.mu.Unlock()

	var effective interface{}

	switch key {
	case "sync_enabled":
		enabled, err := parseBool(value)
		if err != nil {
			return nil, fmt.Errorf("sync_enabled: %w", err)
		}
		if err := s.applySyncEnabled(&cfg, enabled, log); err != nil {
			return nil, err
		}
		effective = enabled

	case "sync_remote":
		if err := syncer.ValidateRemoteName(value); err != nil {
			return nil, err
		}
		cfg.Sync.Remote = value
		if err := s.rebuildSyncIfEnabled(&cfg, log); err != nil {
			return nil, err
		}
		effective = value

	case "sync_folder":
		if err := syncer.ValidateFolderName(value); err != nil {
			return nil, err
		}
		cfg.Sync.Folder = value
		if err := s.rebuildSyncIfEnabled(&cfg, log); err != nil {
			return nil, err
		}
		effective = value

	case "sync_interval":
		seconds, err := strconv.Atoi(value)
		if err != nil || seconds < 0 {
			return nil, fmt.Errorf("sync_interval must be a non-negative number of seconds")
		}
		cfg.Sync.IntervalSeconds = seconds
		if engine := d.SyncEngine(); engine != nil {
			if err := engine.SetInterval(cfg.Sync.Interval()); err != nil {
				return nil, err
			}
		}
		effective = seconds

	case "log_level":
		level, err := zerolog.ParseLevel(strings.ToLower(value))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q", value)
		}
		zerolog.SetGlobalLevel(level)
		cfg.Logging.Level = level.String()
		effective = level.String()

	default:
		keys := append([]string(nil), mutableKeys...)
		sort.Strings(keys)
		return nil, fmt.Errorf("invalid key %q, valid keys: %s", key, strings.Join(keys, ", "))
	}

	d.mu.Lock()
	d.cfg = &cfg
	d.mu.Unlock()

	if err := d.loader.Save(&cfg); err != nil {
		log.Warn().Err(err).Msg("Failed to persist setting")
	}

	log.Info().Str("key", key).Interface("value", effective).Msg("Setting updated")
	return effective, nil
}

// applySyncEnabled turns the sync engine on or off at runtime.
func (s *settingsController) applySyncEnabled(cfg *config.Config, enabled bool, log zerolog.Logger) error {
	d := s.daemon
	cfg.Sync.Enabled = enabled

	if !enabled {
		d.mu.Lock()
		engine := d.engine
		d.engine = nil
		d.mu.Unlock()
		if engine != nil {
			engine.Stop()
		}
		return nil
	}

	return s.rebuildSyncIfEnabled(cfg, log)
}

// rebuildSyncIfEnabled replaces the sync engine so a changed remote or
// folder takes effect immediately. A disabled sync stays off.
func (s *settingsController) rebuildSyncIfEnabled(cfg *config.Config, log zerolog.Logger) error {
	d := s.daemon
	if !cfg.Sync.Enabled {
		return nil
	}

	engine, err := d.buildSyncEngine(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to rebuild sync engine: %w", err)
	}
	if err := engine.StartAuto(cfg.Sync.Interval()); err != nil {
		return err
	}

	d.mu.Lock()
	old := d.engine
	d.engine = engine
	d.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("expected true or false, got %q", value)
	}
}
