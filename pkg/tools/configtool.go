package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/mnemo/pkg/syncer"
)

// SyncController is the slice of the sync engine the config tool drives.
type SyncController interface {
	Cycle(ctx context.Context) (syncer.Result, error)
	SetInterval(interval time.Duration) error
	Interval() time.Duration
}

// SettingsController exposes the runtime-mutable settings. Each setting
// is applied through an explicit setter on its owning component, so an
// invalid key or value is rejected before anything changes.
type SettingsController interface {
	// Snapshot returns the current effective settings for status output.
	Snapshot() map[string]interface{}
	// Set applies one setting by key and returns the effective value.
	Set(key, value string) (interface{}, error)
}

// ConfigToolDeps wires the config tool to its owning components.
type ConfigToolDeps struct {
	Store    MemoryStore
	Sync     SyncController // nil when sync is not configured
	Settings SettingsController
}

// ConfigTool exposes server status, manual sync, and runtime settings.
func ConfigTool(deps ConfigToolDeps) ToolDefinition {
	return ToolDefinition{
		Name: "config",
		Description: "Server config and sync. Actions: status|sync|set. " +
			"status: show config. sync: run a sync cycle now. set: change a runtime setting.",
		Parameters: []ToolParameter{
			{Name: "action", Type: "string", Description: "Config action to perform", Required: true,
				Enum: []string{"status", "sync", "set"}},
			{Name: "key", Type: "string", Description: "Setting key (set)"},
			{Name: "value", Type: "string", Description: "Setting value (set)"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			action, _ := params["action"].(string)

			switch action {
			case "status":
				return configStatus(ctx, deps)
			case "sync":
				return configSync(ctx, deps)
			case "set":
				return configSet(deps, params)
			default:
				return nil, fmt.Errorf("unknown action: %s", action)
			}
		},
	}
}

func configStatus(ctx context.Context, deps ConfigToolDeps) (interface{}, error) {
	stats, err := deps.Store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	status := map[string]interface{}{
		"database": map[string]interface{}{
			"path":           stats.DBPath,
			"total_memories": stats.TotalMemories,
			"categories":     stats.Categories,
			"vec_enabled":    stats.VecEnabled,
		},
	}
	if deps.Settings != nil {
		for key, value := range deps.Settings.Snapshot() {
			status[key] = value
		}
	}
	return status, nil
}

func configSync(ctx context.Context, deps ConfigToolDeps) (interface{}, error) {
	if deps.Sync == nil {
		return nil, fmt.Errorf("sync is not configured")
	}

	result, err := deps.Sync.Cycle(ctx)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func configSet(deps ConfigToolDeps, params map[string]interface{}) (interface{}, error) {
	if deps.Settings == nil {
		return nil, fmt.Errorf("runtime settings are not available")
	}

	key, _ := params["key"].(string)
	value, _ := params["value"].(string)
	if key == "" || value == "" {
		return nil, fmt.Errorf("key and value are required for set")
	}

	effective, err := deps.Settings.Set(key, value)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status": "updated",
		"key":    key,
		"value":  effective,
	}, nil
}
