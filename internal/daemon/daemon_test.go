package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestConfig creates a minimal config with gateway and sync off so
// the daemon starts without network or ports.
func writeTestConfig(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "mnemo.json")
	cfg := `{
		"data_dir": "` + filepath.ToSlash(dir) + `",
		"embedding": {"provider": "none", "dimensions": 768, "max_batch_size": 64, "max_attempts": 3},
		"sync": {"enabled": false, "folder": "mnemo", "timeout_seconds": 300},
		"gateway": {"enabled": false, "host": "127.0.0.1", "port": 7657},
		"logging": {"level": "error"}
	}`
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0600))
	return cfgPath
}

func TestDaemonStartStop(t *testing.T) {
	d, err := New(writeTestConfig(t))
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.NotNil(t, d.Store())
	require.NotNil(t, d.Registry())
	assert.Nil(t, d.SyncEngine(), "sync disabled in config")

	result := d.Registry().Execute(context.Background(), "memory", map[string]interface{}{
		"action":  "add",
		"content": "daemon wiring works end to end",
	})
	require.True(t, result.Success, result.Error)

	result = d.Registry().Execute(context.Background(), "config", map[string]interface{}{
		"action": "status",
	})
	require.True(t, result.Success, result.Error)
	status := result.Output.(map[string]interface{})
	assert.Contains(t, status, "database")
	assert.Contains(t, status, "embedding")
	assert.Contains(t, status, "sync")
}

func TestDaemonConfigSyncUnconfigured(t *testing.T) {
	d, err := New(writeTestConfig(t))
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	result := d.Registry().Execute(context.Background(), "config", map[string]interface{}{
		"action": "sync",
	})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not configured")
}

func TestDaemonSetSyncInterval(t *testing.T) {
	d, err := New(writeTestConfig(t))
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	result := d.Registry().Execute(context.Background(), "config", map[string]interface{}{
		"action": "set", "key": "sync_interval", "value": "600",
	})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, 600, d.Config().Sync.IntervalSeconds)

	result = d.Registry().Execute(context.Background(), "config", map[string]interface{}{
		"action": "set", "key": "sync_interval", "value": "-5",
	})
	assert.False(t, result.Success)
}

func TestDaemonSetRejectsUnknownKey(t *testing.T) {
	d, err := New(writeTestConfig(t))
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	result := d.Registry().Execute(context.Background(), "config", map[string]interface{}{
		"action": "set", "key": "database_path", "value": "/tmp/x",
	})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "invalid key")
}

func TestDaemonRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "mnemo.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{
		"data_dir": "`+filepath.ToSlash(dir)+`",
		"embedding": {"provider": "quantum", "dimensions": 768, "max_batch_size": 64},
		"gateway": {"enabled": false, "port": 7657}
	}`), 0600))

	_, err := New(cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}
