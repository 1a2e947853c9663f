package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BACKEND_URL", "https://sync.example.com")
	t.Setenv("BACKEND_API_KEY", "test-key")
	t.Setenv("SETTINGS_FILE", "")
	t.Setenv("STORE_PATH", "")
	t.Setenv("DEVICE_NAME", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("REALTIME_ENABLED", "")
}

// --- Load ---

func TestLoad_RequiresBackendURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BACKEND_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BACKEND_URL")
}

func TestLoad_RequiresAPIKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BACKEND_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BACKEND_API_KEY")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://sync.example.com", cfg.BackendURL)
	assert.True(t, cfg.RealtimeEnabled)
	assert.NotEmpty(t, cfg.DeviceName, "falls back to the hostname")
	assert.NotEmpty(t, cfg.StorePath)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, DefaultSettings(), cfg.Settings)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_ExplicitValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DEVICE_NAME", "handheld-7")
	t.Setenv("STORE_PATH", "/var/lib/inventory/store.db")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("REALTIME_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "handheld-7", cfg.DeviceName)
	assert.Equal(t, "/var/lib/inventory/store.db", cfg.StorePath)
	assert.False(t, cfg.RealtimeEnabled)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_SettingsFileOverlay(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync_interval: 15s\npush_batch_size: 25\n"), 0o600))
	t.Setenv("SETTINGS_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Settings.SyncInterval)
	assert.Equal(t, 25, cfg.Settings.PushBatchSize)
	assert.Equal(t, DefaultSettings().RetryCeiling, cfg.Settings.RetryCeiling, "unset fields keep defaults")
	assert.True(t, filepath.IsAbs(cfg.SettingsFile))
}

func TestLoad_MissingSettingsFileFails(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SETTINGS_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

// --- LoadSettings ---

func TestLoadSettings_PartialOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry_ceiling: 3\nbackoff_base: 500ms\n"), 0o600))

	settings, err := LoadSettings(path)
	require.NoError(t, err)

	assert.Equal(t, 3, settings.RetryCeiling)
	assert.Equal(t, 500*time.Millisecond, settings.BackoffBase)
	assert.Equal(t, DefaultSettings().SyncInterval, settings.SyncInterval)
	assert.Equal(t, DefaultSettings().ProbeAddr, settings.ProbeAddr)
}

func TestLoadSettings_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync_interval: [broken"), 0o600))

	_, err := LoadSettings(path)
	assert.Error(t, err)
}

func TestLoadSettings_RejectsBackoffBaseAboveMax(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backoff_base: 10m\nbackoff_max: 1m\n"), 0o600))

	_, err := LoadSettings(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backoff_base")
}

func TestLoadSettings_RejectsOversizedBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("push_batch_size: 1000\n"), 0o600))

	_, err := LoadSettings(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "push_batch_size")
}

// --- DefaultSettings ---

func TestDefaultSettings_InternallyConsistent(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.validate())
	assert.LessOrEqual(t, s.BackoffBase, s.BackoffMax)
	assert.Greater(t, s.TombstoneRetention, 7*24*time.Hour, "long enough for every device to pull the tombstone")
}

func TestDefaultStorePath_UnderHome(t *testing.T) {
	path, err := DefaultStorePath()
	require.NoError(t, err)
	assert.Contains(t, path, ".inventory-sync")
	assert.True(t, filepath.IsAbs(path))
}
