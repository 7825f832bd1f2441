package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "nonexistent.json")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, 5, cfg.Supervision.Breaker.FailureThreshold)
		assert.Equal(t, int64(100000), cfg.Supervision.Cost.DefaultLimit)
		assert.NotEmpty(t, cfg.DataDir)
	})

	t.Run("load config from file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		writeConfig(t, configPath, `{
			"logging": {"level": "warn"},
			"supervision": {
				"breaker": {"failure_threshold": 2, "reset_timeout_ms": 500},
				"cost": {"default_limit": 42}
			},
			"diagnostics": {"port": 9999}
		}`)

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, 2, cfg.Supervision.Breaker.FailureThreshold)
		assert.Equal(t, int64(500), cfg.Supervision.Breaker.ResetTimeout().Milliseconds())
		assert.Equal(t, int64(42), cfg.Supervision.Cost.DefaultLimit)
		assert.Equal(t, 9999, cfg.Diagnostics.Port)
		assert.Equal(t, "127.0.0.1", cfg.Diagnostics.Host, "unset keys keep defaults")
		assert.True(t, cfg.Supervision.Loop.Enabled)
		assert.Same(t, cfg, loader.Current())
	})

	t.Run("environment overrides file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		writeConfig(t, configPath, `{"supervision": {"cost": {"default_limit": 42}}}`)
		t.Setenv("OVERWATCH_SUPERVISION_COST_DEFAULT_LIMIT", "77")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, int64(77), cfg.Supervision.Cost.DefaultLimit)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "invalid.json")
		writeConfig(t, configPath, "invalid json")

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})

	t.Run("schema violation", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		writeConfig(t, configPath, `{"supervision": {"breaker": {"failure_threshold": 0}}}`)

		_, err := NewLoader(configPath).Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failure_threshold")
	})
}

func TestLoaderSaveRoundTrip(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "config.json")
	loader := NewLoader(configPath)

	cfg := DefaultConfig()
	cfg.Supervision.Cost.DefaultLimit = 1234
	cfg.DataDir = "/var/lib/overwatch"
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(1234), loaded.Supervision.Cost.DefaultLimit)
	assert.Equal(t, "/var/lib/overwatch", loaded.DataDir)
}

func TestWatchRequiresLoad(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "config.json"))
	assert.Error(t, loader.Watch())
}

func TestHandleEventReloads(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, configPath, `{"supervision": {"cost": {"default_limit": 10}}}`)

	loader := NewLoader(configPath)
	_, err := loader.Load()
	require.NoError(t, err)

	var reloaded []*Config
	loader.OnChange(func(cfg *Config) { reloaded = append(reloaded, cfg) })

	writeConfig(t, configPath, `{"supervision": {"cost": {"default_limit": 20}}}`)
	loader.handleEvent(fsnotify.Event{Name: configPath, Op: fsnotify.Write})

	require.Len(t, reloaded, 1)
	assert.Equal(t, int64(20), reloaded[0].Supervision.Cost.DefaultLimit)
	assert.Equal(t, int64(20), loader.Current().Supervision.Cost.DefaultLimit)

	t.Run("invalid reload keeps current config", func(t *testing.T) {
		writeConfig(t, configPath, `{"supervision": {"cost": {"default_limit": -1}}}`)
		loader.handleEvent(fsnotify.Event{Name: configPath, Op: fsnotify.Write})

		assert.Len(t, reloaded, 1)
		assert.Equal(t, int64(20), loader.Current().Supervision.Cost.DefaultLimit)
	})

	t.Run("chmod events are ignored", func(t *testing.T) {
		writeConfig(t, configPath, `{"supervision": {"cost": {"default_limit": 30}}}`)
		loader.handleEvent(fsnotify.Event{Name: configPath, Op: fsnotify.Chmod})

		assert.Len(t, reloaded, 1)
	})
}
