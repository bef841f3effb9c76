package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "nonexistent.json")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "file", cfg.Store.Driver)
		assert.Equal(t, tmpDir, cfg.DataDir)
		assert.Equal(t, filepath.Join(tmpDir, "prompts"), cfg.Store.Path)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		testConfig := `{
			"store": {"driver": "sqlite"},
			"agent": {"executable": "/usr/local/bin/agent", "format": "canonical"},
			"gateway": {"port": 9100}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "sqlite", cfg.Store.Driver)
		assert.Equal(t, filepath.Join(tmpDir, "prompts.db"), cfg.Store.Path)
		assert.Equal(t, "/usr/local/bin/agent", cfg.Agent.Executable)
		assert.Equal(t, "canonical", cfg.Agent.Format)
		assert.Equal(t, 9100, cfg.Gateway.Port)
		// untouched keys keep their defaults
		assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
		assert.Equal(t, 1800, cfg.Agent.TimeoutSeconds)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"gateway": {"port": 9100}}`), 0644))

		t.Setenv("CONDUCTOR_GATEWAY_PORT", "9200")
		t.Setenv("CONDUCTOR_GATEWAY_SHARED_SECRET", "s3cret")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, 9200, cfg.Gateway.Port)
		assert.Equal(t, "s3cret", cfg.Gateway.SharedSecret)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "invalid.json")
		require.NoError(t, os.WriteFile(configPath, []byte("invalid json"), 0644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "conductor.json")

	cfg := DefaultConfig()
	cfg.Store.Driver = "sqlite"
	cfg.Dispatch.MaxAttempts = 9

	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", loaded.Store.Driver)
	assert.Equal(t, 9, loaded.Dispatch.MaxAttempts)
}
