package cli

import (
	"path/filepath"
	"testing"

	"github.com/harun/conductor/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "conductor.json")

	out, err := run(t, "configure", "--config", cfgPath, "--agent", "/usr/local/bin/agent", "--format", "canonical", "--store", "sqlite", "--port", "19000")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration saved to: "+cfgPath)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/agent", cfg.Agent.Executable)
	assert.Equal(t, "canonical", cfg.Agent.Format)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, filepath.Join(dir, "prompts.db"), cfg.Store.Path)
	assert.Equal(t, 19000, cfg.Gateway.Port)
	secret := cfg.Gateway.SharedSecret
	assert.Len(t, secret, 40)

	t.Run("keeps settings not named", func(t *testing.T) {
		_, err := run(t, "configure", "--config", cfgPath, "--port", "19001")
		require.NoError(t, err)

		cfg, err := config.Load(cfgPath)
		require.NoError(t, err)
		assert.Equal(t, 19001, cfg.Gateway.Port)
		assert.Equal(t, "/usr/local/bin/agent", cfg.Agent.Executable)
		assert.Equal(t, secret, cfg.Gateway.SharedSecret)
	})

	t.Run("generates a new secret", func(t *testing.T) {
		_, err := run(t, "configure", "--config", cfgPath, "--generate-secret")
		require.NoError(t, err)

		cfg, err := config.Load(cfgPath)
		require.NoError(t, err)
		assert.NotEqual(t, secret, cfg.Gateway.SharedSecret)
	})

	t.Run("rejects invalid settings", func(t *testing.T) {
		_, err := run(t, "configure", "--config", cfgPath, "--format", "xml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}
