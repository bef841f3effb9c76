package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "file", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, "@every 5s", cfg.Dispatch.SweepSchedule)
	assert.Equal(t, "claude", cfg.Agent.Executable)
	assert.Equal(t, "claude", cfg.Agent.Format)
	assert.Equal(t, 60*time.Second, cfg.Session.StickyWindow())
	assert.Equal(t, 200, cfg.Session.HistorySize)
	assert.Equal(t, 18790, cfg.Gateway.Port)
	assert.NoError(t, cfg.Validate())
}

func TestApplyDataDir(t *testing.T) {
	t.Run("file store", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ApplyDataDir("/data")

		assert.Equal(t, "/data", cfg.DataDir)
		assert.Equal(t, "/data/conductor.log", cfg.Logging.File)
		assert.Equal(t, "/data/audit.log", cfg.Logging.AuditFile)
		assert.Equal(t, "/data/prompts", cfg.Store.Path)
		assert.Equal(t, "/data/profiles.yaml", cfg.Profiles.Path)
		assert.Equal(t, "/data/sessions", cfg.SessionsDir())
		assert.Equal(t, "/data/conductor.pid", cfg.PIDFile())
	})

	t.Run("sqlite store", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Store.Driver = "sqlite"
		cfg.ApplyDataDir("/data")
		assert.Equal(t, "/data/prompts.db", cfg.Store.Path)
	})

	t.Run("explicit paths are kept", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.DataDir = "/custom"
		cfg.Store.Path = "/elsewhere/prompts"
		cfg.ApplyDataDir("/data")
		assert.Equal(t, "/custom", cfg.DataDir)
		assert.Equal(t, "/elsewhere/prompts", cfg.Store.Path)
		assert.Equal(t, "/custom/conductor.log", cfg.Logging.File)
	})
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		require.NoError(t, DefaultConfig().Validate())
	})

	t.Run("unknown store driver", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Store.Driver = "postgres"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store driver")
	})

	t.Run("missing executable", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Agent.Executable = " "
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "agent.executable")
	})

	t.Run("zero attempts", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Dispatch.MaxAttempts = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gateway.SharedSecret = "hunter2"

	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, `"shared_secret": "***"`)
	assert.Equal(t, "hunter2", cfg.Gateway.SharedSecret)
}
