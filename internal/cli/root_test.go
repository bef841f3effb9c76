package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, err := run(t, "--version")
		require.NoError(t, err)

		assert.Contains(t, out, "conductor version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		out, err := run(t, "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "Conductor")
		assert.Contains(t, out, "agent session")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "info", logLevelFlag.DefValue)

		assert.NotNil(t, cmd.PersistentFlags().Lookup("url"))
		assert.NotNil(t, cmd.PersistentFlags().Lookup("secret"))
	})

	t.Run("subcommands", func(t *testing.T) {
		names := map[string]bool{}
		for _, c := range GetRootCmd().Commands() {
			names[c.Name()] = true
		}
		for _, name := range []string{"serve", "stop", "status", "configure", "recover", "submit", "queue", "prompt", "sessions", "cancel", "watch"} {
			assert.True(t, names[name], "%s command should exist", name)
		}
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

func TestServeAlias(t *testing.T) {
	cmd, _, err := GetRootCmd().Find([]string{"start"})
	require.NoError(t, err)
	assert.Equal(t, "serve", cmd.Name())
}
