package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	t.Run("stopped", func(t *testing.T) {
		cfgPath := filepath.Join(t.TempDir(), "conductor.json")

		out, err := run(t, "status", "--config", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})

	t.Run("running with gateway", func(t *testing.T) {
		tg := newTestGateway(t)
		dir := t.TempDir()
		// any live process stands in for the daemon
		pid := os.Getpid()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "conductor.pid"), []byte(strconv.Itoa(pid)), 0644))

		out, err := run(t, tg.args("status", "--config", filepath.Join(dir, "conductor.json"))...)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: running")
		assert.Contains(t, out, "PID: "+strconv.Itoa(pid))
		assert.Contains(t, out, "Running sessions: 0")
		assert.Contains(t, out, "Queued prompts: 0")
	})

	t.Run("running without gateway", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "conductor.pid"), []byte(strconv.Itoa(os.Getpid())), 0644))

		out, err := run(t, "status", "--config", filepath.Join(dir, "conductor.json"), "--url", "http://127.0.0.1:1", "--secret", "x")
		require.NoError(t, err)
		assert.Contains(t, out, "Gateway: unreachable")
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}
