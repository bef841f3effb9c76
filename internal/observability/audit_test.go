package observability

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLoggerWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	require.NoError(t, InitAuditLogger(path))

	RecordPromptAudit(context.Background(), "p1", "prompt.submitted", "success", map[string]interface{}{"scope": "/repo"})
	RecordSessionAudit(context.Background(), "s1", "session.completed", "success", nil)
	require.NoError(t, GetAuditLogger().Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"action":"prompt.submitted"`)
	assert.Contains(t, out, `"actor":"p1"`)
	assert.Contains(t, out, `"action":"session.completed"`)
}

func TestMetricsHandlerExposesConductorMetrics(t *testing.T) {
	RecordPromptSubmitted(true)
	SetQueueSize("/repo", 2)
	RecordDispatchAttempt("started")

	assert.NotNil(t, MetricsHandler())
}
