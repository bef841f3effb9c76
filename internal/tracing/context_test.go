package tracing

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithPromptID(ctx, "prompt-1")
	ctx = WithSessionID(ctx, "session-1")
	ctx = WithScope(ctx, "/repo")

	tc := FromContext(ctx)
	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "prompt-1", tc.PromptID)
	assert.Equal(t, "session-1", tc.SessionID)
	assert.Equal(t, "/repo", tc.Scope)
	assert.Empty(t, tc.RequestID)
}

func TestGettersOnEmptyContext(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))
	assert.Empty(t, GetScope(context.Background()))
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())
	assert.Len(t, GetTraceID(ctx), 36)
}

func TestDetachKeepsIDsDropsCancellation(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	parent = WithTraceID(parent, "trace-1")
	parent = WithPromptID(parent, "prompt-1")

	detached := Detach(parent)
	<-parent.Done()

	assert.NoError(t, detached.Err())
	assert.Equal(t, "trace-1", GetTraceID(detached))
	assert.Equal(t, "prompt-1", GetPromptID(detached))
}

func TestLoggerFromContext(t *testing.T) {
	buf := &bytes.Buffer{}
	base := zerolog.New(buf)

	ctx := WithSessionID(WithPromptID(context.Background(), "p1"), "s1")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, `"prompt_id":"p1"`)
	assert.Contains(t, out, `"session_id":"s1"`)
	assert.NotContains(t, out, "trace_id")
}
