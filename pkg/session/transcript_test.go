package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTranscripts(t *testing.T) *Transcripts {
	tr, err := NewTranscripts(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return tr
}

func TestTranscriptRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := newTestTranscripts(t)
	s := newTestSession()

	require.NoError(t, tr.Begin(ctx, s))
	require.NoError(t, tr.Append(ctx, Event{SessionID: s.ID, Type: EventSessionStarted, Seq: 1, Timestamp: time.Now()}))
	require.NoError(t, tr.Append(ctx, Event{SessionID: s.ID, Type: EventMessage, Content: "hi", Seq: 2, Timestamp: time.Now()}))

	events, err := tr.Events(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "hi", events[1].Content)

	ids, err := tr.List()
	require.NoError(t, err)
	assert.Equal(t, []string{s.ID}, ids)

	require.NoError(t, tr.Delete(s.ID))
	_, err = tr.Events(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTranscriptRejectsUnsafeIDs(t *testing.T) {
	tr := newTestTranscripts(t)
	for _, id := range []string{"", "../x", "a/b", "a\\b"} {
		assert.Error(t, tr.Append(context.Background(), Event{SessionID: id, Type: EventMessage}))
	}
}

func TestTranscriptRecoverClosesOutInterrupted(t *testing.T) {
	ctx := context.Background()
	tr := newTestTranscripts(t)

	finished := newTestSession()
	require.NoError(t, tr.Begin(ctx, finished))
	require.NoError(t, tr.Append(ctx, Event{SessionID: finished.ID, Type: EventSessionStarted, Timestamp: time.Now()}))
	require.NoError(t, tr.Append(ctx, Event{SessionID: finished.ID, Type: EventCompleted, Timestamp: time.Now()}))

	interrupted := newTestSession()
	require.NoError(t, tr.Begin(ctx, interrupted))
	require.NoError(t, tr.Append(ctx, Event{SessionID: interrupted.ID, Type: EventSessionStarted, Timestamp: time.Now()}))
	require.NoError(t, tr.Append(ctx, Event{SessionID: interrupted.ID, Type: EventThinking, Timestamp: time.Now()}))

	// a torn last line is skipped
	f, err := os.OpenFile(filepath.Join(tr.dir, interrupted.ID+".jsonl"), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"event":{"type":"mess`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rec, err := tr.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, rec.Finished, 1)
	require.Len(t, rec.Interrupted, 1)
	assert.Equal(t, StateCompleted, rec.Finished[0].State)
	assert.Equal(t, StateFailed, rec.Interrupted[0].State)
	assert.Equal(t, InterruptedError, rec.Interrupted[0].Error)
	assert.Equal(t, "p1", rec.Interrupted[0].PromptID)

	// the failed event was persisted, so a second pass finds nothing to close
	again, err := tr.Recover(ctx)
	require.NoError(t, err)
	assert.Len(t, again.Finished, 2)
	assert.Empty(t, again.Interrupted)
}

func TestReplayWithoutHeader(t *testing.T) {
	_, _, err := Replay([]TranscriptEntry{{Event: &Event{Type: EventMessage}}})
	assert.Error(t, err)
}
