package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(cfg RegistryConfig) (*Registry, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(cfg, zerolog.Nop())
	r.now = clock.now
	return r, clock
}

func TestRegistryLifecycleAndStickyWindow(t *testing.T) {
	r, clock := newTestRegistry(RegistryConfig{StickyWindow: time.Minute})

	s, err := r.Create(newTestSession())
	require.NoError(t, err)
	running, queued := r.Counts()
	assert.Equal(t, 0, running)
	assert.Equal(t, 1, queued)

	_, err = r.Apply(s.ID, &Event{Type: EventSessionStarted})
	require.NoError(t, err)
	g := r.Groups()
	require.Len(t, g.Running, 1)
	assert.Empty(t, g.Queued)

	done, err := r.Apply(s.ID, &Event{Type: EventCompleted})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.State)

	g = r.Groups()
	assert.Empty(t, g.Running)
	require.Len(t, g.RecentlyCompleted, 1)
	assert.Equal(t, s.ID, g.RecentlyCompleted[0].ID)

	clock.advance(59 * time.Second)
	assert.False(t, r.SweepSticky())
	assert.Len(t, r.Groups().RecentlyCompleted, 1)
	assert.Equal(t, 1, r.Recent())

	clock.advance(2 * time.Second)
	assert.Empty(t, r.Groups().RecentlyCompleted)
	assert.Zero(t, r.Recent())
	assert.True(t, r.SweepSticky())

	// still retrievable by id
	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
}

func TestRegistryStickyIgnoresCompletionTimestamp(t *testing.T) {
	r, clock := newTestRegistry(RegistryConfig{StickyWindow: time.Minute})
	s, err := r.Create(newTestSession())
	require.NoError(t, err)

	// a completion timestamp far in the past must not hide the entry
	_, err = r.Apply(s.ID, &Event{Type: EventCompleted, Timestamp: clock.t.Add(-24 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, r.Groups().RecentlyCompleted, 1)
}

func TestRegistryNewCompletionSupersedesSticky(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{})
	first, err := r.Create(newTestSession())
	require.NoError(t, err)
	second, err := r.Create(newTestSession())
	require.NoError(t, err)

	_, err = r.Apply(first.ID, &Event{Type: EventCompleted})
	require.NoError(t, err)
	_, err = r.Apply(second.ID, &Event{Type: EventFailed, Error: "boom"})
	require.NoError(t, err)

	g := r.Groups()
	require.Len(t, g.RecentlyCompleted, 1)
	assert.Equal(t, second.ID, g.RecentlyCompleted[0].ID)
}

func TestRegistryRejectsEventsAfterTerminal(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{})
	s, err := r.Create(newTestSession())
	require.NoError(t, err)
	_, err = r.Apply(s.ID, &Event{Type: EventCancelled})
	require.NoError(t, err)

	_, err = r.Apply(s.ID, &Event{Type: EventMessage, Content: "late"})
	assert.ErrorIs(t, err, ErrSessionTerminal)

	_, err = r.RequestCancel(s.ID)
	assert.ErrorIs(t, err, ErrSessionTerminal)

	_, err = r.Apply("missing", &Event{Type: EventMessage})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistryCancelIntentKeepsRunning(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{})
	s, err := r.Create(newTestSession())
	require.NoError(t, err)
	_, err = r.Apply(s.ID, &Event{Type: EventSessionStarted})
	require.NoError(t, err)

	marked, err := r.RequestCancel(s.ID)
	require.NoError(t, err)
	assert.True(t, marked.CancelRequested)
	assert.Equal(t, StateRunning, marked.State)
}

func TestRegistryHistoryIsBounded(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{HistorySize: 3})
	var ids []string
	for i := 0; i < 5; i++ {
		s := newTestSession()
		s.ID = fmt.Sprintf("s%d", i)
		_, err := r.Create(s)
		require.NoError(t, err)
		_, err = r.Apply(s.ID, &Event{Type: EventCompleted})
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}

	history := r.History(0)
	require.Len(t, history, 3)
	assert.Equal(t, "s4", history[0].ID)

	_, err := r.Get(ids[0])
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Len(t, r.History(2), 2)
}

func TestRegistryCreateDuplicate(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{})
	s := newTestSession()
	_, err := r.Create(s)
	require.NoError(t, err)
	_, err = r.Create(s)
	assert.ErrorIs(t, err, ErrSessionExists)
}
