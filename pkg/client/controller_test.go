package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/conductor/pkg/promptstore"
	"github.com/harun/conductor/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder keeps the projections handed to OnChange.
type recorder struct {
	mu    sync.Mutex
	last  Projection
	count int
}

func (r *recorder) onChange(p Projection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = p
	r.count++
}

func (r *recorder) latest() Projection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func startController(t *testing.T, tg *testGateway) (*Controller, *recorder) {
	t.Helper()
	rec := &recorder{}
	ctrl := NewController(newTestClient(t, tg.url, testSecret), rec.onChange, ControllerConfig{
		Backoff:       NewBackoff(5*time.Millisecond, 20*time.Millisecond),
		StreamBackoff: func() *Backoff { return NewBackoff(5*time.Millisecond, 20*time.Millisecond) },
		Logger:        zerolog.Nop(),
	})
	ctrl.Start(context.Background())
	t.Cleanup(ctrl.Stop)
	return ctrl, rec
}

func TestController_SubmitRequiresIntent(t *testing.T) {
	ctrl := NewController(nil, nil, ControllerConfig{})

	_, err := ctrl.Submit(context.Background(), SubmitInput{Message: "x"}, Intent(0))
	assert.ErrorIs(t, err, ErrIntentRequired)

	_, err = ctrl.Submit(context.Background(), SubmitInput{Message: "x"}, Intent(7))
	assert.ErrorIs(t, err, ErrIntentRequired)
}

func TestController_ContinueAdoptsReportedConversation(t *testing.T) {
	tg := newTestGateway(t)
	ctrl, rec := startController(t, tg)
	ctrl.SetConversationID("conv-0")

	tg.reports <- "conv-1"
	_, err := ctrl.Submit(context.Background(), SubmitInput{Message: "next step", ProjectPath: tg.project}, IntentContinue)
	require.NoError(t, err)

	a := tg.nextLaunch(t)
	assert.Equal(t, "conv-0", a.spec.ConversationID)

	require.Eventually(t, func() bool {
		return ctrl.ConversationID() == "conv-1"
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return rec.latest().ConversationID == "conv-1"
	}, waitFor, 10*time.Millisecond)
}

func TestController_FreshLeavesConversationAlone(t *testing.T) {
	tg := newTestGateway(t)
	ctrl, _ := startController(t, tg)
	ctrl.SetConversationID("main")

	tg.reports <- "side"
	_, err := ctrl.Submit(context.Background(), SubmitInput{Message: "quick question", ProjectPath: tg.project}, IntentFresh)
	require.NoError(t, err)

	a := tg.nextLaunch(t)
	assert.Empty(t, a.spec.ConversationID)

	require.Eventually(t, func() bool {
		p := ctrl.Snapshot()
		return len(p.Running) == 1 && p.Running[0].ConversationID == "side"
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, "main", ctrl.ConversationID())
}

func TestController_TracksSessionLifecycle(t *testing.T) {
	tg := newTestGateway(t)
	ctrl, rec := startController(t, tg)

	_, err := ctrl.Submit(context.Background(), SubmitInput{Message: "first", ProjectPath: tg.project}, IntentFresh)
	require.NoError(t, err)
	a := tg.nextLaunch(t)

	second, err := ctrl.Submit(context.Background(), SubmitInput{Message: "second", ProjectPath: tg.project}, IntentFresh)
	require.NoError(t, err)

	snap := ctrl.Snapshot()
	require.Len(t, snap.Running, 1)
	assert.Equal(t, a.spec.SessionID, snap.Running[0].ID)
	statuses := map[string]promptstore.Status{}
	for _, p := range snap.Prompts {
		statuses[p.ID] = p.Status
	}
	assert.Equal(t, promptstore.StatusPending, statuses[second.PromptID])
	assert.True(t, statuses[a.spec.PromptID].InFlight())

	// progress arrives over the session's stream
	require.Eventually(t, func() bool {
		a.send(session.Event{Type: session.EventToolUse, Tool: "Read"})
		p := rec.latest()
		return len(p.Running) == 1 && p.Running[0].CurrentActivity == "Using Read…"
	}, waitFor, 20*time.Millisecond)

	a.send(session.Event{Type: session.EventMessage, Content: "all done"})
	a.finish(session.EventCompleted)

	// the terminal event closes the stream and a refetch picks up the next session
	b := tg.nextLaunch(t)
	require.Eventually(t, func() bool {
		p := rec.latest()
		if len(p.Running) != 1 || p.Running[0].ID != b.spec.SessionID {
			return false
		}
		for _, s := range p.RecentlyCompleted {
			if s.ID == a.spec.SessionID {
				return s.State == session.StateCompleted && s.LastAssistantMessage == "all done"
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return rec.latest().Status.Running == 1 && rec.latest().Status.Queued == 0
	}, waitFor, 10*time.Millisecond)
	assert.True(t, rec.latest().Connected)
}

func TestController_FollowsSessionThatStartsLate(t *testing.T) {
	tg := newTestGateway(t)
	tg.quiet.Store(true)
	ctrl, rec := startController(t, tg)

	_, err := ctrl.Submit(context.Background(), SubmitInput{Message: "slow start", ProjectPath: tg.project}, IntentFresh)
	require.NoError(t, err)
	a := tg.nextLaunch(t)

	require.Eventually(t, func() bool {
		p := ctrl.Snapshot()
		return len(p.Queued) == 1 && p.Queued[0].ID == a.spec.SessionID && len(p.Running) == 0
	}, waitFor, 10*time.Millisecond)

	a.send(session.Event{Type: session.EventSessionStarted, ConversationID: "late"})
	a.send(session.Event{Type: session.EventToolUse, Tool: "Read"})

	require.Eventually(t, func() bool {
		p := rec.latest()
		return len(p.Queued) == 0 && len(p.Running) == 1 &&
			p.Running[0].ID == a.spec.SessionID &&
			p.Running[0].ConversationID == "late" &&
			p.Running[0].CurrentActivity == "Using Read…"
	}, waitFor, 10*time.Millisecond)

	a.finish(session.EventCompleted)
	require.Eventually(t, func() bool {
		p := rec.latest()
		return len(p.Running) == 0 && len(p.RecentlyCompleted) == 1
	}, waitFor, 10*time.Millisecond)
}

func TestController_CancelPendingUntilSessionEnds(t *testing.T) {
	tg := newTestGateway(t)
	ctrl, rec := startController(t, tg)

	_, err := ctrl.Submit(context.Background(), SubmitInput{Message: "long job", ProjectPath: tg.project}, IntentFresh)
	require.NoError(t, err)
	a := tg.nextLaunch(t)

	require.NoError(t, ctrl.CancelSession(context.Background(), a.spec.SessionID))

	require.Eventually(t, func() bool {
		p := rec.latest()
		if p.CancelPending[a.spec.SessionID] || len(p.Running) != 0 {
			return false
		}
		for _, s := range p.RecentlyCompleted {
			if s.ID == a.spec.SessionID {
				return s.State == session.StateCancelled
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)
}

func TestController_CancelQueuedPrompt(t *testing.T) {
	tg := newTestGateway(t)
	ctrl, _ := startController(t, tg)

	_, err := ctrl.Submit(context.Background(), SubmitInput{Message: "busy", ProjectPath: tg.project}, IntentFresh)
	require.NoError(t, err)
	tg.nextLaunch(t)

	queued, err := ctrl.Submit(context.Background(), SubmitInput{Message: "waiting", ProjectPath: tg.project}, IntentFresh)
	require.NoError(t, err)

	res, err := ctrl.CancelPrompt(context.Background(), queued.PromptID)
	require.NoError(t, err)
	assert.True(t, res.Removed)

	for _, p := range ctrl.Snapshot().Prompts {
		assert.NotEqual(t, queued.PromptID, p.ID)
	}
}

func TestController_AggregateReconnectsWithBackoff(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			dials.Add(1)
		}
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	rec := &recorder{}
	backoff := NewBackoff(time.Millisecond, 4*time.Millisecond)
	ctrl := NewController(newTestClient(t, srv.URL, testSecret), rec.onChange, ControllerConfig{
		Backoff: backoff,
		Logger:  zerolog.Nop(),
	})
	ctrl.Start(context.Background())
	defer ctrl.Stop()

	require.Eventually(t, func() bool { return dials.Load() >= 3 }, waitFor, 5*time.Millisecond)
	assert.Greater(t, backoff.Attempts(), 0)
	assert.False(t, ctrl.Snapshot().Connected)
}
