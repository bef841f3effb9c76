package client

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/conductor/pkg/dispatcher"
	"github.com/harun/conductor/pkg/gateway"
	"github.com/harun/conductor/pkg/promptstore"
	"github.com/harun/conductor/pkg/runner"
	"github.com/harun/conductor/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "s3cret"
	waitFor    = 5 * time.Second
)

// agent stands in for a launched agent process; the test drives its events.
type agent struct {
	spec runner.Spec
	emit runner.Emitter
	done chan struct{}
	once sync.Once
}

func (a *agent) send(evt session.Event) {
	_, _ = a.emit.Emit(context.Background(), a.spec.SessionID, evt)
}

func (a *agent) finish(typ session.EventType) {
	a.once.Do(func() {
		a.send(session.Event{Type: typ})
		close(a.done)
	})
}

func (a *agent) Cancel()               { go a.finish(session.EventCancelled) }
func (a *agent) Done() <-chan struct{} { return a.done }

type testGateway struct {
	url      string
	launched chan *agent
	project  string
	// conversation ids reported by the next launched agents
	reports chan string
	// quiet agents leave session_started to the test
	quiet atomic.Bool
}

// newTestGateway runs a real gateway over a file store with scripted agents.
func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	store, err := promptstore.NewFileStore(filepath.Join(t.TempDir(), "prompts"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mgr := session.NewManager(session.NewRegistry(session.RegistryConfig{}, zerolog.Nop()), session.NewRelay(16), nil, zerolog.Nop())
	tg := &testGateway{
		launched: make(chan *agent, 8),
		reports:  make(chan string, 8),
		project:  t.TempDir(),
	}
	launch := dispatcher.LaunchFunc(func(ctx context.Context, spec runner.Spec, emit runner.Emitter) (dispatcher.Process, error) {
		a := &agent{spec: spec, emit: emit, done: make(chan struct{})}
		conv := spec.ConversationID
		select {
		case conv = <-tg.reports:
		default:
		}
		if !tg.quiet.Load() {
			a.send(session.Event{Type: session.EventSessionStarted, ConversationID: conv})
		}
		tg.launched <- a
		return a, nil
	})
	d := dispatcher.New(store, mgr, launch, nil, dispatcher.DefaultConfig(), zerolog.Nop())

	srv, err := gateway.NewServer(gateway.Config{
		SharedSecret: testSecret,
		TickInterval: time.Hour,
		Dispatcher:   d,
		Store:        store,
		Sessions:     mgr,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	// port 0 binds a free port; Start also runs the status pump
	require.NoError(t, srv.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = srv.Stop(ctx)
		_ = d.Shutdown(ctx)
	})

	tg.url = "http://" + srv.Addr()
	return tg
}

func (tg *testGateway) nextLaunch(t *testing.T) *agent {
	t.Helper()
	select {
	case a := <-tg.launched:
		return a
	case <-time.After(waitFor):
		t.Fatal("agent was not launched")
		return nil
	}
}

func newTestClient(t *testing.T, url, secret string) *Client {
	t.Helper()
	c, err := New(Config{URL: url, Secret: secret, RequestTimeout: waitFor, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return c
}
