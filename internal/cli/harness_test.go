package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/conductor/pkg/dispatcher"
	"github.com/harun/conductor/pkg/gateway"
	"github.com/harun/conductor/pkg/promptstore"
	"github.com/harun/conductor/pkg/runner"
	"github.com/harun/conductor/pkg/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "cli-secret"
	waitFor    = 5 * time.Second
)

// scriptedAgent answers by message: "fail" fails, "hold" runs until
// cancelled, anything else replies and completes.
type scriptedAgent struct {
	spec runner.Spec
	emit runner.Emitter
	done chan struct{}
	once sync.Once
}

func (a *scriptedAgent) send(evt session.Event) {
	_, _ = a.emit.Emit(context.Background(), a.spec.SessionID, evt)
}

func (a *scriptedAgent) finish(evt session.Event) {
	a.once.Do(func() {
		a.send(evt)
		close(a.done)
	})
}

func (a *scriptedAgent) run() {
	a.send(session.Event{Type: session.EventSessionStarted, ConversationID: "conv-" + a.spec.PromptID})
	switch {
	case strings.Contains(a.spec.Message, "hold"):
		a.send(session.Event{Type: session.EventToolUse, Tool: "Read"})
	case strings.Contains(a.spec.Message, "fail"):
		a.finish(session.Event{Type: session.EventFailed, Error: "agent exited with status 2"})
	default:
		a.send(session.Event{Type: session.EventMessage, Content: "reply to " + a.spec.Message})
		a.finish(session.Event{Type: session.EventCompleted})
	}
}

func (a *scriptedAgent) Cancel() {
	go a.finish(session.Event{Type: session.EventCancelled, Error: "cancelled"})
}

func (a *scriptedAgent) Done() <-chan struct{} { return a.done }

type testGateway struct {
	url     string
	store   promptstore.Store
	project string
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	store, err := promptstore.NewFileStore(filepath.Join(t.TempDir(), "prompts"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mgr := session.NewManager(session.NewRegistry(session.RegistryConfig{}, zerolog.Nop()), session.NewRelay(16), nil, zerolog.Nop())
	launch := dispatcher.LaunchFunc(func(ctx context.Context, spec runner.Spec, emit runner.Emitter) (dispatcher.Process, error) {
		a := &scriptedAgent{spec: spec, emit: emit, done: make(chan struct{})}
		go a.run()
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
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = srv.Stop(ctx)
		_ = d.Shutdown(ctx)
	})

	return &testGateway{url: "http://" + srv.Addr(), store: store, project: t.TempDir()}
}

// resetFlags restores every flag to its default; the command tree is
// package state shared by all tests.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// bindContext hands ctx to every command. Cobra only fills a subcommand's
// context when it is unset, so a reused tree would otherwise keep the
// context of its first execution.
func bindContext(cmd *cobra.Command, ctx context.Context) {
	cmd.SetContext(ctx)
	for _, c := range cmd.Commands() {
		bindContext(c, ctx)
	}
}

// run executes the CLI with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return execute(t, waitFor, "", args...)
}

func runWithInput(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	return execute(t, waitFor, stdin, args...)
}

// execute runs the CLI until it returns or timeout cancels its context.
func execute(t *testing.T, timeout time.Duration, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	resetFlags(cmd)
	t.Cleanup(func() { resetFlags(cmd) })

	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	bindContext(cmd, ctx)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// gatewayArgs points a command at tg.
func (tg *testGateway) args(args ...string) []string {
	return append(args, "--url", tg.url, "--secret", testSecret)
}

func (tg *testGateway) waitStatus(t *testing.T, id string, status promptstore.Status) *promptstore.Prompt {
	t.Helper()
	var p *promptstore.Prompt
	require.Eventually(t, func() bool {
		var err error
		p, err = tg.store.Get(context.Background(), id)
		return err == nil && p.Status == status
	}, waitFor, 10*time.Millisecond)
	return p
}
