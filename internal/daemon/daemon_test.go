package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/harun/conductor/internal/config"
	"github.com/harun/conductor/internal/logger"
	"github.com/harun/conductor/pkg/dispatcher"
	"github.com/harun/conductor/pkg/promptstore"
	"github.com/harun/conductor/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

// agentScript answers --version and otherwise reports one message in the
// canonical event format.
const agentScript = `#!/bin/sh
if [ "$1" = "--version" ]; then
  echo "agent 2.1.0"
  exit 0
fi
echo '{"type":"session_started","conversationId":"conv-1"}'
echo '{"type":"message","content":"done"}'
echo '{"type":"completed","content":"done"}'
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	tmpDir := t.TempDir()

	exe := filepath.Join(tmpDir, "agent.sh")
	require.NoError(t, os.WriteFile(exe, []byte(agentScript), 0755))

	cfg := config.DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Agent.Executable = exe
	cfg.Agent.Format = "canonical"
	cfg.Agent.MinVersion = "2.0.0"
	cfg.Gateway.Port = 0
	cfg.Profiles.Watch = false
	cfg.Dispatch.SweepSchedule = "@every 1s"
	cfg.Dispatch.ShutdownTimeoutS = 5
	return cfg
}

// createTestDaemon creates a daemon that runs the scripted agent
func createTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	d, err := New(cfg, log)
	require.NoError(t, err)
	return d
}

func waitPrompt(t *testing.T, store promptstore.Store, id string, status promptstore.Status) *promptstore.Prompt {
	t.Helper()
	var p *promptstore.Prompt
	require.Eventually(t, func() bool {
		got, err := store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		p = got
		return got.Status == status
	}, waitFor, 20*time.Millisecond)
	return p
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	defer d.GetStore().Close()

	assert.NotNil(t, d.GetStore())
	assert.NotNil(t, d.GetSessionManager())
	assert.NotNil(t, d.GetDispatcher())
	assert.NotNil(t, d.GetGatewayServer())
	assert.NotNil(t, d.GetProfiles())
	assert.NotNil(t, d.lifecycle)
	assert.NotNil(t, d.maintenance)
	assert.NotNil(t, d.cleanup)
	assert.Equal(t, filepath.Join(d.GetConfig().DataDir, "prompts"), d.GetConfig().Store.Path)
}

func TestNewRejectsBadAgentFormat(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.Format = "xml"

	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log)
	assert.Error(t, err)
}

func TestNewRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatch.SweepSchedule = "every so often"

	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log)
	assert.ErrorContains(t, err, "dispatch sweep")
}

func TestDaemonStartStop(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	require.NoError(t, d.Start())

	status := d.Status()
	assert.True(t, status.Running)
	assert.NotEmpty(t, status.GatewayAddr)
	assert.FileExists(t, d.GetConfig().PIDFile())

	require.NoError(t, d.Stop())

	status = d.Status()
	assert.False(t, status.Running)
	assert.NoFileExists(t, d.GetConfig().PIDFile())

	assert.Error(t, d.Stop())
}

func TestDaemonStartTwice(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	require.NoError(t, d.Start())
	defer d.Stop()

	assert.Error(t, d.Start())
}

func TestDaemonRefusesLivePIDFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.ApplyDataDir(cfg.DataDir)
	require.NoError(t, os.WriteFile(cfg.PIDFile(), []byte(strconv.Itoa(os.Getppid())), 0644))

	d := createTestDaemon(t, cfg)
	defer d.GetStore().Close()

	err := d.Start()
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.False(t, d.Status().Running)
}

func TestDaemonRunsSubmittedPrompt(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	require.NoError(t, d.Start())
	defer d.Stop()

	res, err := d.GetDispatcher().Submit(context.Background(), dispatcher.SubmitRequest{
		Message:     "summarize the changes",
		ProjectPath: t.TempDir(),
	})
	require.NoError(t, err)

	p := waitPrompt(t, d.GetStore(), res.PromptID, promptstore.StatusCompleted)
	require.NotEmpty(t, p.SessionID)

	s, err := d.GetSessionManager().Get(p.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StateCompleted, s.State)
	assert.Equal(t, "done", s.LastAssistantMessage)
	assert.Equal(t, "conv-1", s.ConversationID)
	assert.FileExists(t, filepath.Join(d.GetConfig().SessionsDir(), s.ID+".jsonl"))
}

func TestDaemonPublishesRecentlyCompletedExpiry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.StickyWindowSeconds = 1
	d := createTestDaemon(t, cfg)
	require.NoError(t, d.Start())
	defer d.Stop()

	relay := d.GetSessionManager().Relay()
	statuses, cancel := relay.SubscribeStatus(8)
	defer cancel()

	res, err := d.GetDispatcher().Submit(context.Background(), dispatcher.SubmitRequest{
		Message:     "short task",
		ProjectPath: t.TempDir(),
	})
	require.NoError(t, err)
	waitPrompt(t, d.GetStore(), res.PromptID, promptstore.StatusCompleted)

	sawRecent := false
	deadline := time.After(waitFor)
	for {
		select {
		case st := <-statuses:
			if st.RecentlyCompleted == 1 {
				sawRecent = true
			}
			if sawRecent && st.RecentlyCompleted == 0 {
				assert.Zero(t, st.Running)
				assert.Empty(t, d.GetSessionManager().Registry().Groups().RecentlyCompleted)
				return
			}
		case <-deadline:
			t.Fatalf("expiry of the recently completed session was never published (saw recent: %v)", sawRecent)
		}
	}
}

func TestDaemonStatusCountsSessions(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	status := d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)

	require.NoError(t, d.Start())
	defer d.Stop()

	time.Sleep(20 * time.Millisecond)
	status = d.Status()
	assert.True(t, status.Running)
	assert.Greater(t, status.Uptime, time.Duration(0))
	assert.Zero(t, status.Queue.Running)
	assert.Zero(t, status.Queue.Queued)
}

// seedPrompt leaves a prompt in the state a crash would: dispatched to a
// session that is recorded in a transcript.
func seedPrompt(t *testing.T, cfg *config.Config, events ...session.EventType) (*promptstore.Prompt, *session.Session) {
	t.Helper()
	ctx := context.Background()

	store, err := promptstore.NewFileStore(cfg.Store.Path, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	p, err := store.Create(ctx, promptstore.CreateRequest{Message: "refactor", ProjectPath: t.TempDir()})
	require.NoError(t, err)
	claimed, err := store.Claim(ctx, p.Scope, time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	s := session.New(claimed)
	_, err = store.Update(ctx, p.ID, promptstore.Patch{
		IfStatus:  promptstore.StatusDispatching,
		Status:    promptstore.Ptr(promptstore.StatusDispatched),
		SessionID: promptstore.Ptr(s.ID),
	})
	require.NoError(t, err)

	transcripts, err := session.NewTranscripts(cfg.SessionsDir(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, transcripts.Begin(ctx, s))
	for _, typ := range events {
		require.NoError(t, transcripts.Append(ctx, session.Event{SessionID: s.ID, Type: typ, Timestamp: time.Now().UTC()}))
	}
	return p, s
}

func TestDaemonRecoversFinishedSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.ApplyDataDir(cfg.DataDir)
	p, s := seedPrompt(t, cfg, session.EventSessionStarted, session.EventCompleted)

	d := createTestDaemon(t, cfg)
	require.NoError(t, d.Start())
	defer d.Stop()

	got, err := d.GetStore().Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, promptstore.StatusCompleted, got.Status)
	assert.Equal(t, s.ID, got.SessionID)

	restored, err := d.GetSessionManager().Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateCompleted, restored.State)
}

func TestDaemonRequeuesInterruptedSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.ApplyDataDir(cfg.DataDir)
	p, s := seedPrompt(t, cfg, session.EventSessionStarted)

	d := createTestDaemon(t, cfg)
	require.NoError(t, d.Start())
	defer d.Stop()

	old, err := d.GetSessionManager().Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateFailed, old.State)
	assert.Equal(t, session.InterruptedError, old.Error)

	// the prompt runs again under a new session
	got := waitPrompt(t, d.GetStore(), p.ID, promptstore.StatusCompleted)
	assert.NotEqual(t, s.ID, got.SessionID)
}

func TestOpenStoreDrivers(t *testing.T) {
	dir := t.TempDir()

	fileStore, err := openStore(context.Background(), config.StoreConfig{Driver: "file", Path: filepath.Join(dir, "prompts")}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &promptstore.FileStore{}, fileStore)
	require.NoError(t, fileStore.Close())

	sqliteStore, err := openStore(context.Background(), config.StoreConfig{Driver: "sqlite", Path: filepath.Join(dir, "prompts.db")}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &promptstore.SQLiteStore{}, sqliteStore)
	require.NoError(t, sqliteStore.Close())

	_, err = openStore(context.Background(), config.StoreConfig{Driver: "bolt"}, zerolog.Nop())
	assert.ErrorContains(t, err, "unknown store driver")
}

func TestRecoverOffline(t *testing.T) {
	cfg := testConfig(t)
	cfg.ApplyDataDir(cfg.DataDir)
	finished, _ := seedPrompt(t, cfg, session.EventSessionStarted, session.EventFailed)
	interrupted, _ := seedPrompt(t, cfg, session.EventSessionStarted)

	report, err := RecoverOffline(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, &RecoveryReport{Finished: 1, Interrupted: 1, Settled: 1, Requeued: 1}, report)

	store, err := promptstore.NewFileStore(cfg.Store.Path, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Get(context.Background(), finished.ID)
	require.NoError(t, err)
	assert.Equal(t, promptstore.StatusFailed, got.Status)

	got, err = store.Get(context.Background(), interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, promptstore.StatusPending, got.Status)
	assert.Equal(t, promptstore.InterruptedError, got.Error)
	assert.Empty(t, got.SessionID)

	// a second pass finds nothing left to do
	report, err = RecoverOffline(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Finished)
	assert.Zero(t, report.Interrupted)
	assert.Zero(t, report.Requeued)
}
