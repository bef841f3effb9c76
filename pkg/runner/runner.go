// Package runner supervises one external agent process per session and
// translates its output into canonical session events.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultKillGrace = 5 * time.Second
	stderrTailBytes  = 16 * 1024
	stderrTailLines  = 5
	maxLineBytes     = 16 * 1024 * 1024
)

var (
	// ErrCancelled is the cause recorded when a session is cancelled.
	ErrCancelled = errors.New("session cancelled")
	// ErrTimedOut is the cause recorded when a session hits its timeout.
	ErrTimedOut = errors.New("session timed out")
)

// RunnerError describes why an agent run failed.
type RunnerError struct {
	SessionID string
	Reason    string
	ExitCode  int
	Stderr    string
	Err       error
}

func (e *RunnerError) Error() string {
	msg := e.Reason
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Stderr)
	}
	return msg
}

func (e *RunnerError) Unwrap() error { return e.Err }

// Emitter receives the events of a session in order.
type Emitter interface {
	Emit(ctx context.Context, sessionID string, evt session.Event) (*session.Session, error)
}

// Config describes the agent executable.
type Config struct {
	Executable string
	Args       []string
	Format     string
	Timeout    time.Duration
	KillGrace  time.Duration
}

// Runner starts agent processes.
type Runner struct {
	cfg           Config
	newTranslator func() Translator
	logger        zerolog.Logger
}

// New validates cfg and returns a runner.
func New(cfg Config, logger zerolog.Logger) (*Runner, error) {
	if cfg.Executable == "" {
		return nil, fmt.Errorf("agent executable is required")
	}
	newTranslator, err := NewTranslatorFunc(cfg.Format)
	if err != nil {
		return nil, err
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	return &Runner{
		cfg:           cfg,
		newTranslator: newTranslator,
		logger:        logger.With().Str("component", "runner").Logger(),
	}, nil
}

// Handle controls a running agent process.
type Handle struct {
	SessionID string

	cancel   context.CancelCauseFunc
	done     chan struct{}
	terminal session.Event
}

// Cancel asks the process to stop. The terminal event follows once the
// process has exited; Cancel itself returns immediately.
func (h *Handle) Cancel() {
	h.cancel(ErrCancelled)
}

// Done is closed after the terminal event was emitted.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Terminal returns the terminal event. Only valid after Done is closed.
func (h *Handle) Terminal() session.Event {
	<-h.done
	return h.terminal
}

// Start spawns the agent for spec. An error means the process never
// started and no event was emitted. Otherwise exactly one terminal event
// is emitted to emit, always after the process has exited.
func (r *Runner) Start(ctx context.Context, spec Spec, emit Emitter) (*Handle, error) {
	if spec.ProjectPath != "" {
		if info, err := os.Stat(spec.ProjectPath); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("project path %q is not a directory", spec.ProjectPath)
		}
	}

	// the process outlives the request that dispatched it
	base := tracing.WithSessionID(tracing.Detach(ctx), spec.SessionID)
	runCtx, cancel := context.WithCancelCause(base)

	timeout := r.cfg.Timeout
	if spec.Profile != nil && spec.Profile.Timeout > 0 {
		timeout = spec.Profile.Timeout
	}
	procCtx := runCtx
	stopTimer := func() {}
	if timeout > 0 {
		var stop context.CancelFunc
		procCtx, stop = context.WithTimeoutCause(runCtx, timeout, ErrTimedOut)
		stopTimer = stop
	}

	args := BuildArgs(r.cfg, spec)
	cmd := exec.CommandContext(procCtx, r.cfg.Executable, args...)
	cmd.Dir = spec.ProjectPath
	cmd.Env = buildEnv(spec)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = r.cfg.KillGrace

	stdout, stdoutWriter := io.Pipe()
	stderr := newTailBuffer(stderrTailBytes)
	cmd.Stdout = stdoutWriter
	cmd.Stderr = stderr

	logger := tracing.LoggerFromContext(base, r.logger)
	if err := cmd.Start(); err != nil {
		stopTimer()
		cancel(err)
		stdoutWriter.Close()
		return nil, fmt.Errorf("start agent: %w", err)
	}
	logger.Info().Int("pid", cmd.Process.Pid).Str("dir", spec.ProjectPath).
		Bool("resume", spec.ConversationID != "").Msg("Agent process started")

	h := &Handle{
		SessionID: spec.SessionID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		stdoutWriter.Close()
		waitErr <- err
	}()

	go r.supervise(base, h, spec, cmd, stdout, stderr, waitErr, procCtx, timeout, emit, func() {
		stopTimer()
		cancel(nil)
	})
	return h, nil
}

// supervise drains the output, then waits for the process and emits the
// single terminal event.
func (r *Runner) supervise(
	ctx context.Context,
	h *Handle,
	spec Spec,
	cmd *exec.Cmd,
	stdout io.ReadCloser,
	stderr *tailBuffer,
	waitErr <-chan error,
	procCtx context.Context,
	timeout time.Duration,
	emit Emitter,
	release func(),
) {
	defer close(h.done)
	defer release()

	ctx, span := tracing.StartSpan(ctx, "conductor.runner", "runner.session",
		attribute.String("session_id", spec.SessionID),
		attribute.String("prompt_id", spec.PromptID))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	translator := r.newTranslator()
	var (
		announceOnce sync.Once
		emitErr      error
	)
	send := func(evt session.Event) {
		if _, err := emit.Emit(ctx, spec.SessionID, evt); err != nil && emitErr == nil {
			emitErr = err
			logger.Warn().Err(err).Str("event", string(evt.Type)).Msg("Event rejected")
		}
	}
	// the session runs from spawn; its conversation id follows once the
	// agent reports one, or falls back to the resume id or a new uuid
	send(session.Event{Type: session.EventSessionStarted})
	announce := func(conversationID string) {
		announceOnce.Do(func() {
			if conversationID == "" {
				conversationID = spec.ConversationID
			}
			if conversationID == "" {
				conversationID = uuid.NewString()
			}
			send(session.Event{Type: session.EventSessionStarted, ConversationID: conversationID})
		})
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		events := translator.Translate(line)
		if events == nil {
			logger.Debug().Int("bytes", len(line)).Msg("No events for agent output line")
		}
		for _, evt := range events {
			if evt.Type == session.EventSessionStarted {
				announce(evt.ConversationID)
				continue
			}
			announce("")
			send(evt)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn().Err(err).Msg("Agent output unreadable")
		// keep the pipe drained so the process is not blocked on write
		_, _ = io.Copy(io.Discard, stdout)
	}

	exitErr := <-waitErr
	announce("")

	terminal := r.outcome(spec, exitErr, context.Cause(procCtx), translator.Outcome(), stderr, timeout)
	h.terminal = terminal
	send(terminal)

	if terminal.Type != session.EventCompleted {
		tracing.RecordError(span, errors.New(terminal.Error))
	}
	span.SetAttributes(attribute.String("outcome", string(terminal.Type)))
	logger.Info().Str("outcome", string(terminal.Type)).Str("error", terminal.Error).Msg("Agent process exited")
}

// outcome maps how the process ended to a terminal event. A cancel request
// wins over everything else, then the timeout, then the exit status.
func (r *Runner) outcome(spec Spec, exitErr, cause error, reported *Outcome, stderr *tailBuffer, timeout time.Duration) session.Event {
	fail := func(e *RunnerError) session.Event {
		e.SessionID = spec.SessionID
		return session.Event{Type: session.EventFailed, Error: e.Error()}
	}

	switch {
	case errors.Is(cause, ErrCancelled):
		return session.Event{Type: session.EventCancelled, Error: "cancelled by user"}
	case errors.Is(cause, ErrTimedOut):
		return fail(&RunnerError{Reason: fmt.Sprintf("timed out after %s", timeout), ExitCode: -1})
	}

	if exitErr != nil {
		code := -1
		var ee *exec.ExitError
		if errors.As(exitErr, &ee) {
			code = ee.ExitCode()
		}
		reason := "agent process failed"
		if reported != nil && reported.IsError && reported.Message != "" {
			reason = reported.Message
		}
		return fail(&RunnerError{Reason: reason, ExitCode: code, Stderr: stderr.Lines(stderrTailLines), Err: exitErr})
	}

	if reported != nil && reported.IsError {
		return fail(&RunnerError{Reason: reported.Message})
	}
	evt := session.Event{Type: session.EventCompleted}
	if reported != nil {
		evt.Content = reported.Message
	}
	return evt
}
