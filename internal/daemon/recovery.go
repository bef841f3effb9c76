package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/conductor/internal/config"
	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/promptstore"
	"github.com/harun/conductor/pkg/session"
	"github.com/rs/zerolog"
)

// RecoveryReport counts what Recover changed.
type RecoveryReport struct {
	// Finished sessions rebuilt from transcripts with their own outcome.
	Finished int
	// Interrupted sessions closed out as failed.
	Interrupted int
	// Settled prompts that took the outcome of their finished session.
	Settled int
	// Requeued prompts that returned to pending.
	Requeued int
}

// Recover restores state left by a previous run, in order:
//  1. session history is rebuilt from transcripts; sessions without a
//     terminal event are closed out as failed,
//  2. prompts whose session finished get that session's outcome,
//  3. every other dispatching or dispatched prompt returns to pending.
//
// transcripts and sessions may be nil. It must run before dispatching starts.
func Recover(ctx context.Context, store promptstore.Store, transcripts *session.Transcripts, sessions *session.Manager, logger zerolog.Logger) (*RecoveryReport, error) {
	ctx, span := tracing.StartSpan(ctx, "conductor.daemon", "daemon.recover")
	defer span.End()
	logger = tracing.LoggerFromContext(ctx, logger)

	report := &RecoveryReport{}
	if transcripts != nil {
		rec, err := transcripts.Recover(ctx)
		if err != nil {
			return nil, tracing.RecordError(span, fmt.Errorf("failed to recover transcripts: %w", err))
		}
		if sessions != nil {
			sessions.Restore(rec)
		}
		report.Finished = len(rec.Finished)
		report.Interrupted = len(rec.Interrupted)

		for _, s := range rec.Finished {
			ok, err := settlePrompt(ctx, store, s)
			if err != nil {
				logger.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to settle prompt of finished session")
				continue
			}
			if ok {
				report.Settled++
			}
		}
		logger.Info().
			Int("finished", report.Finished).
			Int("interrupted", report.Interrupted).
			Int("settled", report.Settled).
			Msg("Session history recovered")
	}

	n, err := store.RecoverInterrupted(ctx)
	if err != nil {
		return nil, tracing.RecordError(span, fmt.Errorf("failed to recover prompts: %w", err))
	}
	report.Requeued = n
	observability.RecordPromptsRecovered(n)
	if n > 0 {
		observability.GetAuditLogger().Record(ctx, observability.AuditEvent{
			Type:     "prompt",
			Actor:    "daemon",
			Action:   "prompt.recovered",
			Status:   "success",
			Metadata: map[string]interface{}{"count": n},
		})
		logger.Info().Int("prompts", n).Msg("Interrupted prompts returned to the queue")
	}
	return report, nil
}

func (d *Daemon) recoverState(ctx context.Context) error {
	_, err := Recover(ctx, d.store, d.transcripts, d.sessions, d.logger.GetZerolog())
	return err
}

// settlePrompt records the outcome of a session that finished before the
// previous run could write it to the prompt. It reports whether the prompt
// changed.
func settlePrompt(ctx context.Context, store promptstore.Store, s *session.Session) (bool, error) {
	if s.PromptID == "" || !s.State.Terminal() {
		return false, nil
	}
	p, err := store.Get(ctx, s.PromptID)
	if errors.Is(err, promptstore.ErrPromptNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !p.Status.InFlight() || p.SessionID != s.ID {
		return false, nil
	}

	_, err = store.Update(ctx, p.ID, promptstore.Patch{
		IfStatus: p.Status,
		Status:   promptstore.Ptr(promptstore.Status(s.State)),
		Error:    promptstore.Ptr(s.Error),
	})
	if errors.Is(err, promptstore.ErrStatusConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecoverOffline runs Recover against the stores named by the daemon's
// configuration without starting it.
func RecoverOffline(ctx context.Context, c *config.Config, logger zerolog.Logger) (*RecoveryReport, error) {
	if IsRunning(c.PIDFile()) {
		return nil, ErrAlreadyRunning
	}

	store, err := openStore(ctx, c.Store, logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	var transcripts *session.Transcripts
	if c.Session.Transcripts {
		transcripts, err = session.NewTranscripts(c.SessionsDir(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open transcripts: %w", err)
		}
	}
	return Recover(ctx, store, transcripts, nil, logger)
}
