package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/profiles"
	"github.com/harun/conductor/pkg/promptstore"
	"github.com/harun/conductor/pkg/runner"
	"github.com/harun/conductor/pkg/session"
	"go.opentelemetry.io/otel/attribute"
)

// attempt claims the next prompt of scope and starts its session. It
// returns a nil prompt when nothing was claimable. A non-nil error with a
// prompt means that prompt was claimed but could not be started.
func (d *Dispatcher) attempt(ctx context.Context, scope string) (*promptstore.Prompt, *session.Session, error) {
	l := d.lane(scope)
	l.mu.Lock()
	defer l.mu.Unlock()

	if d.isClosing() {
		return nil, nil, nil
	}

	ctx, span := tracing.StartSpan(ctx, "conductor.dispatcher", "dispatcher.attempt",
		attribute.String("scope", scope))
	defer span.End()
	ctx = tracing.WithScope(ctx, scope)

	p, err := d.store.Claim(ctx, scope, d.now())
	if err != nil {
		observability.RecordDispatchAttempt("error")
		logger := tracing.LoggerFromContext(ctx, d.logger)
		logger.Error().Err(err).Msg("Claim failed")
		return nil, nil, tracing.RecordError(span, fmt.Errorf("claim: %w", err))
	}
	if p == nil {
		return nil, nil, nil
	}

	ctx = tracing.WithPromptID(ctx, p.ID)
	span.SetAttributes(attribute.String("prompt_id", p.ID), attribute.Int("attempt", p.Attempts))
	logger := tracing.LoggerFromContext(ctx, d.logger)

	var profile *profiles.Profile
	if p.ModelProfileID != "" {
		resolved, err := d.resolveProfile(p.ModelProfileID)
		if err != nil {
			// the profile vanished after submit; retrying cannot help
			d.failPrompt(ctx, p, err.Error())
			observability.RecordDispatchAttempt("rejected")
			return p, nil, tracing.RecordError(span, err)
		}
		profile = &resolved
	}

	created, err := d.sessions.Create(ctx, session.New(p))
	if err != nil {
		derr := &DispatchError{PromptID: p.ID, Attempts: p.Attempts, Err: err}
		d.revert(ctx, p, derr)
		return p, nil, tracing.RecordError(span, derr)
	}
	ctx = tracing.WithSessionID(ctx, created.ID)

	// link the session before launch; a fast process can finish before
	// Launch returns and its outcome must find the prompt
	if _, err := d.store.Update(ctx, p.ID, promptstore.Patch{
		IfStatus:  promptstore.StatusDispatching,
		SessionID: promptstore.Ptr(created.ID),
	}); err != nil {
		derr := &DispatchError{PromptID: p.ID, Attempts: p.Attempts, Err: err}
		d.revert(ctx, p, derr)
		d.abandon(ctx, created.ID, derr)
		return p, nil, tracing.RecordError(span, derr)
	}

	spec := runner.Spec{
		SessionID:      created.ID,
		PromptID:       p.ID,
		Message:        p.Message,
		Context:        p.Context,
		ProjectPath:    p.ProjectPath,
		ConversationID: p.ConversationID,
		Profile:        profile,
	}
	proc, err := d.launcher.Launch(ctx, spec, d.sessions)
	if err != nil {
		derr := &DispatchError{PromptID: p.ID, Attempts: p.Attempts, Err: err}
		d.revert(ctx, p, derr)
		d.abandon(ctx, created.ID, derr)
		return p, nil, tracing.RecordError(span, derr)
	}

	d.mu.Lock()
	d.running[created.ID] = &run{promptID: p.ID, scope: scope, proc: proc}
	d.mu.Unlock()

	// a process that exited inside Launch was finished before it was tracked
	if s, err := d.sessions.Get(created.ID); err == nil && s.State.Terminal() {
		d.mu.Lock()
		delete(d.running, created.ID)
		d.mu.Unlock()
	}

	updated, err := d.store.Update(ctx, p.ID, promptstore.Patch{
		IfStatus:   promptstore.StatusDispatching,
		Status:     promptstore.Ptr(promptstore.StatusDispatched),
		Error:      promptstore.Ptr(""),
		RetryAfter: &time.Time{},
	})
	switch {
	case errors.Is(err, promptstore.ErrStatusConflict):
		// the session already finished and wrote its outcome
	case err != nil:
		logger.Error().Err(err).Msg("Failed to mark prompt dispatched")
	default:
		p = updated
	}

	// a cancel that arrived between create and launch had no process to stop
	if s, err := d.sessions.Get(created.ID); err == nil && s.CancelRequested && !s.State.Terminal() {
		proc.Cancel()
	}

	observability.RecordDispatchAttempt("started")
	observability.RecordPromptAudit(ctx, p.ID, "dispatch", string(promptstore.StatusDispatched), map[string]interface{}{
		"session_id": created.ID,
		"attempt":    p.Attempts,
	})
	logger.Info().Int("attempt", p.Attempts).Msg("Session dispatched")
	return p, created, nil
}

func (d *Dispatcher) resolveProfile(id string) (profiles.Profile, error) {
	if d.profiles == nil {
		return profiles.Profile{}, fmt.Errorf("%w: %s", profiles.ErrUnknownProfile, id)
	}
	return d.profiles.Get(id)
}

// retryDelay is base*2^(attempts-1), capped at the configured maximum.
func (d *Dispatcher) retryDelay(attempts int) time.Duration {
	delay := d.cfg.RetryBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.cfg.RetryMax {
			return d.cfg.RetryMax
		}
	}
	return delay
}

// revert returns a prompt whose launch failed to pending with a backoff,
// or fails it once it has used up its attempts.
func (d *Dispatcher) revert(ctx context.Context, p *promptstore.Prompt, derr *DispatchError) {
	logger := tracing.LoggerFromContext(ctx, d.logger)
	observability.RecordDispatchAttempt("spawn_failed")

	if p.Attempts >= d.cfg.MaxAttempts {
		logger.Error().Err(derr).Int("attempts", p.Attempts).Msg("Giving up on prompt")
		d.failPrompt(ctx, p, fmt.Sprintf("giving up after %d attempts: %v", p.Attempts, derr.Err))
		return
	}

	delay := d.retryDelay(p.Attempts)
	_, err := d.store.Update(ctx, p.ID, promptstore.Patch{
		IfStatus:   promptstore.StatusDispatching,
		Status:     promptstore.Ptr(promptstore.StatusPending),
		SessionID:  promptstore.Ptr(""),
		Error:      promptstore.Ptr(derr.Error()),
		RetryAfter: promptstore.Ptr(d.now().Add(delay)),
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to revert prompt to pending")
		return
	}
	observability.RecordPromptAudit(ctx, p.ID, "dispatch", "retry", map[string]interface{}{
		"attempt": p.Attempts,
		"error":   derr.Err.Error(),
		"delay":   delay.String(),
	})
	logger.Warn().Err(derr).Dur("retry_in", delay).Msg("Dispatch failed, prompt back in queue")
	d.scheduleRetry(p.Scope, delay)
}

func (d *Dispatcher) failPrompt(ctx context.Context, p *promptstore.Prompt, reason string) {
	_, err := d.store.Update(ctx, p.ID, promptstore.Patch{
		IfStatus:   promptstore.StatusDispatching,
		Status:     promptstore.Ptr(promptstore.StatusFailed),
		SessionID:  promptstore.Ptr(""),
		Error:      promptstore.Ptr(reason),
		RetryAfter: &time.Time{},
	})
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, d.logger)
		logger.Error().Err(err).Msg("Failed to mark prompt failed")
		return
	}
	observability.RecordPromptAudit(ctx, p.ID, "dispatch", string(promptstore.StatusFailed), map[string]interface{}{
		"error": reason,
	})
}

// abandon closes out a session whose process never started, so it does
// not linger as queued. The prompt was already reverted and no longer
// points at the session.
func (d *Dispatcher) abandon(ctx context.Context, sessionID string, cause error) {
	_, err := d.sessions.Emit(ctx, sessionID, session.Event{
		Type:  session.EventFailed,
		Error: cause.Error(),
	})
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, d.logger)
		logger.Warn().Err(err).Msg("Failed to close abandoned session")
	}
}

// sessionFinished writes a session outcome back to its prompt and frees
// the scope for the next prompt.
func (d *Dispatcher) sessionFinished(s *session.Session) {
	d.mu.Lock()
	_, tracked := d.running[s.ID]
	delete(d.running, s.ID)
	closing := d.closing
	d.mu.Unlock()

	ctx := tracing.WithSessionID(tracing.WithPromptID(d.ctx, s.PromptID), s.ID)
	if closing {
		// the store must still be written while shutting down
		ctx = tracing.Detach(ctx)
	}
	logger := tracing.LoggerFromContext(ctx, d.logger)

	status := promptstore.Status(s.State)
	reason := s.Error
	if closing && tracked && s.State == session.StateCancelled && !s.CancelRequested {
		// stopped by shutdown rather than by the user
		status = promptstore.StatusPending
		reason = promptstore.InterruptedError
	}

	for i := 0; i < 3; i++ {
		p, err := d.store.Get(ctx, s.PromptID)
		if err != nil {
			if !errors.Is(err, promptstore.ErrPromptNotFound) {
				logger.Error().Err(err).Msg("Failed to load prompt of finished session")
			}
			break
		}
		if !p.Status.InFlight() || p.SessionID != s.ID {
			break
		}
		patch := promptstore.Patch{
			IfStatus: p.Status,
			Status:   promptstore.Ptr(status),
			Error:    promptstore.Ptr(reason),
		}
		if status == promptstore.StatusPending {
			patch.SessionID = promptstore.Ptr("")
		}
		_, err = d.store.Update(ctx, p.ID, patch)
		if errors.Is(err, promptstore.ErrStatusConflict) {
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("Failed to record session outcome on prompt")
			break
		}
		observability.RecordPromptAudit(ctx, p.ID, "finish", string(status), map[string]interface{}{
			"session_id": s.ID,
			"error":      reason,
		})
		break
	}

	d.publishStatus(ctx, s.Scope)
	d.Trigger(s.Scope)
}

// RefreshStatus republishes the queue status, for changes that happen
// outside a dispatch or a session outcome.
func (d *Dispatcher) RefreshStatus(ctx context.Context) {
	d.publishStatus(ctx, "")
}

// publishStatus refreshes the queue gauges and the aggregate channel.
func (d *Dispatcher) publishStatus(ctx context.Context, scope string) {
	if ctx.Err() != nil {
		ctx = tracing.Detach(ctx)
	}
	pending := []promptstore.Status{promptstore.StatusPending}

	if scope != "" {
		if res, err := d.store.List(ctx, promptstore.Filter{Statuses: pending, Scope: scope}, promptstore.Page{Limit: 1}); err == nil {
			observability.SetQueueSize(scope, res.Total)
		}
	}
	status, err := d.Status(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to compute queue status")
		return
	}
	d.sessions.Relay().PublishStatus(status)
}

// Status returns the current queue counts. Queued counts pending prompts;
// running counts sessions that were dispatched and have not finished.
func (d *Dispatcher) Status(ctx context.Context) (session.QueueStatus, error) {
	res, err := d.store.List(ctx, promptstore.Filter{Statuses: []promptstore.Status{promptstore.StatusPending}}, promptstore.Page{Limit: 1})
	if err != nil {
		return session.QueueStatus{}, err
	}
	running, queued := d.sessions.Registry().Counts()
	return session.QueueStatus{
		Running:           running + queued,
		Queued:            res.Total,
		RecentlyCompleted: d.sessions.Registry().Recent(),
		Timestamp:         d.now().UTC(),
	}, nil
}
