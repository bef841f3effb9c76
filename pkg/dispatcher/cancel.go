package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/promptstore"
	"github.com/harun/conductor/pkg/session"
)

// CancelResult reports how a cancel request was handled.
type CancelResult struct {
	PromptID string `json:"promptId"`
	// Removed is true when the prompt was still queued and was deleted.
	Removed bool `json:"removed"`
	// SessionID is the session asked to stop. Its cancelled event follows
	// once the process has exited.
	SessionID string `json:"sessionId,omitempty"`
}

// CancelPrompt removes a queued prompt, or asks the session of a
// dispatched one to stop.
func (d *Dispatcher) CancelPrompt(ctx context.Context, id string) (*CancelResult, error) {
	ctx = tracing.WithPromptID(ctx, id)
	logger := tracing.LoggerFromContext(ctx, d.logger)

	for {
		p, err := d.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		switch {
		case p.Status == promptstore.StatusPending:
			removed, err := d.store.DeleteIf(ctx, id, promptstore.StatusPending)
			if errors.Is(err, promptstore.ErrStatusConflict) {
				// claimed in the meantime
				continue
			}
			if err != nil {
				return nil, err
			}
			if !removed {
				return nil, fmt.Errorf("%w: %s", promptstore.ErrPromptNotFound, id)
			}
			observability.RecordPromptAudit(ctx, id, "cancel", "removed", nil)
			logger.Info().Msg("Queued prompt removed")
			d.publishStatus(ctx, p.Scope)
			return &CancelResult{PromptID: id, Removed: true}, nil

		case p.Status.InFlight():
			if p.SessionID == "" {
				return nil, fmt.Errorf("%w: %s", ErrPromptBusy, id)
			}
			if _, err := d.CancelSession(ctx, p.SessionID); err != nil {
				return nil, err
			}
			return &CancelResult{PromptID: id, SessionID: p.SessionID}, nil

		default:
			return nil, fmt.Errorf("%w: %s is %s", ErrPromptFinished, id, p.Status)
		}
	}
}

// CancelSession records cancel intent and signals the process. It returns
// at once; the session stays running until the runner confirms the exit.
func (d *Dispatcher) CancelSession(ctx context.Context, id string) (*session.Session, error) {
	ctx = tracing.WithSessionID(ctx, id)
	s, err := d.sessions.RequestCancel(id)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	r := d.running[id]
	d.mu.Unlock()
	if r != nil {
		r.proc.Cancel()
	}

	observability.RecordSessionAudit(ctx, id, "cancel", "requested", map[string]interface{}{
		"prompt_id": s.PromptID,
	})
	logger := tracing.LoggerFromContext(ctx, d.logger)
	logger.Info().Bool("signalled", r != nil).Msg("Session cancel requested")
	return s, nil
}
