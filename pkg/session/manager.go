package session

import (
	"context"
	"errors"
	"sync"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/rs/zerolog"
)

// Manager ties the registry, the relay and the transcripts together. Every
// event flows registry first, then transcript, then subscribers, so a
// subscriber never sees an event the registry rejected.
type Manager struct {
	registry    *Registry
	relay       *Relay
	transcripts *Transcripts
	logger      zerolog.Logger

	mu        sync.RWMutex
	listeners []func(*Session)
}

// NewManager wires the parts. transcripts may be nil to disable them.
func NewManager(registry *Registry, relay *Relay, transcripts *Transcripts, logger zerolog.Logger) *Manager {
	observability.EnsureRegistered()
	return &Manager{
		registry:    registry,
		relay:       relay,
		transcripts: transcripts,
		logger:      logger.With().Str("component", "session_manager").Logger(),
	}
}

func (m *Manager) Registry() *Registry { return m.registry }
func (m *Manager) Relay() *Relay       { return m.relay }

// OnTerminal registers fn to run after a session reaches a terminal state.
// Listeners run synchronously in registration order.
func (m *Manager) OnTerminal(fn func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Create registers a queued session and writes its transcript header.
func (m *Manager) Create(ctx context.Context, s *Session) (*Session, error) {
	created, err := m.registry.Create(s)
	if err != nil {
		return nil, err
	}
	if m.transcripts != nil {
		if err := m.transcripts.Begin(ctx, created); err != nil {
			logger := tracing.LoggerFromContext(ctx, m.logger)
			logger.Warn().Err(err).
				Str("session_id", created.ID).Msg("Failed to write transcript header")
		}
	}
	m.publishCounts()
	return created, nil
}

// Emit applies evt to the session and relays it. Events of one session
// must be emitted from a single goroutine.
func (m *Manager) Emit(ctx context.Context, sessionID string, evt Event) (*Session, error) {
	updated, err := m.registry.Apply(sessionID, &evt)
	if err != nil {
		return nil, err
	}
	logger := tracing.LoggerFromContext(tracing.WithSessionID(ctx, sessionID), m.logger)

	if m.transcripts != nil {
		if err := m.transcripts.Append(ctx, evt); err != nil {
			logger.Warn().Err(err).Str("event", string(evt.Type)).Msg("Failed to append transcript")
		}
	}
	m.relay.Publish(evt)

	switch {
	case evt.Type == EventSessionStarted:
		m.publishCounts()
	case evt.Type.Terminal():
		m.publishCounts()
		observability.RecordSessionTerminal(string(updated.State), updated.Duration())
		observability.RecordSessionAudit(ctx, sessionID, "finish", string(updated.State), map[string]interface{}{
			"prompt_id": updated.PromptID,
			"error":     updated.Error,
		})
		logger.Info().Str("state", string(updated.State)).Dur("duration", updated.Duration()).Msg("Session finished")

		m.mu.RLock()
		listeners := append([]func(*Session){}, m.listeners...)
		m.mu.RUnlock()
		for _, fn := range listeners {
			fn(updated.Clone())
		}
	}
	return updated, nil
}

func (m *Manager) publishCounts() {
	running, _ := m.registry.Counts()
	observability.SetRunningSessions(running)
}

// RequestCancel records cancel intent and relays nothing; the terminal
// event comes from the runner once the process is gone.
func (m *Manager) RequestCancel(sessionID string) (*Session, error) {
	return m.registry.RequestCancel(sessionID)
}

// Get returns a session from the registry.
func (m *Manager) Get(sessionID string) (*Session, error) {
	return m.registry.Get(sessionID)
}

// Subscribe opens the progress stream of a session. For a finished session
// the stream yields the terminal event and closes.
func (m *Manager) Subscribe(sessionID string, buffer int) (<-chan Event, func(), error) {
	s, err := m.registry.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}
	if s.State.Terminal() {
		ch := make(chan Event, 1)
		ch <- Event{
			Type:      TerminalEvent(s.State),
			SessionID: s.ID,
			Seq:       s.lastSeq,
			Timestamp: completedAt(s),
			Error:     s.Error,
		}
		close(ch)
		return ch, func() {}, nil
	}
	ch, cancel := m.relay.Subscribe(sessionID, buffer)
	return ch, cancel, nil
}

// Restore loads sessions rebuilt from transcripts into the history.
func (m *Manager) Restore(rec *Recovered) {
	if rec == nil {
		return
	}
	for _, s := range rec.Finished {
		m.registry.Restore(s)
	}
	for _, s := range rec.Interrupted {
		m.registry.Restore(s)
	}
}

// IsNotFound reports whether err means the session is unknown.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}
