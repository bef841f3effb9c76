package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harun/conductor/pkg/promptstore"
)

// State is the lifecycle state of a session.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

func (s State) rank() int {
	switch s {
	case StateQueued:
		return 0
	case StateRunning:
		return 1
	default:
		return 2
	}
}

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	// ErrSessionTerminal is returned for any change to a finished session.
	ErrSessionTerminal = errors.New("session already terminal")
	ErrInvalidEvent    = errors.New("invalid session event")
)

// InterruptedError marks sessions whose process was lost with the server.
const InterruptedError = "interrupted: server stopped while the session was running"

// Activity labels shown while a session runs.
const (
	ActivityThinking      = "Thinking…"
	ActivityToolResult    = "Processing tool result…"
	activityToolUseFormat = "Using %s…"
)

// Session is one agent execution for a prompt. It is plain data; process
// handles live in the runner and never appear here.
type Session struct {
	ID             string              `json:"id"`
	PromptID       string              `json:"promptId"`
	Scope          string              `json:"scope"`
	State          State               `json:"state"`
	Prompt         string              `json:"prompt"`
	Context        promptstore.Context `json:"context"`
	ProjectPath    string              `json:"projectPath"`
	ConversationID string              `json:"conversationId,omitempty"`
	ModelProfileID string              `json:"modelProfileId,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	StartedAt      *time.Time          `json:"startedAt,omitempty"`
	CompletedAt    *time.Time          `json:"completedAt,omitempty"`

	LastAssistantMessage string `json:"lastAssistantMessage,omitempty"`
	CurrentActivity      string `json:"currentActivity,omitempty"`
	Error                string `json:"error,omitempty"`
	// CancelRequested records user intent; the state stays running until
	// the runner confirms the process exited.
	CancelRequested bool `json:"cancelRequested,omitempty"`

	lastSeq int64
	// announced is set once a session_started carried a conversation id
	announced bool
}

// New builds a queued session for a claimed prompt.
func New(p *promptstore.Prompt) *Session {
	return &Session{
		ID:             uuid.NewString(),
		PromptID:       p.ID,
		Scope:          p.Scope,
		State:          StateQueued,
		Prompt:         p.Message,
		Context:        p.Context,
		ProjectPath:    p.ProjectPath,
		ConversationID: p.ConversationID,
		ModelProfileID: p.ModelProfileID,
		CreatedAt:      time.Now().UTC(),
	}
}

// Clone returns a copy safe to hand outside the registry.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Context.References = append([]string(nil), s.Context.References...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Duration is the run time of a finished session, zero otherwise.
func (s *Session) Duration() time.Duration {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(*s.StartedAt)
}

// apply folds evt into s. It is the single place where state and the
// derived display attributes change.
func (s *Session) apply(evt *Event, now time.Time) error {
	if s.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrSessionTerminal, s.ID, s.State)
	}
	if !evt.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, evt.Type)
	}

	next := s.State
	switch {
	case evt.Type.Terminal():
		next = evt.Type.terminalState()
	case evt.Type == EventSessionStarted:
		// a running session accepts one late start naming its conversation
		late := s.State == StateRunning && !s.announced && evt.ConversationID != ""
		if s.State != StateQueued && !late {
			return fmt.Errorf("%w: %s already started", ErrInvalidEvent, s.ID)
		}
		if evt.ConversationID != "" {
			s.announced = true
		}
		next = StateRunning
	default:
		// progress before session_started implies the process is running
		next = StateRunning
	}
	if next.rank() < s.State.rank() {
		return fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidEvent, s.ID, s.State, next)
	}

	if evt.Timestamp.IsZero() {
		evt.Timestamp = now
	}
	s.lastSeq++
	evt.Seq = s.lastSeq
	evt.SessionID = s.ID

	if next == StateRunning && s.StartedAt == nil {
		t := evt.Timestamp
		s.StartedAt = &t
	}
	s.State = next

	if !evt.Type.Terminal() {
		s.Observe(*evt)
		return nil
	}

	t := evt.Timestamp
	s.CompletedAt = &t
	s.CurrentActivity = ""
	if evt.Type == EventCompleted {
		s.Error = ""
	} else {
		s.Error = evt.Error
	}
	if evt.Type == EventFailed && s.Error == "" {
		s.Error = "agent process failed"
	}
	if s.StartedAt == nil {
		s.StartedAt = &t
	}
	return nil
}

// Observe folds the display attributes of a progress event into s. State
// is left alone; a mirror learns outcomes by refetching.
func (s *Session) Observe(evt Event) {
	switch evt.Type {
	case EventSessionStarted:
		if evt.ConversationID != "" {
			s.ConversationID = evt.ConversationID
		}
	case EventThinking:
		s.CurrentActivity = ActivityThinking
	case EventToolUse:
		s.CurrentActivity = fmt.Sprintf(activityToolUseFormat, evt.Tool)
	case EventToolResult:
		s.CurrentActivity = ActivityToolResult
	case EventMessage:
		s.LastAssistantMessage = evt.Content
		s.CurrentActivity = ""
	}
}
