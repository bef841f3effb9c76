package session

import (
	"encoding/json"
	"time"
)

// EventType is the canonical event set every agent format is translated to.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventThinking       EventType = "thinking"
	EventToolUse        EventType = "tool_use"
	EventToolResult     EventType = "tool_result"
	EventMessage        EventType = "message"

	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Terminal reports whether the event ends its session.
func (t EventType) Terminal() bool {
	return t == EventCompleted || t == EventFailed || t == EventCancelled
}

// Valid reports whether t is part of the canonical set.
func (t EventType) Valid() bool {
	switch t {
	case EventSessionStarted, EventThinking, EventToolUse, EventToolResult, EventMessage:
		return true
	}
	return t.Terminal()
}

// Event is one canonical progress event of a session.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	// Seq is assigned by the registry and increases by one per event.
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`

	ConversationID string          `json:"conversationId,omitempty"`
	Content        string          `json:"content,omitempty"`
	Tool           string          `json:"tool,omitempty"`
	ToolInput      json.RawMessage `json:"toolInput,omitempty"`
	IsError        bool            `json:"isError,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// terminalState maps a terminal event to the session state it produces.
func (t EventType) terminalState() State {
	switch t {
	case EventCompleted:
		return StateCompleted
	case EventCancelled:
		return StateCancelled
	default:
		return StateFailed
	}
}

// TerminalEvent returns the event that ends a session in state.
func TerminalEvent(state State) EventType {
	switch state {
	case StateCompleted:
		return EventCompleted
	case StateCancelled:
		return EventCancelled
	default:
		return EventFailed
	}
}

// QueueStatus carries the queue-level counts of the aggregate channel.
type QueueStatus struct {
	Running int `json:"running"`
	Queued  int `json:"queued"`
	// RecentlyCompleted counts finished sessions still inside the
	// recently completed window.
	RecentlyCompleted int       `json:"recentlyCompleted"`
	Timestamp         time.Time `json:"timestamp"`
}
