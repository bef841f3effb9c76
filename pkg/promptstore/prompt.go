package promptstore

import (
	"path/filepath"
	"strings"
	"time"
)

// Status is the dispatch status of a prompt.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDispatching Status = "dispatching"
	StatusDispatched  Status = "dispatched"

	// Terminal statuses mirror the outcome of the linked session.
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// InterruptedError is recorded on prompts reset by RecoverInterrupted.
const InterruptedError = "interrupted: server stopped before the session finished"

// InFlight reports whether the prompt holds its scope.
func (s Status) InFlight() bool {
	return s == StatusDispatching || s == StatusDispatched
}

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s.InFlight() || s.Terminal()
}

// Context is the file context attached to a prompt.
type Context struct {
	PrimaryFile string   `json:"primaryFile,omitempty"`
	References  []string `json:"references"`
	DiffSummary string   `json:"diffSummary,omitempty"`
}

// Prompt is a single instruction submitted for the agent to act on.
type Prompt struct {
	ID             string     `json:"id"`
	Message        string     `json:"message"`
	Context        Context    `json:"context"`
	ProjectPath    string     `json:"projectPath"`
	Scope          string     `json:"scope"`
	ConversationID string     `json:"conversationId,omitempty"`
	ModelProfileID string     `json:"modelProfileId,omitempty"`
	Status         Status     `json:"status"`
	SessionID      string     `json:"sessionId,omitempty"`
	Error          string     `json:"error,omitempty"`
	Attempts       int        `json:"attempts"`
	RetryAfter     *time.Time `json:"retryAfter,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (p *Prompt) Clone() *Prompt {
	if p == nil {
		return nil
	}
	c := *p
	c.Context.References = append([]string(nil), p.Context.References...)
	if p.RetryAfter != nil {
		t := *p.RetryAfter
		c.RetryAfter = &t
	}
	return &c
}

// claimable reports whether the prompt may be claimed at now.
func (p *Prompt) claimable(now time.Time) bool {
	return p.Status == StatusPending && (p.RetryAfter == nil || !p.RetryAfter.After(now))
}

// CreateRequest carries the fields supplied on submission.
type CreateRequest struct {
	Message        string
	Context        Context
	ProjectPath    string
	ConversationID string
	ModelProfileID string
}

// ScopeOf returns the dispatch scope of a project path.
func ScopeOf(projectPath string) string {
	return filepath.Clean(strings.TrimSpace(projectPath))
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Statuses []Status
	Search   string
	Scope    string
}

func (f Filter) matches(p *Prompt) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if p.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Scope != "" && p.Scope != ScopeOf(f.Scope) {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(p.Message), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

// Page selects a window of results; Limit 0 means no limit.
type Page struct {
	Offset int
	Limit  int
}

// ListResult is one page of prompts plus the total number of matches.
type ListResult struct {
	Prompts []*Prompt `json:"prompts"`
	Total   int       `json:"total"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	// IfStatus, when set, makes the update conditional on the current status.
	IfStatus Status

	Status    *Status
	SessionID *string
	Error     *string
	Attempts  *int
	// RetryAfter set to the zero time clears it.
	RetryAfter *time.Time
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}

func (patch Patch) apply(p *Prompt, now time.Time) error {
	if patch.IfStatus != "" && p.Status != patch.IfStatus {
		return &ConflictError{ID: p.ID, Expected: patch.IfStatus, Actual: p.Status}
	}
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return invalidf("unknown status %q", *patch.Status)
		}
		p.Status = *patch.Status
	}
	if patch.SessionID != nil {
		p.SessionID = *patch.SessionID
	}
	if patch.Error != nil {
		p.Error = *patch.Error
	}
	if patch.Attempts != nil {
		p.Attempts = *patch.Attempts
	}
	if patch.RetryAfter != nil {
		if patch.RetryAfter.IsZero() {
			p.RetryAfter = nil
		} else {
			t := patch.RetryAfter.UTC()
			p.RetryAfter = &t
		}
	}
	p.UpdatedAt = now
	return nil
}
