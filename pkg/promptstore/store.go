package promptstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	// ErrPromptNotFound is returned when no prompt has the given id.
	ErrPromptNotFound = errors.New("prompt not found")
	// ErrStatusConflict is returned when a conditional update finds another status.
	ErrStatusConflict = errors.New("prompt status conflict")
	// ErrInvalidPrompt is returned for malformed create requests or patches.
	ErrInvalidPrompt = errors.New("invalid prompt")
)

// ConflictError describes a failed compare-and-set on status.
type ConflictError struct {
	ID       string
	Expected Status
	Actual   Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("prompt %s: expected status %s, found %s", e.ID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrStatusConflict }

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidPrompt, fmt.Sprintf(format, args...))
}

// Store is the durable prompt record.
type Store interface {
	// Create persists a new pending prompt.
	Create(ctx context.Context, req CreateRequest) (*Prompt, error)
	// Get returns ErrPromptNotFound when id is unknown.
	Get(ctx context.Context, id string) (*Prompt, error)
	// List returns prompts newest first.
	List(ctx context.Context, filter Filter, page Page) (*ListResult, error)
	Update(ctx context.Context, id string, patch Patch) (*Prompt, error)
	Delete(ctx context.Context, id string) (bool, error)
	// DeleteIf removes the prompt only while it is in status.
	DeleteIf(ctx context.Context, id string, status Status) (bool, error)
	// RecoverInterrupted resets in-flight prompts to pending and returns how
	// many were reset.
	RecoverInterrupted(ctx context.Context) (int, error)
	// Claim moves the oldest claimable pending prompt of scope to
	// dispatching, provided no prompt of the scope is in flight. It returns
	// nil when nothing can be claimed.
	Claim(ctx context.Context, scope string, now time.Time) (*Prompt, error)
	// Scopes lists scopes that have pending prompts.
	Scopes(ctx context.Context) ([]string, error)
	Close() error
}

func newPromptID() string {
	id, _ := gonanoid.New()
	return id
}

func validateCreate(req CreateRequest) error {
	if strings.TrimSpace(req.Message) == "" {
		return invalidf("message is required")
	}
	if strings.TrimSpace(req.ProjectPath) == "" {
		return invalidf("projectPath is required")
	}
	return nil
}

func newPrompt(req CreateRequest, now time.Time) *Prompt {
	refs := req.Context.References
	if refs == nil {
		refs = []string{}
	}
	return &Prompt{
		ID:      newPromptID(),
		Message: req.Message,
		Context: Context{
			PrimaryFile: req.Context.PrimaryFile,
			References:  append([]string(nil), refs...),
			DiffSummary: req.Context.DiffSummary,
		},
		ProjectPath:    req.ProjectPath,
		Scope:          ScopeOf(req.ProjectPath),
		ConversationID: req.ConversationID,
		ModelProfileID: req.ModelProfileID,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// recoverPrompt applies the interruption reset. It reports false when p is
// not in flight.
func recoverPrompt(p *Prompt, now time.Time) bool {
	if !p.Status.InFlight() {
		return false
	}
	p.Status = StatusPending
	p.SessionID = ""
	p.Error = InterruptedError
	p.RetryAfter = nil
	p.UpdatedAt = now
	return true
}

// paginate sorts newest first and cuts the requested window.
func paginate(prompts []*Prompt, page Page) *ListResult {
	sort.SliceStable(prompts, func(i, j int) bool {
		return prompts[i].CreatedAt.After(prompts[j].CreatedAt)
	})
	total := len(prompts)
	start := page.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if page.Limit > 0 && start+page.Limit < end {
		end = start + page.Limit
	}
	out := make([]*Prompt, 0, end-start)
	for _, p := range prompts[start:end] {
		out = append(out, p.Clone())
	}
	return &ListResult{Prompts: out, Total: total}
}
