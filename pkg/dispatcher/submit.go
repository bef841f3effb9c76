package dispatcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/promptstore"
	"go.opentelemetry.io/otel/attribute"
)

// SubmitRequest is a prompt submission.
type SubmitRequest struct {
	Message        string              `json:"message"`
	Context        promptstore.Context `json:"context"`
	ProjectPath    string              `json:"projectPath"`
	ConversationID string              `json:"conversationId,omitempty"`
	ModelProfileID string              `json:"modelProfileId,omitempty"`
	RunImmediately bool                `json:"runImmediately"`
}

// SubmitResult reports what happened to a submission. SessionID is set
// only when the prompt was dispatched within the call.
type SubmitResult struct {
	PromptID  string `json:"promptId"`
	SessionID string `json:"sessionId,omitempty"`
	Immediate bool   `json:"immediate"`
}

func (d *Dispatcher) validate(req SubmitRequest) error {
	if strings.TrimSpace(req.Message) == "" {
		return &ValidationError{Field: "message", Reason: "must not be empty"}
	}
	if strings.TrimSpace(req.ProjectPath) == "" {
		return &ValidationError{Field: "projectPath", Reason: "must not be empty"}
	}
	if !filepath.IsAbs(req.ProjectPath) {
		return &ValidationError{Field: "projectPath", Reason: "must be an absolute path"}
	}
	if info, err := os.Stat(req.ProjectPath); err != nil || !info.IsDir() {
		return &ValidationError{Field: "projectPath", Reason: "must be an existing directory"}
	}
	for _, ref := range req.Context.References {
		if strings.TrimSpace(ref) == "" {
			return &ValidationError{Field: "context.references", Reason: "must not contain empty entries"}
		}
	}
	if req.ModelProfileID != "" {
		if _, err := d.resolveProfile(req.ModelProfileID); err != nil {
			return &ValidationError{Field: "modelProfileId", Reason: err.Error()}
		}
	}
	return nil
}

// Submit validates and persists a prompt. With RunImmediately the dispatch
// attempt happens inside the call and the result says whether the prompt
// got its session; otherwise the attempt is scheduled.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	ctx, span := tracing.StartSpan(ctx, "conductor.dispatcher", "dispatcher.submit",
		attribute.Bool("run_immediately", req.RunImmediately))
	defer span.End()

	if d.isClosing() {
		return nil, ErrShuttingDown
	}
	if err := d.validate(req); err != nil {
		return nil, tracing.RecordError(span, err)
	}

	p, err := d.store.Create(ctx, promptstore.CreateRequest{
		Message:        req.Message,
		Context:        req.Context,
		ProjectPath:    req.ProjectPath,
		ConversationID: req.ConversationID,
		ModelProfileID: req.ModelProfileID,
	})
	if errors.Is(err, promptstore.ErrInvalidPrompt) {
		return nil, tracing.RecordError(span, &ValidationError{Field: "prompt", Reason: err.Error()})
	}
	if err != nil {
		return nil, tracing.RecordError(span, err)
	}

	ctx = tracing.WithPromptID(ctx, p.ID)
	span.SetAttributes(attribute.String("prompt_id", p.ID))
	logger := tracing.LoggerFromContext(ctx, d.logger)
	observability.RecordPromptAudit(ctx, p.ID, "submit", string(p.Status), map[string]interface{}{
		"scope":           p.Scope,
		"resume":          p.ConversationID != "",
		"run_immediately": req.RunImmediately,
	})

	res := &SubmitResult{PromptID: p.ID}
	if !req.RunImmediately {
		observability.RecordPromptSubmitted(false)
		logger.Info().Str("scope", p.Scope).Msg("Prompt queued")
		d.publishStatus(ctx, p.Scope)
		d.Trigger(p.Scope)
		return res, nil
	}

	claimed, started, err := d.attempt(ctx, p.Scope)
	if err != nil {
		logger.Warn().Err(err).Msg("Immediate dispatch failed")
	}
	if claimed != nil && claimed.ID == p.ID && started != nil {
		res.SessionID = started.ID
		res.Immediate = true
	}
	observability.RecordPromptSubmitted(res.Immediate)
	logger.Info().Bool("immediate", res.Immediate).Str("scope", p.Scope).Msg("Prompt submitted")

	d.publishStatus(ctx, p.Scope)
	if !res.Immediate {
		// an older prompt went first, or the scope was busy
		d.Trigger(p.Scope)
	}
	return res, nil
}
