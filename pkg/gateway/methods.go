package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/dispatcher"
	"github.com/harun/conductor/pkg/profiles"
	"github.com/harun/conductor/pkg/promptstore"
	"github.com/harun/conductor/pkg/session"
)

type listParams struct {
	Status []promptstore.Status `json:"status"`
	Search string               `json:"search"`
	Scope  string               `json:"scope"`
	Offset int                  `json:"offset"`
	Limit  int                  `json:"limit"`
}

type idParams struct {
	ID string `json:"id"`
}

type historyParams struct {
	Limit int `json:"limit"`
}

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("prompts.submit", s.handlePromptsSubmit)
	_ = s.RegisterMethod("prompts.list", s.handlePromptsList)
	_ = s.RegisterMethod("prompts.get", s.handlePromptsGet)
	_ = s.RegisterMethod("prompts.cancel", s.handlePromptsCancel)
	_ = s.RegisterMethod("sessions.list", s.handleSessionsList)
	_ = s.RegisterMethod("sessions.get", s.handleSessionsGet)
	_ = s.RegisterMethod("sessions.cancel", s.handleSessionsCancel)
	_ = s.RegisterMethod("sessions.history", s.handleSessionsHistory)
	_ = s.RegisterMethod("queue.status", s.handleQueueStatus)
	_ = s.RegisterMethod("profiles.list", s.handleProfilesList)
}

func (s *Server) handlePromptsSubmit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req dispatcher.SubmitRequest
	if err := decodeParams(submitSchema, params, &req); err != nil {
		return nil, err
	}

	result, err := s.dispatcher.Submit(ctx, req)
	if err != nil {
		return nil, rpcErrorFrom(err)
	}
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("prompt_id", result.PromptID).
		Str("client_id", clientIDFromContext(ctx)).
		Bool("immediate", result.Immediate).
		Msg("Prompt submitted")
	return result, nil
}

func (s *Server) handlePromptsList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p listParams
	if err := decodeParams(listSchema, params, &p); err != nil {
		return nil, err
	}

	result, err := s.store.List(ctx,
		promptstore.Filter{Statuses: p.Status, Search: p.Search, Scope: p.Scope},
		promptstore.Page{Offset: p.Offset, Limit: p.Limit})
	if err != nil {
		return nil, rpcErrorFrom(err)
	}
	return result, nil
}

func (s *Server) handlePromptsGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p idParams
	if err := decodeParams(idSchema, params, &p); err != nil {
		return nil, err
	}

	prompt, err := s.store.Get(ctx, p.ID)
	if err != nil {
		return nil, rpcErrorFrom(err)
	}
	return prompt, nil
}

func (s *Server) handlePromptsCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p idParams
	if err := decodeParams(idSchema, params, &p); err != nil {
		return nil, err
	}

	result, err := s.dispatcher.CancelPrompt(ctx, p.ID)
	if err != nil {
		return nil, rpcErrorFrom(err)
	}
	return result, nil
}

func (s *Server) handleSessionsList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.sessions.Registry().Groups(), nil
}

func (s *Server) handleSessionsGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p idParams
	if err := decodeParams(idSchema, params, &p); err != nil {
		return nil, err
	}

	sess, err := s.sessions.Get(p.ID)
	if err != nil {
		return nil, rpcErrorFrom(err)
	}
	return sess, nil
}

func (s *Server) handleSessionsCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p idParams
	if err := decodeParams(idSchema, params, &p); err != nil {
		return nil, err
	}

	sess, err := s.dispatcher.CancelSession(ctx, p.ID)
	if err != nil {
		return nil, rpcErrorFrom(err)
	}
	return sess, nil
}

func (s *Server) handleSessionsHistory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p historyParams
	if err := decodeParams(historySchema, params, &p); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"sessions": s.sessions.Registry().History(p.Limit),
	}, nil
}

func (s *Server) handleQueueStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	status, err := s.dispatcher.Status(ctx)
	if err != nil {
		return nil, rpcErrorFrom(err)
	}
	return status, nil
}

func (s *Server) handleProfilesList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	list := []profiles.Profile{}
	if s.profiles != nil {
		list = s.profiles.List()
	}
	return map[string]interface{}{"profiles": list}, nil
}

// rpcErrorFrom maps domain errors onto RPC error codes.
func rpcErrorFrom(err error) error {
	var verr *dispatcher.ValidationError
	switch {
	case errors.As(err, &verr):
		return &RPCError{Code: InvalidParams, Message: verr.Error(), Data: map[string]string{"field": verr.Field}}
	case errors.Is(err, promptstore.ErrInvalidPrompt):
		return &RPCError{Code: InvalidParams, Message: err.Error()}
	case errors.Is(err, promptstore.ErrPromptNotFound), errors.Is(err, session.ErrSessionNotFound):
		return &RPCError{Code: NotFound, Message: err.Error()}
	case errors.Is(err, promptstore.ErrStatusConflict),
		errors.Is(err, session.ErrSessionTerminal),
		errors.Is(err, dispatcher.ErrPromptBusy),
		errors.Is(err, dispatcher.ErrPromptFinished):
		return &RPCError{Code: Conflict, Message: err.Error()}
	case errors.Is(err, dispatcher.ErrShuttingDown):
		return &RPCError{Code: Unavailable, Message: err.Error()}
	default:
		return err
	}
}
