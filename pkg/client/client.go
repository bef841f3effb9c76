// Package client talks to the conductor gateway: JSON-RPC calls over HTTP,
// per-session progress streams over server-sent events and the aggregate
// queue status over a WebSocket. Controller builds a local projection on
// top of it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/harun/conductor/pkg/dispatcher"
	"github.com/harun/conductor/pkg/gateway"
	"github.com/harun/conductor/pkg/profiles"
	"github.com/harun/conductor/pkg/promptstore"
	"github.com/harun/conductor/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

var (
	// ErrStreamClosed is returned when a progress stream ends before its
	// terminal event.
	ErrStreamClosed = errors.New("progress stream closed")
	// ErrAuthFailed is returned when the gateway rejects the shared secret.
	ErrAuthFailed = errors.New("gateway authentication failed")
)

// Config points a client at a gateway.
type Config struct {
	// URL is the gateway base URL, e.g. http://127.0.0.1:18790.
	URL            string
	Secret         string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         zerolog.Logger
}

// Client is a gateway client. Safe for concurrent use.
type Client struct {
	baseURL string
	secret  string
	timeout time.Duration
	http    *http.Client
	logger  zerolog.Logger
	nextID  atomic.Int64
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("gateway url is required")
	}
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return nil, fmt.Errorf("gateway url must be http or https: %s", cfg.URL)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		// no client-wide timeout; progress streams are long-lived
		cfg.HTTPClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		secret:  cfg.Secret,
		timeout: cfg.RequestTimeout,
		http:    cfg.HTTPClient,
		logger:  cfg.Logger.With().Str("component", "client").Logger(),
	}, nil
}

// Call invokes an RPC method and decodes its result into result, which
// may be nil. Gateway errors are returned as *gateway.RPCError.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	return c.call(ctx, method, "", params, result)
}

// CallIdempotent is Call with an idempotency key. The gateway replays its
// first successful response to any repeat of the key.
func (c *Client) CallIdempotent(ctx context.Context, method, key string, params, result interface{}) error {
	return c.call(ctx, method, key, params, result)
}

func (c *Client) call(ctx context.Context, method, key string, params, result interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var raw json.RawMessage
	if params != nil {
		var err error
		if raw, err = json.Marshal(params); err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
	}
	body, err := json.Marshal(gateway.RPCRequest{
		ID:             fmt.Sprintf("%d", c.nextID.Add(1)),
		Method:         method,
		Params:         raw,
		JSONRPC:        "2.0",
		IdempotencyKey: key,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w", method, ErrAuthFailed)
	}

	var out struct {
		Result json.RawMessage   `json:"result"`
		Error  *gateway.RPCError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: bad response (HTTP %d): %w %s", method, resp.StatusCode, err, data)
	}
	if out.Error != nil {
		return out.Error
	}
	if result == nil || len(out.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(out.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.secret != "" {
		req.Header.Set(gateway.SecretHeader, c.secret)
	}
}

// IsCode reports whether err is a gateway error with code.
func IsCode(err error, code int) bool {
	var rpcErr *gateway.RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}

// ListOptions filters ListPrompts.
type ListOptions struct {
	Status []promptstore.Status `json:"status,omitempty"`
	Search string               `json:"search,omitempty"`
	Scope  string               `json:"scope,omitempty"`
	Offset int                  `json:"offset,omitempty"`
	Limit  int                  `json:"limit,omitempty"`
}

// Submit sends a prompt under a fresh idempotency key. A transport failure
// is retried once with the same key, so a submission whose response was
// lost is not queued twice.
func (c *Client) Submit(ctx context.Context, req dispatcher.SubmitRequest) (*dispatcher.SubmitResult, error) {
	key, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generate idempotency key: %w", err)
	}
	res, err := c.SubmitWithKey(ctx, key, req)
	if err == nil || !retryable(ctx, err) {
		return res, err
	}
	c.logger.Debug().Err(err).Str("idempotency_key", key).Msg("Retrying submit")
	return c.SubmitWithKey(ctx, key, req)
}

// SubmitWithKey sends a prompt under key. Repeats of a key that already
// succeeded return the first result.
func (c *Client) SubmitWithKey(ctx context.Context, key string, req dispatcher.SubmitRequest) (*dispatcher.SubmitResult, error) {
	var out dispatcher.SubmitResult
	if err := c.CallIdempotent(ctx, "prompts.submit", key, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// retryable reports whether err came from the transport rather than the
// gateway.
func retryable(ctx context.Context, err error) bool {
	var rpcErr *gateway.RPCError
	return ctx.Err() == nil && !errors.As(err, &rpcErr) && !errors.Is(err, ErrAuthFailed)
}

// ListPrompts returns one page of the prompt queue, newest first.
func (c *Client) ListPrompts(ctx context.Context, opts ListOptions) (*promptstore.ListResult, error) {
	var out promptstore.ListResult
	if err := c.Call(ctx, "prompts.list", opts, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetPrompt(ctx context.Context, id string) (*promptstore.Prompt, error) {
	var out promptstore.Prompt
	if err := c.Call(ctx, "prompts.get", map[string]string{"id": id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelPrompt(ctx context.Context, id string) (*dispatcher.CancelResult, error) {
	var out dispatcher.CancelResult
	if err := c.Call(ctx, "prompts.cancel", map[string]string{"id": id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSessions returns sessions grouped by state.
func (c *Client) ListSessions(ctx context.Context) (*session.Groups, error) {
	var out session.Groups
	if err := c.Call(ctx, "sessions.list", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*session.Session, error) {
	var out session.Session
	if err := c.Call(ctx, "sessions.get", map[string]string{"id": id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelSession asks a running session to stop. The session stays running
// until its cancelled event arrives.
func (c *Client) CancelSession(ctx context.Context, id string) (*session.Session, error) {
	var out session.Session
	if err := c.Call(ctx, "sessions.cancel", map[string]string{"id": id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns finished sessions, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]*session.Session, error) {
	var out struct {
		Sessions []*session.Session `json:"sessions"`
	}
	if err := c.Call(ctx, "sessions.history", map[string]int{"limit": limit}, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) QueueStatus(ctx context.Context) (*session.QueueStatus, error) {
	var out session.QueueStatus
	if err := c.Call(ctx, "queue.status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Profiles(ctx context.Context) ([]profiles.Profile, error) {
	var out struct {
		Profiles []profiles.Profile `json:"profiles"`
	}
	if err := c.Call(ctx, "profiles.list", nil, &out); err != nil {
		return nil, err
	}
	return out.Profiles, nil
}

// Healthy reports whether the gateway answers its health check.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
