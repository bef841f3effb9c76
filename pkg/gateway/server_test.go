package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/conductor/pkg/dispatcher"
	"github.com/harun/conductor/pkg/profiles"
	"github.com/harun/conductor/pkg/promptstore"
	"github.com/harun/conductor/pkg/runner"
	"github.com/harun/conductor/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

// agentProc is a launched agent that stays running until the test ends it.
type agentProc struct {
	spec runner.Spec
	emit runner.Emitter
	done chan struct{}
	once sync.Once
}

func (p *agentProc) send(evt session.Event) {
	_, _ = p.emit.Emit(context.Background(), p.spec.SessionID, evt)
}

func (p *agentProc) finish(typ session.EventType) {
	p.once.Do(func() {
		p.send(session.Event{Type: typ})
		close(p.done)
	})
}

func (p *agentProc) Cancel()               { go p.finish(session.EventCancelled) }
func (p *agentProc) Done() <-chan struct{} { return p.done }

type staticProfiles []profiles.Profile

func (s staticProfiles) List() []profiles.Profile { return s }

type gatewayHarness struct {
	srv      *Server
	http     *httptest.Server
	store    promptstore.Store
	sessions *session.Manager
	launched chan *agentProc
	project  string
}

func newGatewayHarness(t *testing.T, mutate func(*Config)) *gatewayHarness {
	t.Helper()

	store, err := promptstore.NewFileStore(filepath.Join(t.TempDir(), "prompts"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mgr := session.NewManager(session.NewRegistry(session.RegistryConfig{}, zerolog.Nop()), session.NewRelay(16), nil, zerolog.Nop())
	launched := make(chan *agentProc, 8)
	launch := dispatcher.LaunchFunc(func(ctx context.Context, spec runner.Spec, emit runner.Emitter) (dispatcher.Process, error) {
		p := &agentProc{spec: spec, emit: emit, done: make(chan struct{})}
		p.send(session.Event{Type: session.EventSessionStarted, ConversationID: "conv-1"})
		launched <- p
		return p, nil
	})
	d := dispatcher.New(store, mgr, launch, nil, dispatcher.DefaultConfig(), zerolog.Nop())

	cfg := Config{
		SharedSecret:   testSecret,
		MetricsEnabled: true,
		TickInterval:   time.Hour,
		Dispatcher:     d,
		Store:          store,
		Sessions:       mgr,
		Profiles:       staticProfiles{{ID: "fast", Model: "small-model"}},
		Logger:         zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	srv.startBackground()

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		_ = d.Shutdown(ctx)
		ts.Close()
	})

	return &gatewayHarness{srv: srv, http: ts, store: store, sessions: mgr, launched: launched, project: t.TempDir()}
}

func (h *gatewayHarness) call(t *testing.T, method string, params interface{}) *RPCResponse {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	body, err := json.Marshal(RPCRequest{ID: "1", Method: method, Params: raw, JSONRPC: "2.0"})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, h.http.URL+"/rpc", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(SecretHeader, testSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return &out
}

// decode re-marshals a generic RPC result into dst.
func decode(t *testing.T, result interface{}, dst interface{}) {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dst))
}

func (h *gatewayHarness) nextLaunch(t *testing.T) *agentProc {
	t.Helper()
	select {
	case p := <-h.launched:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("agent was not launched")
		return nil
	}
}

func TestServer_RPCRequiresSecret(t *testing.T) {
	h := newGatewayHarness(t, nil)

	resp, err := http.Post(h.http.URL+"/rpc", "application/json", strings.NewReader(`{"id":"1","method":"queue.status"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_Healthz(t *testing.T) {
	h := newGatewayHarness(t, nil)

	resp, err := http.Get(h.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_SubmitListGet(t *testing.T) {
	h := newGatewayHarness(t, nil)

	resp := h.call(t, "prompts.submit", map[string]interface{}{
		"message":     "refactor the parser",
		"projectPath": h.project,
		"context":     map[string]interface{}{"references": []string{"a.go"}},
	})
	require.Nil(t, resp.Error)
	var submitted dispatcher.SubmitResult
	decode(t, resp.Result, &submitted)
	require.NotEmpty(t, submitted.PromptID)

	h.nextLaunch(t)

	resp = h.call(t, "prompts.list", map[string]interface{}{"search": "parser"})
	require.Nil(t, resp.Error)
	var list promptstore.ListResult
	decode(t, resp.Result, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, submitted.PromptID, list.Prompts[0].ID)

	resp = h.call(t, "prompts.get", map[string]string{"id": submitted.PromptID})
	require.Nil(t, resp.Error)
	var got promptstore.Prompt
	decode(t, resp.Result, &got)
	assert.Equal(t, "refactor the parser", got.Message)
	assert.Equal(t, []string{"a.go"}, got.Context.References)
}

func TestServer_SubmitWithoutReferences(t *testing.T) {
	h := newGatewayHarness(t, nil)

	tests := []struct {
		name   string
		params map[string]interface{}
	}{
		{"no context", map[string]interface{}{"message": "first", "projectPath": h.project}},
		{"null references", map[string]interface{}{
			"message":     "second",
			"projectPath": h.project,
			"context":     map[string]interface{}{"references": nil},
		}},
		{"zero value request", map[string]interface{}{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := tt.params
			if len(params) == 0 {
				raw, err := json.Marshal(dispatcher.SubmitRequest{Message: "third", ProjectPath: h.project})
				require.NoError(t, err)
				require.Contains(t, string(raw), `"references":null`)
				require.NoError(t, json.Unmarshal(raw, &params))
			}

			resp := h.call(t, "prompts.submit", params)
			require.Nil(t, resp.Error)
			var submitted dispatcher.SubmitResult
			decode(t, resp.Result, &submitted)
			assert.NotEmpty(t, submitted.PromptID)
		})
	}
}

func TestServer_SubmitValidation(t *testing.T) {
	h := newGatewayHarness(t, nil)

	tests := []struct {
		name   string
		params map[string]interface{}
	}{
		{"missing message", map[string]interface{}{"projectPath": h.project}},
		{"empty message", map[string]interface{}{"message": "", "projectPath": h.project}},
		{"wrong type", map[string]interface{}{"message": 5, "projectPath": h.project}},
		{"relative project", map[string]interface{}{"message": "x", "projectPath": "rel/path"}},
		{"missing project dir", map[string]interface{}{"message": "x", "projectPath": filepath.Join(h.project, "nope")}},
		{"unknown profile", map[string]interface{}{"message": "x", "projectPath": h.project, "modelProfileId": "ghost"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.call(t, "prompts.submit", tt.params)
			require.NotNil(t, resp.Error)
			assert.Equal(t, InvalidParams, resp.Error.Code)
		})
	}

	resp := h.call(t, "prompts.list", nil)
	require.Nil(t, resp.Error)
	var list promptstore.ListResult
	decode(t, resp.Result, &list)
	assert.Zero(t, list.Total)
}

func TestServer_ErrorCodes(t *testing.T) {
	h := newGatewayHarness(t, nil)

	resp := h.call(t, "prompts.get", map[string]string{"id": "missing"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, NotFound, resp.Error.Code)

	resp = h.call(t, "sessions.get", map[string]string{"id": "missing"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, NotFound, resp.Error.Code)

	resp = h.call(t, "prompts.get", map[string]string{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	resp = h.call(t, "no.such.method", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)
}

func TestServer_CancelQueuedAndRunning(t *testing.T) {
	h := newGatewayHarness(t, nil)

	first := h.call(t, "prompts.submit", map[string]interface{}{"message": "first", "projectPath": h.project})
	require.Nil(t, first.Error)
	proc := h.nextLaunch(t)

	second := h.call(t, "prompts.submit", map[string]interface{}{"message": "second", "projectPath": h.project})
	require.Nil(t, second.Error)
	var queued dispatcher.SubmitResult
	decode(t, second.Result, &queued)

	resp := h.call(t, "prompts.cancel", map[string]string{"id": queued.PromptID})
	require.Nil(t, resp.Error)
	var removed dispatcher.CancelResult
	decode(t, resp.Result, &removed)
	assert.True(t, removed.Removed)

	resp = h.call(t, "sessions.cancel", map[string]string{"id": proc.spec.SessionID})
	require.Nil(t, resp.Error)

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("running session was not cancelled")
	}

	require.Eventually(t, func() bool {
		s, err := h.sessions.Get(proc.spec.SessionID)
		return err == nil && s.State == session.StateCancelled
	}, 5*time.Second, 10*time.Millisecond)

	resp = h.call(t, "sessions.cancel", map[string]string{"id": proc.spec.SessionID})
	require.NotNil(t, resp.Error)
	assert.Equal(t, Conflict, resp.Error.Code)
}

func TestServer_SessionsListAndQueueStatus(t *testing.T) {
	h := newGatewayHarness(t, nil)

	h.call(t, "prompts.submit", map[string]interface{}{"message": "one", "projectPath": h.project})
	proc := h.nextLaunch(t)
	h.call(t, "prompts.submit", map[string]interface{}{"message": "two", "projectPath": h.project})

	resp := h.call(t, "sessions.list", nil)
	require.Nil(t, resp.Error)
	var groups session.Groups
	decode(t, resp.Result, &groups)
	require.Len(t, groups.Running, 1)
	assert.Equal(t, proc.spec.SessionID, groups.Running[0].ID)

	resp = h.call(t, "queue.status", nil)
	require.Nil(t, resp.Error)
	var status session.QueueStatus
	decode(t, resp.Result, &status)
	assert.Equal(t, 1, status.Running)
	assert.Equal(t, 1, status.Queued)

	resp = h.call(t, "profiles.list", nil)
	require.Nil(t, resp.Error)
	assert.Contains(t, string(mustJSON(t, resp.Result)), `"fast"`)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestServer_SessionEventStream(t *testing.T) {
	h := newGatewayHarness(t, nil)

	h.call(t, "prompts.submit", map[string]interface{}{"message": "stream me", "projectPath": h.project})
	proc := h.nextLaunch(t)

	req, err := http.NewRequest(http.MethodGet, h.http.URL+"/sessions/"+proc.spec.SessionID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set(SecretHeader, testSecret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	proc.send(session.Event{Type: session.EventMessage, Content: "working on it"})
	proc.finish(session.EventCompleted)

	scanner := bufio.NewScanner(resp.Body)
	var names []string
	var payloads []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			names = append(names, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			payloads = append(payloads, strings.TrimPrefix(line, "data: "))
		}
	}

	// the stream closes itself after the terminal event
	assert.Equal(t, []string{"message", "completed"}, names)
	require.Len(t, payloads, 2)
	var evt session.Event
	require.NoError(t, json.Unmarshal([]byte(payloads[0]), &evt))
	assert.Equal(t, "working on it", evt.Content)
}

func TestServer_SessionEventStreamOfFinishedSession(t *testing.T) {
	h := newGatewayHarness(t, nil)

	h.call(t, "prompts.submit", map[string]interface{}{"message": "done already", "projectPath": h.project})
	proc := h.nextLaunch(t)
	proc.finish(session.EventCompleted)
	require.Eventually(t, func() bool {
		s, err := h.sessions.Get(proc.spec.SessionID)
		return err == nil && s.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodGet, h.http.URL+"/sessions/"+proc.spec.SessionID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set(SecretHeader, testSecret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var names []string
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "event: ") {
			names = append(names, strings.TrimPrefix(line, "event: "))
		}
	}
	assert.Equal(t, []string{"completed"}, names)
}

func TestServer_SessionEventStreamUnknown(t *testing.T) {
	h := newGatewayHarness(t, nil)

	req, err := http.NewRequest(http.MethodGet, h.http.URL+"/sessions/nope/events", nil)
	require.NoError(t, err)
	req.Header.Set(SecretHeader, testSecret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_HTTPRateLimit(t *testing.T) {
	h := newGatewayHarness(t, func(cfg *Config) {
		cfg.RequestsPerMinute = 2
	})

	require.Nil(t, h.call(t, "queue.status", nil).Error)
	require.Nil(t, h.call(t, "queue.status", nil).Error)

	resp := h.call(t, "queue.status", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, RateLimitExceeded, resp.Error.Code)
}

func dialWS(t *testing.T, h *gatewayHarness) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, dst interface{}) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(dst))
}

func TestServer_WebSocketAuthAndStatus(t *testing.T) {
	h := newGatewayHarness(t, nil)
	conn := dialWS(t, h)

	var challenge AuthChallenge
	readJSON(t, conn, &challenge)
	require.Equal(t, "auth.challenge", challenge.Event)

	require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: Sign(testSecret, challenge.Challenge)}))

	var result AuthResult
	readJSON(t, conn, &result)
	require.True(t, result.Success)

	var initial EventMessage
	readJSON(t, conn, &initial)
	assert.Equal(t, EventQueueStatus, initial.Event)

	h.call(t, "prompts.submit", map[string]interface{}{"message": "ws", "projectPath": h.project})
	h.nextLaunch(t)

	// status pushes arrive until the running session shows up
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var evt EventMessage
		readJSON(t, conn, &evt)
		if evt.Event != EventQueueStatus {
			continue
		}
		data := evt.Data.(map[string]interface{})
		if data["running"] == float64(1) {
			break
		}
	}

	params, _ := json.Marshal(map[string]interface{}{})
	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "ws-1", Method: "queue.status", Params: params}))
	for {
		var raw map[string]interface{}
		readJSON(t, conn, &raw)
		if raw["id"] == "ws-1" {
			assert.Nil(t, raw["error"])
			result := raw["result"].(map[string]interface{})
			assert.Equal(t, float64(1), result["running"])
			break
		}
	}
}

func TestServer_WebSocketRejectsBadSignature(t *testing.T) {
	h := newGatewayHarness(t, nil)
	conn := dialWS(t, h)

	var challenge AuthChallenge
	readJSON(t, conn, &challenge)

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "early", Method: "queue.status"}))
	var denied RPCResponse
	readJSON(t, conn, &denied)
	require.NotNil(t, denied.Error)
	assert.Equal(t, AuthenticationRequired, denied.Error.Code)

	require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: Sign("wrong", challenge.Challenge)}))
	var result AuthResult
	readJSON(t, conn, &result)
	assert.False(t, result.Success)
	assert.Equal(t, "auth.failure", result.Event)
}

func TestServer_WebSocketWithoutSecret(t *testing.T) {
	h := newGatewayHarness(t, func(cfg *Config) {
		cfg.SharedSecret = ""
	})
	conn := dialWS(t, h)

	var result AuthResult
	readJSON(t, conn, &result)
	assert.True(t, result.Success)

	var status EventMessage
	readJSON(t, conn, &status)
	assert.Equal(t, EventQueueStatus, status.Event)
}
