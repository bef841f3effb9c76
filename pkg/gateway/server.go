package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/dispatcher"
	"github.com/harun/conductor/pkg/profiles"
	"github.com/harun/conductor/pkg/promptstore"
	"github.com/harun/conductor/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	writeTimeout   = 10 * time.Second
	maxRequestBody = 1 << 20
)

// ProfileLister lists the model profiles clients may select.
type ProfileLister interface {
	List() []profiles.Profile
}

// Server is the Gateway Server
type Server struct {
	addr              string
	sharedSecret      string
	tickInterval      time.Duration
	requestsPerMinute int
	maxConcurrent     int
	metricsEnabled    bool

	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	clients     *ClientRegistry
	router      *RPCRouter
	authHandler *AuthHandler
	broadcaster *EventBroadcaster

	dispatcher *dispatcher.Dispatcher
	store      promptstore.Store
	sessions   *session.Manager
	profiles   ProfileLister
	logger     zerolog.Logger

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	done           chan struct{}
	inFlightReqs   sync.WaitGroup

	httpLimitersMu sync.Mutex
	httpLimiters   map[string]*ClientRateLimiter

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host string
	// Port 0 picks a free port; see Addr.
	Port              int
	SharedSecret      string
	RequestsPerMinute int
	MaxConcurrent     int
	MetricsEnabled    bool
	TickInterval      time.Duration

	Dispatcher *dispatcher.Dispatcher
	Store      promptstore.Store
	Sessions   *session.Manager
	Profiles   ProfileLister
	Logger     zerolog.Logger
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("prompt store is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 600
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 32
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()

	s := &Server{
		addr:              net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		sharedSecret:      cfg.SharedSecret,
		tickInterval:      cfg.TickInterval,
		requestsPerMinute: cfg.RequestsPerMinute,
		maxConcurrent:     cfg.MaxConcurrent,
		metricsEnabled:    cfg.MetricsEnabled,
		clients:           clients,
		router:            NewRPCRouter(),
		authHandler:       NewAuthHandler(cfg.SharedSecret),
		broadcaster:       NewEventBroadcaster(clients, logger),
		dispatcher:        cfg.Dispatcher,
		store:             cfg.Store,
		sessions:          cfg.Sessions,
		profiles:          cfg.Profiles,
		logger:            logger,
		done:              make(chan struct{}),
		httpLimiters:      make(map[string]*ClientRateLimiter),
		upgrader: websocket.Upgrader{
			// the gateway binds to loopback by default; the shared secret
			// guards anything wider
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.registerBuiltinMethods()

	return s, nil
}

// Handler returns the HTTP routes of the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", s.handleRPC)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleSessionEvents)
	if s.metricsEnabled {
		mux.Handle("GET /metrics", observability.MetricsHandler())
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startBackground()
	return nil
}

// Addr returns the bound listener address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the Gateway Server
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	close(s.done)
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")
	s.stopBackground()

	s.broadcaster.Broadcast(EventServerShutdown, map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// startBackground runs the keepalive tick and the queue status pump.
func (s *Server) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(2)
	go func() {
		defer s.bgWG.Done()
		s.broadcaster.PumpStatus(ctx, s.sessions.Relay())
	}()
	go func() {
		defer s.bgWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Broadcast(EventTick, map[string]interface{}{
					"status": "alive",
				})
			}
		}
	}()
}

func (s *Server) stopBackground() {
	if s.bgCancel != nil {
		s.bgCancel()
		s.bgCancel = nil
	}
	s.bgWG.Wait()
}

func (s *Server) authorized(r *http.Request) bool {
	return s.authHandler.CheckSecret(r.Header.Get(SecretHeader))
}

// httpLimiter returns the limiter of a remote host. HTTP callers have no
// connection identity, so requests are grouped by source address.
func (s *Server) httpLimiter(remoteAddr string) *ClientRateLimiter {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	s.httpLimitersMu.Lock()
	defer s.httpLimitersMu.Unlock()
	limiter, ok := s.httpLimiters[host]
	if !ok {
		limiter = NewClientRateLimiterWithLimits(s.requestsPerMinute, s.maxConcurrent)
		s.httpLimiters[host] = limiter
	}
	return limiter
}

// requestContext derives the context of one RPC call. It is detached from
// the connection so a dropped client cannot abort a half-written update.
func (s *Server) requestContext(traceID, clientID string, req *RPCRequest) context.Context {
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(context.Background(), traceID)
	ctx = tracing.WithRequestID(ctx, req.ID)
	if clientID != "" {
		ctx = withClientID(ctx, clientID)
	}
	return ctx
}

// handleRPC handles single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.shuttingDown() {
		writeJSON(w, http.StatusServiceUnavailable, RPCResponse{
			JSONRPC: "2.0",
			Error:   &RPCError{Code: Unavailable, Message: "Server is shutting down"},
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = &RPCError{Code: ParseError, Message: err.Error()}
		}
		writeJSON(w, http.StatusBadRequest, RPCResponse{JSONRPC: "2.0", Error: rpcErr})
		return
	}

	limiter := s.httpLimiter(r.RemoteAddr)
	if allowed, reason := limiter.Acquire(); !allowed {
		writeJSON(w, http.StatusTooManyRequests, RPCResponse{ID: req.ID, JSONRPC: "2.0", Error: rpcErrorFor(reason)})
		return
	}
	defer limiter.Release()

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	ctx := s.requestContext(r.Header.Get("X-Trace-Id"), "", req)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().Str("method", req.Method).Msg("Gateway received HTTP RPC request")

	resp := s.router.RouteRequest(ctx, req)
	if resp.Error != nil {
		logger.Debug().Int("code", resp.Error.Code).Str("error", resp.Error.Message).Str("method", req.Method).Msg("RPC request failed")
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiterWithLimits(s.requestsPerMinute, s.maxConcurrent),
		State:        StateConnecting,
	}
	if !s.authHandler.Enabled() {
		client.Authenticated = true
		client.State = StateAuthenticated
	}

	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if client.Authenticated {
		err = s.welcome(client, AuthResult{Event: "auth.success", Success: true})
	} else {
		err = s.sendAuthChallenge(client)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to open client session")
		conn.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

// sendAuthChallenge sends an authentication challenge to a client
func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}

	s.clients.Update(client.ID, func(c *Client) {
		c.Challenge = challenge
		c.State = StateAuthenticating
	})

	return client.WriteJSON(AuthChallenge{
		Event:     "auth.challenge",
		Challenge: challenge,
	})
}

// welcome confirms authentication and sends the current queue status so
// the client does not wait for the next change.
func (s *Server) welcome(client *Client, result AuthResult) error {
	if err := client.WriteJSON(result); err != nil {
		return err
	}
	status, ok := s.sessions.Relay().LastStatus()
	if !ok {
		var err error
		if status, err = s.dispatcher.Status(context.Background()); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to compute queue status for new client")
			return nil
		}
	}
	return s.broadcaster.Send(client, EventQueueStatus, status)
}

// handleClient handles messages from a client
func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	client.Conn.SetReadLimit(maxRequestBody)
	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, message)
	}
}

// handleMessage handles a single message from a client
func (s *Server) handleMessage(client *Client, message []byte) {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		s.handleAuthMessage(client, authResp)
		return
	}

	if !s.clients.IsAuthenticated(client.ID) {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		if rpcErr, ok := err.(*RPCError); ok {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return
	}

	if s.shuttingDown() {
		s.sendError(client, req.ID, Unavailable, "Server is shutting down")
		return
	}

	allowed, reason := client.RateLimiter.Acquire()
	if !allowed {
		rpcErr := rpcErrorFor(reason)
		s.sendError(client, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	s.inFlightReqs.Add(1)

	go func() {
		defer client.RateLimiter.Release()
		defer s.inFlightReqs.Done()

		ctx := s.requestContext("", client.ID, req)
		response := s.router.RouteRequest(ctx, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
}

// handleAuthMessage handles authentication messages
func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) {
	result := AuthResult{Event: "auth.failure", Message: "Unknown client"}
	attempts := 0
	s.clients.Update(client.ID, func(c *Client) {
		result = s.authHandler.HandleAuthResponse(c, authResp.Signature)
		attempts = c.AuthAttempts
	})

	if !result.Success {
		s.logger.Warn().
			Str("clientId", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")
		if err := client.WriteJSON(result); err != nil {
			s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		}
		if attempts >= maxAuthAttempts {
			client.Conn.Close()
		}
		return
	}

	s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
	if err := s.welcome(client, result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
	}
}

// sendError sends an error response to a client
func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	}

	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// Broadcast broadcasts an event to all authenticated clients
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
