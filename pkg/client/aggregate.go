package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/conductor/pkg/gateway"
	"github.com/harun/conductor/pkg/session"
	"github.com/tidwall/gjson"
)

// ErrServerShutdown is returned when the gateway announces its shutdown.
var ErrServerShutdown = errors.New("gateway is shutting down")

const handshakeTimeout = 10 * time.Second

func (c *Client) wsURL() string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + "/ws"
	default:
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + "/ws"
	}
}

// WatchStatus connects to the aggregate channel and calls fn with every
// queue status push until ctx ends or the connection drops. The first
// status arrives right after authentication. It always returns an error;
// callers reconnect with a Backoff.
func (c *Client) WatchStatus(ctx context.Context, fn func(session.QueueStatus)) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
			return ErrServerShutdown
		}
		return fmt.Errorf("dial aggregate channel: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	if err := c.handshake(conn); err != nil {
		return err
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read aggregate channel: %w", err)
		}

		switch gjson.GetBytes(msg, "event").String() {
		case gateway.EventQueueStatus:
			var status session.QueueStatus
			if err := json.Unmarshal([]byte(gjson.GetBytes(msg, "data").Raw), &status); err != nil {
				c.logger.Warn().Err(err).Msg("Malformed queue status")
				continue
			}
			fn(status)
		case gateway.EventServerShutdown:
			return ErrServerShutdown
		}
	}
}

// handshake answers the challenge, if any, and waits for the verdict.
func (c *Client) handshake(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("aggregate handshake: %w", err)
		}

		switch gjson.GetBytes(msg, "event").String() {
		case "auth.challenge":
			challenge := gjson.GetBytes(msg, "challenge").String()
			if err := conn.WriteJSON(gateway.AuthResponse{
				Method:    "auth.response",
				Signature: gateway.Sign(c.secret, challenge),
			}); err != nil {
				return fmt.Errorf("aggregate handshake: %w", err)
			}
		case "auth.success":
			return nil
		case "auth.failure":
			return fmt.Errorf("%w: %s", ErrAuthFailed, gjson.GetBytes(msg, "message").String())
		}
	}
}
