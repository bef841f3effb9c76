package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/harun/conductor/pkg/session"
)

const maxSSELine = 1 << 20

// StreamSession reads the progress stream of a session and calls fn for
// each event in order. It returns nil after the terminal event and
// ErrStreamClosed when the stream ends early. afterSeq skips events the
// caller already has.
func (c *Client) StreamSession(ctx context.Context, sessionID string, afterSeq int64, fn func(session.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/sessions/"+url.PathEscape(sessionID)+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if afterSeq > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(afterSeq, 10))
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("open stream %s: %w", sessionID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return ErrAuthFailed
	case http.StatusNotFound:
		return fmt.Errorf("open stream %s: %w", sessionID, session.ErrSessionNotFound)
	default:
		return fmt.Errorf("open stream %s: HTTP %d", sessionID, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	var name string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				name = ""
				continue
			}
			var evt session.Event
			if err := json.Unmarshal([]byte(data.String()), &evt); err != nil {
				return fmt.Errorf("decode %s event: %w", name, err)
			}
			data.Reset()
			name = ""
			if evt.Seq > 0 && evt.Seq <= afterSeq && !evt.Type.Terminal() {
				continue
			}
			fn(evt)
			if evt.Type.Terminal() {
				return nil
			}
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read stream %s: %w", sessionID, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrStreamClosed
}
