package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/session"
)

const streamBuffer = 64

// handleSessionEvents serves the progress stream of one session as
// server-sent events. Each event is named after its canonical type and
// carries its sequence number as the event id. The stream ends after the
// terminal event.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID := r.PathValue("id")
	events, cancel, err := s.sessions.Subscribe(sessionID, streamBuffer)
	if err != nil {
		if session.IsNotFound(err) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer cancel()

	// a reconnecting reader skips what it already has
	var lastSeen int64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		lastSeen, _ = strconv.ParseInt(v, 10, 64)
	}

	logger := tracing.LoggerFromContext(tracing.WithSessionID(r.Context(), sessionID), s.logger)
	logger.Debug().Int64("last_event_id", lastSeen).Msg("Progress stream opened")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ping := time.NewTicker(s.tickInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug().Msg("Progress stream closed by client")
			return
		case <-s.done:
			return
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Seq > 0 && evt.Seq <= lastSeen && !evt.Type.Terminal() {
				continue
			}
			if err := writeSSE(w, evt); err != nil {
				logger.Debug().Err(err).Msg("Progress stream write failed")
				return
			}
			flusher.Flush()
			if evt.Type.Terminal() {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, evt session.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type, data)
	return err
}
