package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rmcp-dev/rmcp/internal/event"
	"github.com/rmcp-dev/rmcp/internal/logging"
	"github.com/rmcp-dev/rmcp/pkg/types"
)

// SSEHeartbeatInterval is the interval for SSE heartbeats.
var SSEHeartbeatInterval = 30 * time.Second

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

// writeEvent writes one SSE event and flushes it.
func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}

	s.flush()
	return nil
}

// writeHeartbeat writes an SSE heartbeat comment.
func (s *sseWriter) writeHeartbeat() error {
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) flush() {
	// ResponseController sees through middleware wrappers.
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
}

// streamNotifications handles GET /mcp/sse. It drains the session's queue,
// writing each notification as soon as it is queued. A session has at most
// one stream.
func (s *Server) streamNotifications(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		id = r.URL.Query().Get("sessionId")
	}
	state, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeSessionNotFound, "session not found")
		return
	}

	if !s.attachStream(id) {
		writeError(w, http.StatusConflict, ErrCodeConflict, "session already has a notification stream")
		return
	}
	defer s.detachStream(id)

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.Header().Set(SessionHeader, id)

	// Flush headers so the client sees the stream open before the first event.
	w.WriteHeader(http.StatusOK)
	sse.flush()

	log := logging.With().Str("sessionID", id).Logger()
	log.Debug().Msg("Notification stream opened")
	defer log.Debug().Msg("Notification stream closed")

	for {
		n, err := popWithin(r.Context(), state.Queue, SSEHeartbeatInterval)
		switch {
		case err == nil:
			if err := sse.writeEvent("message", n); err != nil {
				log.Debug().Err(err).Msg("Failed to write notification")
				return
			}
		case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
			if err := sse.writeHeartbeat(); err != nil {
				return
			}
			// An open stream keeps the session alive.
			state.Touch()
		default:
			// Client gone or session closed.
			return
		}
	}
}

func popWithin(ctx context.Context, q *event.Queue, d time.Duration) (types.Notification, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return q.Pop(ctx)
}

func (s *Server) attachStream(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams[id] {
		return false
	}
	s.streams[id] = true
	return true
}

func (s *Server) detachStream(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, id)
}
