package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rmcp-dev/rmcp/internal/logging"
	"github.com/rmcp-dev/rmcp/internal/mcp"
	"github.com/rmcp-dev/rmcp/internal/session"
)

// MaxBodySize bounds a POSTed envelope.
const MaxBodySize = 32 << 20

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string        `json:"status"`
	Transport TransportInfo `json:"transport"`
}

// TransportInfo describes the HTTP transport in health output.
type TransportInfo struct {
	Type     string `json:"type"`
	TLS      bool   `json:"tls"`
	Sessions int    `json:"sessions"`
}

// postMessage handles POST /mcp: one envelope in, at most one out.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, ErrCodeInvalidRequest, "request body too large")
		return
	}

	state, ephemeral, status := s.resolveSession(r, peekMethod(body))
	if state == nil {
		writeError(w, status, ErrCodeSessionNotFound, "unknown or missing "+SessionHeader)
		return
	}
	if ephemeral {
		defer s.sessions.Delete(state.ID)
	} else {
		w.Header().Set(SessionHeader, state.ID)
	}

	resp, ok := s.mcp.Handle(r.Context(), state, body)
	if !ok {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// resolveSession maps the session header to state. initialize always mints
// a persistent session. Other calls without a known id are served from a
// throwaway session, or rejected when sessions are strict.
func (s *Server) resolveSession(r *http.Request, method string) (state *session.State, ephemeral bool, status int) {
	id := r.Header.Get(SessionHeader)

	if method == mcp.MethodInitialize {
		if id != "" {
			if existing, ok := s.sessions.Get(id); ok {
				return existing, false, 0
			}
		}
		return s.sessions.Create("http"), false, 0
	}

	if id != "" {
		if existing, ok := s.sessions.Get(id); ok {
			existing.Touch()
			return existing, false, 0
		}
	}

	if s.config.StrictSessions {
		if id == "" {
			return nil, false, http.StatusBadRequest
		}
		return nil, false, http.StatusNotFound
	}

	if id != "" {
		logging.Warn().Str("sessionID", id).Str("method", method).
			Msg("Unknown session id, serving call from a fresh session")
	}
	return s.sessions.Create("http"), true, 0
}

// peekMethod extracts the method name without validating the envelope.
func peekMethod(body []byte) string {
	var envelope struct {
		Method string `json:"method"`
	}
	if json.Unmarshal(body, &envelope) != nil {
		return ""
	}
	return envelope.Method
}

// deleteSession handles DELETE /mcp.
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, SessionHeader+" required")
		return
	}
	if !s.sessions.Delete(id) {
		writeError(w, http.StatusNotFound, ErrCodeSessionNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// health handles GET /health.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "healthy",
		Transport: TransportInfo{
			Type:     "http",
			TLS:      s.config.TLS(),
			Sessions: s.sessions.Count(),
		},
	})
}
