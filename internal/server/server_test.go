package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmcp-dev/rmcp/internal/event"
	"github.com/rmcp-dev/rmcp/internal/logging"
	"github.com/rmcp-dev/rmcp/internal/mcp"
	"github.com/rmcp-dev/rmcp/internal/registry"
	"github.com/rmcp-dev/rmcp/internal/session"
	"github.com/rmcp-dev/rmcp/pkg/types"
)

const initializeMsg = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"test"}}}`

func setupTestServer(t *testing.T, cfg *Config) (*Server, *session.Manager) {
	t.Helper()

	tools := registry.NewTools()
	tools.MustRegister(registry.Tool{
		Name: "echo",
		Handler: func(rc *session.Context, args map[string]any) (any, error) {
			return args, nil
		},
	})
	tools.MustRegister(registry.Tool{
		Name:        "progress",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"tag":{"type":"string"},"steps":{"type":"integer"}},"required":["tag"]}`),
		Handler: func(rc *session.Context, args map[string]any) (any, error) {
			tag := args["tag"].(string)
			steps := 3
			if n, ok := args["steps"].(float64); ok {
				steps = int(n)
			}
			for i := 1; i <= steps; i++ {
				rc.Log("info", fmt.Sprintf("%s step %d", tag, i), map[string]any{"tag": tag, "step": i})
				time.Sleep(5 * time.Millisecond)
			}
			return map[string]any{"tag": tag, "steps": steps}, nil
		},
	})

	router := mcp.NewRouter(mcp.Options{Name: "rmcp-test", Version: "0.0.1"}, tools, nil, nil)
	sessions := session.NewManager(nil, session.Limits{}, event.NewBus())
	t.Cleanup(sessions.Close)
	return New(cfg, router, sessions), sessions
}

func post(t *testing.T, h http.Handler, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) types.Response {
	t.Helper()
	var resp types.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func TestInitializeMintsSession(t *testing.T) {
	srv, sessions := setupTestServer(t, nil)

	w := post(t, srv.Handler(), "", initializeMsg)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	id := w.Header().Get(SessionHeader)
	require.NotEmpty(t, id)
	state, ok := sessions.Get(id)
	require.True(t, ok)
	require.NotNil(t, state.Client())
	assert.Equal(t, "test", state.Client().Name)

	resp := decodeResponse(t, w)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "1", resp.ID.String())

	w = post(t, srv.Handler(), id, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, w.Header().Get(SessionHeader))
	assert.Equal(t, 1, sessions.Count())
}

func TestNotificationReturnsAccepted(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	id := post(t, srv.Handler(), "", initializeMsg).Header().Get(SessionHeader)

	w := post(t, srv.Handler(), id, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestProtocolErrorsUseEnvelope(t *testing.T) {
	srv, _ := setupTestServer(t, nil)

	w := post(t, srv.Handler(), "", `{"jsonrpc":"2.0",`)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeParseError, resp.Error.Code)
}

func TestUnknownSessionLenient(t *testing.T) {
	srv, sessions := setupTestServer(t, nil)

	w := post(t, srv.Handler(), "does-not-exist", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"a":1}}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get(SessionHeader), "throwaway sessions are not advertised")
	resp := decodeResponse(t, w)
	assert.Nil(t, resp.Error)
	assert.Equal(t, 0, sessions.Count(), "throwaway session is closed after the reply")

	w = post(t, srv.Handler(), "", `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, sessions.Count())
}

func TestUnknownSessionStrict(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StrictSessions = true
	srv, _ := setupTestServer(t, cfg)

	w := post(t, srv.Handler(), "does-not-exist", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = post(t, srv.Handler(), "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, ErrCodeSessionNotFound, body.Error.Code)

	// initialize is always allowed to mint a session.
	w = post(t, srv.Handler(), "", initializeMsg)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(SessionHeader))
}

func TestApprovalsStayInSession(t *testing.T) {
	srv, sessions := setupTestServer(t, nil)
	a := post(t, srv.Handler(), "", initializeMsg).Header().Get(SessionHeader)
	b := post(t, srv.Handler(), "", initializeMsg).Header().Get(SessionHeader)
	require.NotEqual(t, a, b)

	sa, _ := sessions.Get(a)
	sb, _ := sessions.Get(b)
	sa.Ledger.Grant("file_operations", "write.csv", "session", "")
	assert.True(t, sa.Ledger.IsApproved("file_operations", "write.csv"))
	assert.False(t, sb.Ledger.IsApproved("file_operations", "write.csv"))
}

func TestDeleteSession(t *testing.T) {
	srv, sessions := setupTestServer(t, nil)
	id := post(t, srv.Handler(), "", initializeMsg).Header().Get(SessionHeader)

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(SessionHeader, id)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, sessions.Count())

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/mcp", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	post(t, srv.Handler(), "", initializeMsg)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "http", health.Transport.Type)
	assert.False(t, health.Transport.TLS)
	assert.Equal(t, 1, health.Transport.Sessions)
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := setupTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/mcp", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", SessionHeader)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestWarnIfExposed(t *testing.T) {
	var buf bytes.Buffer
	logging.Init(logging.Config{Level: logging.InfoLevel, Output: &buf})
	defer logging.Init(logging.DefaultConfig())

	tests := []struct {
		name string
		cfg  Config
		warn bool
	}{
		{"loopback v4", Config{Host: "127.0.0.1"}, false},
		{"loopback v6", Config{Host: "::1"}, false},
		{"localhost", Config{Host: "localhost"}, false},
		{"all interfaces", Config{Host: "0.0.0.0"}, true},
		{"lan address", Config{Host: "192.168.1.20"}, true},
		{"all interfaces with tls", Config{Host: "0.0.0.0", TLSCert: "c.pem", TLSKey: "k.pem"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			s := &Server{config: &tt.cfg}
			assert.Equal(t, tt.warn, s.warnIfExposed())
			if tt.warn {
				assert.Contains(t, buf.String(), "SECURITY WARNING")
			} else {
				assert.NotContains(t, buf.String(), "SECURITY WARNING")
			}
		})
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid input")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var result ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.Equal(t, ErrCodeInvalidRequest, result.Error.Code)
	assert.Equal(t, "Invalid input", result.Error.Message)
}

type noFlushWriter struct{}

func (n *noFlushWriter) Header() http.Header       { return http.Header{} }
func (n *noFlushWriter) Write([]byte) (int, error) { return 0, nil }
func (n *noFlushWriter) WriteHeader(int)           {}

func TestNewSSEWriterNoFlusher(t *testing.T) {
	_, err := newSSEWriter(&noFlushWriter{})
	assert.Error(t, err)
}

func TestSSEWriterWriteEvent(t *testing.T) {
	w := httptest.NewRecorder()
	sse, err := newSSEWriter(w)
	require.NoError(t, err)

	require.NoError(t, sse.writeEvent("message", map[string]string{"hello": "world"}))
	assert.Equal(t, "event: message\ndata: {\"hello\":\"world\"}\n\n", w.Body.String())
	assert.True(t, w.Flushed)
}

// sseReader reads "data:" payloads from a live stream.
type sseReader struct {
	scanner *bufio.Scanner
}

func (r *sseReader) next() (types.Notification, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var n types.Notification
		if err := json.Unmarshal([]byte(data), &n); err != nil {
			return n, err
		}
		return n, nil
	}
	if err := r.scanner.Err(); err != nil {
		return types.Notification{}, err
	}
	return types.Notification{}, fmt.Errorf("stream closed")
}

func openStream(t *testing.T, ctx context.Context, base, sessionID string) (*http.Response, *sseReader) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/mcp/sse", nil)
	require.NoError(t, err)
	req.Header.Set(SessionHeader, sessionID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp, &sseReader{scanner: bufio.NewScanner(resp.Body)}
}

func postLive(t *testing.T, base, sessionID, body string) (types.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, base+"/mcp", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out types.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out, resp.Header.Get(SessionHeader)
}

func TestStreamDeliversConcurrentNotificationsInOrder(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	_, sessionID := postLive(t, ts.URL, "", initializeMsg)
	require.NotEmpty(t, sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, stream := openStream(t, ctx, ts.URL, sessionID)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	const steps = 4
	var wg sync.WaitGroup
	for i, tag := range []string{"a", "b"} {
		wg.Add(1)
		go func(id int, tag string) {
			defer wg.Done()
			body := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":"progress","arguments":{"tag":%q,"steps":%d}}}`, id+10, tag, steps)
			out, _ := postLive(t, ts.URL, sessionID, body)
			assert.Nil(t, out.Error)
		}(i, tag)
	}

	seen := map[string][]int{}
	for i := 0; i < 2*steps; i++ {
		n, err := stream.next()
		require.NoError(t, err)
		require.Equal(t, "notifications/message", n.Method)

		params := n.Params.(map[string]any)
		data := params["data"].(map[string]any)
		tag := data["tag"].(string)
		seen[tag] = append(seen[tag], int(data["step"].(float64)))
	}
	wg.Wait()

	for _, tag := range []string{"a", "b"} {
		assert.Equal(t, []int{1, 2, 3, 4}, seen[tag], "notifications for %s arrive in emission order", tag)
	}
}

func TestStreamRejectsUnknownAndDuplicate(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, _ := openStream(t, ctx, ts.URL, "missing")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, sessionID := postLive(t, ts.URL, "", initializeMsg)
	first, _ := openStream(t, ctx, ts.URL, sessionID)
	defer first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	second, _ := openStream(t, ctx, ts.URL, sessionID)
	second.Body.Close()
	assert.Equal(t, http.StatusConflict, second.StatusCode)
}

func TestStreamEndsWhenSessionDeleted(t *testing.T) {
	srv, sessions := setupTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	_, sessionID := postLive(t, ts.URL, "", initializeMsg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, stream := openStream(t, ctx, ts.URL, sessionID)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	state, ok := sessions.Get(sessionID)
	require.True(t, ok)
	state.Notify("notifications/tools/list_changed", nil)

	n, err := stream.next()
	require.NoError(t, err)
	assert.Equal(t, "notifications/tools/list_changed", n.Method)

	sessions.Delete(sessionID)
	_, err = stream.next()
	assert.Error(t, err)
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, IsLoopback("127.0.0.1"))
	assert.True(t, IsLoopback("127.1.2.3"))
	assert.True(t, IsLoopback("::1"))
	assert.True(t, IsLoopback("localhost"))
	assert.False(t, IsLoopback("0.0.0.0"))
	assert.False(t, IsLoopback(""))
	assert.False(t, IsLoopback("example.com"))
}
