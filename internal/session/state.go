// Package session holds per-connection state and the per-call request
// context derived from it.
package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rmcp-dev/rmcp/internal/event"
	"github.com/rmcp-dev/rmcp/internal/permission"
	"github.com/rmcp-dev/rmcp/internal/vfs"
	"github.com/rmcp-dev/rmcp/pkg/types"
)

// Limits bounds external runtime use within a session.
type Limits struct {
	// Timeout is the default wall-clock limit for one R job.
	Timeout time.Duration
}

// LogLevels are the MCP logging levels, least severe first.
var LogLevels = []string{"debug", "info", "notice", "warning", "error", "critical", "alert", "emergency"}

// ClientInfo is what the client reported in initialize.
type ClientInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version,omitempty"`
	ProtocolVersion string `json:"protocolVersion,omitempty"`
}

// State is the long-lived state of one client connection. The sandbox is
// fixed at creation; the ledger and queue are safe for concurrent use.
type State struct {
	ID        string
	Transport string
	Sandbox   *vfs.Sandbox
	Ledger    *permission.Ledger
	Limits    Limits
	Queue     *event.Queue
	CreatedAt time.Time

	mu          sync.Mutex
	client      *ClientInfo
	initialized bool
	lastActive  time.Time
	inflight    map[string]context.CancelFunc
	closed      bool
	logLevel    string
}

// NewState creates session state with a fresh ledger and queue.
func NewState(transport string, sandbox *vfs.Sandbox, limits Limits) *State {
	now := time.Now()
	return &State{
		ID:         ulid.Make().String(),
		Transport:  transport,
		Sandbox:    sandbox,
		Ledger:     permission.NewLedger(),
		Limits:     limits,
		Queue:      event.NewQueue(),
		CreatedAt:  now,
		lastActive: now,
		inflight:   make(map[string]context.CancelFunc),
	}
}

// SetClient records the initialize handshake.
func (s *State) SetClient(info ClientInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = &info
}

// Client returns the client info, or nil before initialize.
func (s *State) Client() *ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	c := *s.client
	return &c
}

// MarkInitialized records notifications/initialized.
func (s *State) MarkInitialized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
}

// Initialized reports whether the client completed the handshake.
func (s *State) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Touch updates the last activity time.
func (s *State) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
}

// LastActive returns the last activity time.
func (s *State) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// SetLogLevel sets the least severe level of log messages pushed to the
// client. It reports false for a level not in LogLevels.
func (s *State) SetLogLevel(level string) bool {
	if !slices.Contains(LogLevels, level) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logLevel = level
	return true
}

// LogLevel returns the level set by SetLogLevel, or "" when every message
// is pushed.
func (s *State) LogLevel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logLevel
}

func (s *State) logEnabled(level string) bool {
	min := s.LogLevel()
	if min == "" {
		return true
	}
	sev := slices.Index(LogLevels, level)
	return sev < 0 || sev >= slices.Index(LogLevels, min)
}

// Notify queues a notification for push delivery.
func (s *State) Notify(method string, params any) bool {
	return s.Queue.Push(types.NewNotification(method, params))
}

// track registers an in-flight request so notifications/cancelled can reach it.
func (s *State) track(requestID string, cancel context.CancelFunc) func() {
	if requestID == "" {
		return func() {}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return func() {}
	}
	s.inflight[requestID] = cancel
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.inflight, requestID)
		s.mu.Unlock()
	}
}

// Cancel signals cancellation to an in-flight request. It reports whether
// the request was found.
func (s *State) Cancel(requestID string) bool {
	s.mu.Lock()
	cancel, ok := s.inflight[requestID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// InFlight returns the number of running requests.
func (s *State) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Closed reports whether the session was torn down.
func (s *State) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears the session down: in-flight requests are cancelled, approvals
// are cleared and the push queue stops accepting items.
func (s *State) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancels := s.inflight
	s.inflight = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.Ledger.Clear()
	s.Queue.Close()
}
