package session

import (
	"sort"
	"sync"
	"time"

	"github.com/rmcp-dev/rmcp/internal/event"
	"github.com/rmcp-dev/rmcp/internal/logging"
	"github.com/rmcp-dev/rmcp/internal/vfs"
)

// Manager tracks live sessions. Each session gets its own ledger and queue
// but shares the sandbox configuration.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*State

	sandbox *vfs.Sandbox
	limits  Limits
	bus     *event.Bus
	unsubs  []func()

	reaperStop chan struct{}
	reaperDone sync.WaitGroup
}

// NewManager creates a manager. bus may be nil.
func NewManager(sandbox *vfs.Sandbox, limits Limits, bus *event.Bus) *Manager {
	m := &Manager{
		sessions: make(map[string]*State),
		sandbox:  sandbox,
		limits:   limits,
		bus:      bus,
	}
	if bus != nil {
		m.unsubs = append(m.unsubs,
			bus.Subscribe(event.ToolsChanged, m.listChanged("notifications/tools/list_changed")),
			bus.Subscribe(event.ResourcesChanged, m.listChanged("notifications/resources/list_changed")),
			bus.Subscribe(event.PromptsChanged, m.listChanged("notifications/prompts/list_changed")),
		)
	}
	return m
}

func (m *Manager) listChanged(method string) event.Subscriber {
	return func(event.Event) {
		m.Broadcast(method, nil)
	}
}

// Sandbox returns the shared sandbox.
func (m *Manager) Sandbox() *vfs.Sandbox {
	return m.sandbox
}

// Create starts a new session.
func (m *Manager) Create(transport string) *State {
	s := NewState(transport, m.sandbox, m.limits)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	logging.Debug().Str("sessionID", s.ID).Str("transport", transport).Msg("Session created")
	if m.bus != nil {
		m.bus.PublishSync(event.Event{
			Type: event.SessionCreated,
			Data: event.SessionData{SessionID: s.ID, Transport: transport},
		})
	}
	return s
}

// Get returns a live session.
func (m *Manager) Get(id string) (*State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete closes and forgets a session.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}

	s.Close()
	logging.Debug().Str("sessionID", id).Msg("Session closed")
	if m.bus != nil {
		m.bus.PublishSync(event.Event{
			Type: event.SessionClosed,
			Data: event.SessionData{SessionID: id, Transport: s.Transport},
		})
	}
	return true
}

// List returns live sessions ordered by id.
func (m *Manager) List() []*State {
	m.mu.RLock()
	out := make([]*State, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Broadcast queues a notification on every live session.
func (m *Manager) Broadcast(method string, params any) {
	for _, s := range m.List() {
		s.Notify(method, params)
	}
}

// ReapIdle closes sessions that saw no activity for ttl and have no request
// in flight. Stdio sessions live as long as their stream and are skipped.
// It returns the number of sessions closed.
func (m *Manager) ReapIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-ttl)
	reaped := 0
	for _, s := range m.List() {
		if s.Transport == "stdio" || s.InFlight() > 0 || s.LastActive().After(cutoff) {
			continue
		}
		if m.Delete(s.ID) {
			logging.Info().Str("sessionID", s.ID).Dur("idle", time.Since(s.LastActive())).Msg("Closed idle session")
			reaped++
		}
	}
	return reaped
}

// StartReaper runs ReapIdle every interval until Close. A second call, or a
// non-positive ttl, does nothing.
func (m *Manager) StartReaper(ttl, interval time.Duration) {
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = ttl / 2
	}

	m.mu.Lock()
	if m.reaperStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.reaperStop = stop
	m.mu.Unlock()

	m.reaperDone.Add(1)
	go func() {
		defer m.reaperDone.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.ReapIdle(ttl)
			}
		}
	}()
}

// Close closes every session and detaches from the bus.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.reaperStop != nil {
		close(m.reaperStop)
		m.reaperStop = nil
	}
	m.mu.Unlock()
	m.reaperDone.Wait()

	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
	for _, s := range m.List() {
		m.Delete(s.ID)
	}
}
