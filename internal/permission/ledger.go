package permission

import (
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rmcp-dev/rmcp/internal/vfs"
)

// Ledger records the approvals granted within one session. It is safe for
// concurrent use: grants and once-reservation happen under one lock, so a
// once entry can never authorize two calls.
type Ledger struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	reserved map[string]bool
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		entries:  make(map[string]*Entry),
		reserved: make(map[string]bool),
	}
}

// Grant records an approval and returns it.
func (l *Ledger) Grant(category, operation string, scope Scope, directory string) Entry {
	if operation == "" {
		operation = WildcardOperation
	}
	if scope == "" {
		scope = ScopeSession
	}
	e := &Entry{
		ID:        ulid.Make().String(),
		Category:  category,
		Operation: operation,
		Scope:     scope,
		Directory: directory,
		GrantedAt: time.Now(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// A repeated session grant replaces the previous one.
	if scope == ScopeSession {
		for id, old := range l.entries {
			if old.Scope == ScopeSession && old.Category == category &&
				old.Operation == operation && old.Directory == directory {
				delete(l.entries, id)
			}
		}
	}
	l.entries[e.ID] = e
	return *e
}

// Revoke removes an entry by id and returns it.
func (l *Ledger) Revoke(id string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return Entry{}, false
	}
	delete(l.entries, id)
	delete(l.reserved, id)
	return *e, true
}

// Clear removes every entry.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*Entry)
	l.reserved = make(map[string]bool)
}

// Entries returns a snapshot ordered by grant time.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// IsApproved reports whether some entry covers category/operation, ignoring
// directory constraints. It never consumes once entries.
func (l *Ledger) IsApproved(category, operation string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.covers(category, operation) {
			return true
		}
	}
	return false
}

// request is one approvable use that needs a covering entry.
type request struct {
	Category  string
	Operation string
	// Paths are absolute targets that a directory constraint must contain.
	Paths []string
}

// authorize finds a covering entry for every request. Either all requests are
// covered, and the once entries used are reserved and returned, or nothing
// changes and the first uncovered request is returned. Session entries are
// preferred so a once entry is only used when nothing else applies. A
// reserved entry cannot cover another call until it is released.
func (l *Ledger) authorize(reqs []request) ([]string, *request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var reserve []string
	seen := make(map[string]bool)
	for i := range reqs {
		r := &reqs[i]
		var session, once *Entry
		for _, e := range l.entries {
			if !e.covers(r.Category, r.Operation) || !e.contains(r.Paths) {
				continue
			}
			if e.Scope == ScopeSession {
				if session == nil || e.ID < session.ID {
					session = e
				}
			} else if !l.reserved[e.ID] && (once == nil || e.ID < once.ID) {
				once = e
			}
		}
		switch {
		case session != nil:
		case once != nil:
			if !seen[once.ID] {
				seen[once.ID] = true
				reserve = append(reserve, once.ID)
			}
		default:
			return nil, r, false
		}
	}

	for _, id := range reserve {
		l.reserved[id] = true
	}
	return reserve, nil, true
}

// commit spends reserved once entries.
func (l *Ledger) commit(ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		if l.reserved[id] {
			delete(l.reserved, id)
			delete(l.entries, id)
		}
	}
}

// release makes reserved once entries available again.
func (l *Ledger) release(ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		delete(l.reserved, id)
	}
}

func (e *Entry) covers(category, operation string) bool {
	if e.Category != category {
		return false
	}
	return e.Operation == WildcardOperation || e.Operation == operation
}

func (e *Entry) contains(paths []string) bool {
	if e.Directory == "" {
		return true
	}
	for _, p := range paths {
		if !vfs.IsWithinDir(p, e.Directory) {
			return false
		}
	}
	return true
}
