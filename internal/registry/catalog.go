// Package registry holds the tool, resource and prompt catalogs: paginated
// listing, schema-checked dispatch and response shaping.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"

	"github.com/rmcp-dev/rmcp/internal/logging"
)

// PaginationError reports a bad cursor or limit.
type PaginationError struct {
	Message string
}

func (e *PaginationError) Error() string {
	return e.Message
}

// IsPaginationError checks if an error is a pagination failure.
func IsPaginationError(err error) bool {
	var pe *PaginationError
	return errors.As(err, &pe)
}

// NotFoundError reports an unknown capability.
type NotFoundError struct {
	Kind       string
	Name       string
	Suggestion string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("Unknown %s %q", e.Kind, e.Name)
	if e.Suggestion != "" {
		msg += fmt.Sprintf(". Did you mean %q?", e.Suggestion)
	}
	return msg
}

// IsNotFound checks if an error is an unknown capability.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ChangeFunc is called with the affected names after a registration change.
type ChangeFunc func(names []string)

// Catalog is a name-keyed set of definitions with deterministic paging.
type Catalog[T any] struct {
	mu       sync.RWMutex
	kind     string
	items    map[string]T
	onChange ChangeFunc
}

// NewCatalog creates an empty catalog; kind names the items in messages.
func NewCatalog[T any](kind string) *Catalog[T] {
	return &Catalog[T]{kind: kind, items: make(map[string]T)}
}

// OnChange installs the list-changed callback.
func (c *Catalog[T]) OnChange(fn ChangeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Put inserts or overwrites an item. Overwrites are logged.
func (c *Catalog[T]) Put(name string, item T) {
	c.mu.Lock()
	_, replaced := c.items[name]
	c.items[name] = item
	fn := c.onChange
	c.mu.Unlock()

	if replaced {
		logging.Warn().Str("kind", c.kind).Str("name", name).Msg("Replacing registered definition")
	}
	if fn != nil {
		fn([]string{name})
	}
}

// Remove deletes an item.
func (c *Catalog[T]) Remove(name string) bool {
	c.mu.Lock()
	_, ok := c.items[name]
	delete(c.items, name)
	fn := c.onChange
	c.mu.Unlock()

	if ok && fn != nil {
		fn([]string{name})
	}
	return ok
}

// Get retrieves an item by name.
func (c *Catalog[T]) Get(name string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[name]
	return item, ok
}

// Lookup is Get with a NotFoundError carrying a close-match suggestion.
func (c *Catalog[T]) Lookup(name string) (T, error) {
	if item, ok := c.Get(name); ok {
		return item, nil
	}
	var zero T
	return zero, &NotFoundError{Kind: c.kind, Name: name, Suggestion: c.suggest(name)}
}

// Names returns all names in sorted order.
func (c *Catalog[T]) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.items))
	for name := range c.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of items.
func (c *Catalog[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Page returns the items starting at cursor, at most limit of them (0 means
// no limit), and the cursor of the next page or "" at the end.
func (c *Catalog[T]) Page(cursor string, limit int) ([]T, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.items))
	for name := range c.items {
		names = append(names, name)
	}
	sort.Strings(names)

	start, end, next, err := pageBounds(cursor, limit, len(names))
	if err != nil {
		return nil, "", err
	}
	out := make([]T, 0, end-start)
	for _, name := range names[start:end] {
		out = append(out, c.items[name])
	}
	return out, next, nil
}

// pageBounds validates cursor and limit against total.
func pageBounds(cursor string, limit, total int) (start, end int, next string, err error) {
	if limit < 0 {
		return 0, 0, "", &PaginationError{Message: fmt.Sprintf("limit must be a positive integer, got %d", limit)}
	}
	if cursor != "" {
		start, err = strconv.Atoi(strings.TrimSpace(cursor))
		if err != nil {
			return 0, 0, "", &PaginationError{Message: fmt.Sprintf("invalid cursor %q: not a number", cursor)}
		}
		if start < 0 || start > total {
			return 0, 0, "", &PaginationError{Message: fmt.Sprintf("invalid cursor %q: out of range [0, %d]", cursor, total)}
		}
	}

	end = total
	if limit > 0 && start+limit < total {
		end = start + limit
		next = strconv.Itoa(end)
	}
	return start, end, next, nil
}

func (c *Catalog[T]) suggest(name string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	best, bestDist := "", -1
	for candidate := range c.items {
		d := levenshtein.ComputeDistance(strings.ToLower(name), strings.ToLower(candidate))
		if bestDist < 0 || d < bestDist || (d == bestDist && candidate < best) {
			best, bestDist = candidate, d
		}
	}
	if best == "" || bestDist > maxSuggestDistance(name) {
		return ""
	}
	return best
}

func maxSuggestDistance(name string) int {
	if n := len(name) / 3; n > 2 {
		return n
	}
	return 2
}

// PageLimit converts an optional wire limit to a Page limit. A given limit
// must be positive; absence means no limit.
func PageLimit(limit *int) (int, error) {
	if limit == nil {
		return 0, nil
	}
	if *limit <= 0 {
		return 0, &PaginationError{Message: fmt.Sprintf("limit must be a positive integer, got %d", *limit)}
	}
	return *limit, nil
}
