// Package vfs enforces the filesystem sandbox: an allow-list of roots, an
// optional read-only flag and deny patterns.
package vfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
)

// AccessError is returned when a path is rejected by the sandbox.
type AccessError struct {
	Path   string
	Reason string
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("access to %q denied: %s", e.Path, e.Reason)
}

// IsAccessError checks if an error is a sandbox rejection.
func IsAccessError(err error) bool {
	var ae *AccessError
	return errors.As(err, &ae)
}

// Sandbox is immutable after construction and safe for concurrent use.
type Sandbox struct {
	roots       []string
	readOnly    bool
	deny        []string
	fs          afero.Fs
	followLinks bool
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithReadOnly rejects every write.
func WithReadOnly(readOnly bool) Option {
	return func(s *Sandbox) { s.readOnly = readOnly }
}

// WithDeny adds doublestar patterns matched against absolute paths.
func WithDeny(patterns ...string) Option {
	return func(s *Sandbox) { s.deny = append(s.deny, patterns...) }
}

// WithFs replaces the backing filesystem (tests use afero.NewMemMapFs).
func WithFs(fs afero.Fs) Option {
	return func(s *Sandbox) {
		s.fs = fs
		s.followLinks = false
	}
}

// New creates a sandbox over the given roots. Roots are made absolute.
func New(roots []string, opts ...Option) (*Sandbox, error) {
	s := &Sandbox{fs: afero.NewOsFs(), followLinks: true}
	for _, opt := range opts {
		opt(s)
	}

	for _, root := range roots {
		if strings.TrimSpace(root) == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("invalid sandbox root %q: %w", root, err)
		}
		if s.followLinks {
			if resolved, err := filepath.EvalSymlinks(abs); err == nil {
				abs = resolved
			}
		}
		s.roots = append(s.roots, abs)
	}
	for _, p := range s.deny {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid deny pattern %q", p)
		}
	}
	return s, nil
}

// Roots returns a copy of the allowed roots.
func (s *Sandbox) Roots() []string {
	return append([]string(nil), s.roots...)
}

// ReadOnly reports whether writes are rejected.
func (s *Sandbox) ReadOnly() bool {
	return s.readOnly
}

// Fs returns the filesystem file-capable tools must use. Writes through it fail
// when the sandbox is read-only.
func (s *Sandbox) Fs() afero.Fs {
	if s.readOnly {
		return afero.NewReadOnlyFs(s.fs)
	}
	return s.fs
}

// Resolve maps p to an absolute path inside one of the roots. Relative paths
// are resolved against the first root.
func (s *Sandbox) Resolve(p string) (string, error) {
	if len(s.roots) == 0 {
		return "", &AccessError{Path: p, Reason: "no filesystem roots are configured"}
	}
	if strings.TrimSpace(p) == "" {
		return "", &AccessError{Path: p, Reason: "empty path"}
	}
	if strings.HasPrefix(p, "~") {
		return "", &AccessError{Path: p, Reason: "home-relative paths are not supported"}
	}

	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.roots[0], abs)
	}
	abs = filepath.Clean(abs)
	if s.followLinks {
		abs = evalExisting(abs)
	}

	if !s.withinRoots(abs) {
		return "", &AccessError{Path: p, Reason: "outside the allowed directories"}
	}
	for _, pattern := range s.deny {
		if ok, _ := doublestar.PathMatch(pattern, abs); ok {
			return "", &AccessError{Path: p, Reason: "matches a denied pattern"}
		}
	}
	return abs, nil
}

// CheckRead resolves p for reading.
func (s *Sandbox) CheckRead(p string) (string, error) {
	return s.Resolve(p)
}

// CheckWrite resolves p for writing.
func (s *Sandbox) CheckWrite(p string) (string, error) {
	abs, err := s.Resolve(p)
	if err != nil {
		return "", err
	}
	if s.readOnly {
		return "", &AccessError{Path: p, Reason: "the sandbox is read-only"}
	}
	return abs, nil
}

func (s *Sandbox) withinRoots(abs string) bool {
	for _, root := range s.roots {
		if IsWithinDir(abs, root) {
			return true
		}
	}
	return false
}

// evalExisting resolves symlinks on the longest existing prefix of p so a link
// inside a root cannot point outside it.
func evalExisting(p string) string {
	rest := ""
	cur := p
	for {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			if rest == "" {
				return resolved
			}
			return filepath.Join(resolved, rest)
		} else if !os.IsNotExist(err) {
			return p
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

// IsWithinDir checks if path is within or under directory.
func IsWithinDir(path, dir string) bool {
	path = filepath.Clean(path)
	dir = filepath.Clean(dir)

	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
