// Package permission implements the operation approval gate: R script text is
// classified into operation categories, never-approvable operations are
// blocked outright, and approvable ones run only after the client has granted
// them through the session's approval ledger.
package permission

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ApprovalMarker prefixes the machine-readable approval request embedded in
// capability error text: OPERATION_APPROVAL_NEEDED:<category>:<operation>.
const ApprovalMarker = "OPERATION_APPROVAL_NEEDED"

// Level is the security level of an operation category.
type Level string

const (
	LevelApprovable Level = "approvable"
	LevelNever      Level = "never"
)

// Scope is how long an approval lasts.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeOnce    Scope = "once"
)

// ParseScope accepts "session", "once" and the legacy alias "always".
// An empty string means session.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "session", "always":
		return ScopeSession, nil
	case "once":
		return ScopeOnce, nil
	}
	return "", fmt.Errorf("invalid scope %q: expected \"session\" or \"once\"", s)
}

// WildcardOperation approves every operation of a category.
const WildcardOperation = "*"

// Entry is a granted exception to the gate.
type Entry struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Operation string    `json:"operation"`
	Scope     Scope     `json:"scope"`
	Directory string    `json:"directory,omitempty"`
	GrantedAt time.Time `json:"grantedAt"`
}

// Finding is one detected operation in a script.
type Finding struct {
	Category  string
	Operation string
	Level     Level
	Offset    int
	// Paths are literal file targets found in the call's arguments.
	Paths []string
	// Literal is the first string argument, kept for shell escapes.
	Literal string
}

// ApprovalNeededError asks the client to approve an operation and retry.
type ApprovalNeededError struct {
	Category    string
	Operation   string
	Description string
}

// Marker returns OPERATION_APPROVAL_NEEDED:<category>:<operation>.
func (e *ApprovalNeededError) Marker() string {
	return fmt.Sprintf("%s:%s:%s", ApprovalMarker, e.Category, e.Operation)
}

func (e *ApprovalNeededError) Error() string {
	desc := e.Description
	if desc == "" {
		desc = "a sensitive operation"
	}
	return fmt.Sprintf("%s\nThis analysis uses %s (%s), which requires your approval. "+
		"Call approve_operation with category=%q and operation=%q, then run the analysis again.",
		e.Marker(), e.Operation, desc, e.Category, e.Operation)
}

// IsApprovalNeeded checks if an error requests approval.
func IsApprovalNeeded(err error) bool {
	var ae *ApprovalNeededError
	return errors.As(err, &ae)
}

// BlockedError reports a never-approvable operation.
type BlockedError struct {
	Category   string
	Operations []string
	// Commands lists shell commands found in a literal shell escape, if any.
	Commands []string
}

func (e *BlockedError) Error() string {
	msg := fmt.Sprintf("The script was blocked because it uses %s, which is not permitted (%s). This cannot be approved.",
		strings.Join(e.Operations, ", "), e.Category)
	if len(e.Commands) > 0 {
		msg += fmt.Sprintf(" It would have run: %s.", strings.Join(e.Commands, ", "))
	}
	return msg
}

// IsBlocked checks if an error is a never-approvable rejection.
func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
