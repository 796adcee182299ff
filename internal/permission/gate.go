package permission

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rmcp-dev/rmcp/internal/vfs"
)

// Gate validates R scripts against the operation categories.
type Gate struct {
	categories atomic.Pointer[Categories]
}

// NewGate creates a gate. A nil categories set uses the built-in one.
func NewGate(categories *Categories) *Gate {
	if categories == nil {
		categories = DefaultCategories()
	}
	g := &Gate{}
	g.categories.Store(categories)
	return g
}

// Categories returns the gate's category set.
func (g *Gate) Categories() *Categories {
	return g.categories.Load()
}

// SetCategories swaps the category set. Ledger entries are kept; entries
// for categories that no longer exist simply never match.
func (g *Gate) SetCategories(categories *Categories) {
	if categories != nil {
		g.categories.Store(categories)
	}
}

// Analyze returns the operations detected in script.
func (g *Gate) Analyze(script string) []Finding {
	return g.Categories().Analyze(script)
}

// Validate decides whether script may run in a session with the given ledger
// and sandbox. It returns nil, a *BlockedError for never-approvable
// operations (regardless of the ledger), a *vfs.AccessError for literal file
// targets the sandbox rejects, or an *ApprovalNeededError naming the first
// operation without a covering approval. Once approvals are consumed only
// when the whole script is authorized.
func (g *Gate) Validate(script string, ledger *Ledger, sandbox *vfs.Sandbox) error {
	res, err := g.Reserve(script, ledger, sandbox)
	if err != nil {
		return err
	}
	res.Commit()
	return nil
}

// Reservation holds the once approvals a script was authorized with. They
// cannot authorize another script until the reservation is released, and are
// spent on Commit.
type Reservation struct {
	ledger *Ledger
	ids    []string
}

// Commit spends the reserved once approvals.
func (r *Reservation) Commit() {
	if r == nil || len(r.ids) == 0 {
		return
	}
	r.ledger.commit(r.ids)
	r.ids = nil
}

// Release returns the reserved once approvals to the ledger unspent.
func (r *Reservation) Release() {
	if r == nil || len(r.ids) == 0 {
		return
	}
	r.ledger.release(r.ids)
	r.ids = nil
}

// Reserve runs the same checks as Validate but only holds the once
// approvals it needs. The caller commits the reservation once the script
// ran successfully and releases it otherwise.
func (g *Gate) Reserve(script string, ledger *Ledger, sandbox *vfs.Sandbox) (*Reservation, error) {
	findings := g.Analyze(script)
	if len(findings) == 0 {
		return &Reservation{}, nil
	}

	if blocked := g.blocked(findings); blocked != nil {
		return nil, blocked
	}

	reqs := make([]request, 0, len(findings))
	for _, f := range findings {
		r := request{Category: f.Category, Operation: f.Operation}
		for _, p := range f.Paths {
			if sandbox == nil {
				continue
			}
			abs, err := sandbox.CheckWrite(p)
			if err != nil {
				return nil, err
			}
			r.Paths = append(r.Paths, abs)
		}
		reqs = append(reqs, r)
	}

	if ledger == nil {
		ledger = NewLedger()
	}
	ids, missing, ok := ledger.authorize(reqs)
	if !ok {
		desc := ""
		if cat, ok := g.Categories().Get(missing.Category); ok {
			desc = cat.Description
		}
		return nil, &ApprovalNeededError{
			Category:    missing.Category,
			Operation:   missing.Operation,
			Description: desc,
		}
	}
	return &Reservation{ledger: ledger, ids: ids}, nil
}

// blocked collects never-approvable findings of the first such category.
func (g *Gate) blocked(findings []Finding) *BlockedError {
	var be *BlockedError
	seen := make(map[string]bool)
	for _, f := range findings {
		if f.Level != LevelNever {
			continue
		}
		if be == nil {
			be = &BlockedError{Category: f.Category}
		}
		if f.Category != be.Category || seen[f.Operation] {
			continue
		}
		seen[f.Operation] = true
		be.Operations = append(be.Operations, f.Operation)
		if f.Literal != "" && isShellEscape(f.Operation) {
			if cmds, err := ParseShellCommand(f.Literal); err == nil {
				be.Commands = append(be.Commands, CommandNames(cmds)...)
			}
		}
	}
	return be
}

func isShellEscape(op string) bool {
	switch op {
	case "system", "system2", "shell", "pipe":
		return true
	}
	return false
}

// Approve grants an approval in ledger. An empty operation or "*" approves
// the whole category. A directory must be writable inside the sandbox; it is
// stored in absolute form.
func (g *Gate) Approve(ledger *Ledger, sandbox *vfs.Sandbox, category, operation string, scope Scope, directory string) (Entry, error) {
	categories := g.Categories()
	cat, ok := categories.Get(category)
	if !ok {
		return Entry{}, fmt.Errorf("unknown operation category %q (known: %s)",
			category, strings.Join(categories.Names(), ", "))
	}
	if !cat.Approvable() {
		return Entry{}, &BlockedError{Category: category, Operations: []string{operationLabel(operation)}}
	}
	if operation != "" && operation != WildcardOperation && !cat.HasOperation(operation) {
		return Entry{}, fmt.Errorf("unknown operation %q in category %q (known: %s)",
			operation, category, strings.Join(cat.OperationNames(), ", "))
	}
	if scope != ScopeSession && scope != ScopeOnce {
		return Entry{}, fmt.Errorf("invalid scope %q", scope)
	}

	if directory != "" {
		if sandbox == nil {
			return Entry{}, fmt.Errorf("directory constraints need a filesystem sandbox")
		}
		abs, err := sandbox.CheckWrite(directory)
		if err != nil {
			return Entry{}, err
		}
		directory = abs
	}

	return ledger.Grant(category, operation, scope, directory), nil
}

func operationLabel(op string) string {
	if op == "" {
		return WildcardOperation
	}
	return op
}
