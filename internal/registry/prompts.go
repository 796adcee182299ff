package registry

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rmcp-dev/rmcp/internal/session"
)

// PromptHandler renders a prompt from its string arguments.
type PromptHandler func(rc *session.Context, args map[string]string) ([]mcp.PromptMessage, error)

// Prompt is a registered prompt definition.
type Prompt struct {
	Name        string
	Title       string
	Description string
	Arguments   []mcp.PromptArgument
	Handler     PromptHandler
}

// PromptInfo is the prompts/list wire form.
type PromptInfo struct {
	Name        string               `json:"name"`
	Title       string               `json:"title,omitempty"`
	Description string               `json:"description,omitempty"`
	Arguments   []mcp.PromptArgument `json:"arguments,omitempty"`
}

// ArgumentError reports missing or malformed prompt arguments.
type ArgumentError struct {
	Prompt  string
	Missing []string
	Invalid string
}

func (e *ArgumentError) Error() string {
	if len(e.Missing) == 0 {
		return fmt.Sprintf("prompt %q has an invalid argument: %s", e.Prompt, e.Invalid)
	}
	return fmt.Sprintf("prompt %q is missing required arguments: %s", e.Prompt, strings.Join(e.Missing, ", "))
}

// IsArgumentError checks if an error is a prompt argument failure.
func IsArgumentError(err error) bool {
	var ae *ArgumentError
	return errors.As(err, &ae)
}

// Prompts is the prompt registry.
type Prompts struct {
	*Catalog[*Prompt]
}

// NewPrompts creates an empty prompt registry.
func NewPrompts() *Prompts {
	return &Prompts{Catalog: NewCatalog[*Prompt]("prompt")}
}

// Register adds a prompt, replacing any with the same name.
func (r *Prompts) Register(p Prompt) error {
	if p.Name == "" {
		return fmt.Errorf("prompt has no name")
	}
	if p.Handler == nil {
		return fmt.Errorf("prompt %q has no handler", p.Name)
	}
	r.Put(p.Name, &p)
	return nil
}

// MustRegister is Register for static definitions.
func (r *Prompts) MustRegister(p Prompt) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// List returns one page of prompt descriptions.
func (r *Prompts) List(cursor string, limit int) ([]PromptInfo, string, error) {
	items, next, err := r.Page(cursor, limit)
	if err != nil {
		return nil, "", err
	}
	infos := make([]PromptInfo, len(items))
	for i, p := range items {
		infos[i] = PromptInfo{Name: p.Name, Title: p.Title, Description: p.Description, Arguments: p.Arguments}
	}
	return infos, next, nil
}

// Get renders a prompt after checking its required arguments.
func (r *Prompts) Get(rc *session.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	p, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, a := range p.Arguments {
		if a.Required && strings.TrimSpace(args[a.Name]) == "" {
			missing = append(missing, a.Name)
		}
	}
	if len(missing) > 0 {
		return nil, &ArgumentError{Prompt: name, Missing: missing}
	}
	if err := rc.CheckCancellation(); err != nil {
		return nil, err
	}

	msgs, err := renderPrompt(rc, p, args)
	if err != nil {
		return nil, err
	}
	return mcp.NewGetPromptResult(p.Description, msgs), nil
}

func renderPrompt(rc *session.Context, p *Prompt, args map[string]string) (msgs []mcp.PromptMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			rc.Error().
				Str("prompt", p.Name).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Prompt handler panicked")
			msgs, err = nil, errors.New("internal error while rendering the prompt")
		}
	}()
	if args == nil {
		args = map[string]string{}
	}
	return p.Handler(rc, args)
}
