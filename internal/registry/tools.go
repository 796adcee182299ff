package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rmcp-dev/rmcp/internal/permission"
	"github.com/rmcp-dev/rmcp/internal/runtime"
	"github.com/rmcp-dev/rmcp/internal/schema"
	"github.com/rmcp-dev/rmcp/internal/session"
	"github.com/rmcp-dev/rmcp/internal/vfs"
)

// ToolHandler executes a tool. args has already passed input validation.
// Returning a *Result attaches an image or a custom summary.
type ToolHandler func(rc *session.Context, args map[string]any) (any, error)

// Tool is a registered tool definition.
type Tool struct {
	Name         string
	Title        string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Annotations  *mcp.ToolAnnotation
	Handler      ToolHandler

	input  *schema.Validator
	output *schema.Validator
}

// ToolInfo is the tools/list wire form.
type ToolInfo struct {
	Name         string              `json:"name"`
	Title        string              `json:"title,omitempty"`
	Description  string              `json:"description,omitempty"`
	InputSchema  json.RawMessage     `json:"inputSchema"`
	OutputSchema json.RawMessage     `json:"outputSchema,omitempty"`
	Annotations  *mcp.ToolAnnotation `json:"annotations,omitempty"`
}

var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

// Info returns the wire description.
func (t *Tool) Info() ToolInfo {
	in := t.InputSchema
	if len(in) == 0 {
		in = emptyObjectSchema
	}
	return ToolInfo{
		Name:         t.Name,
		Title:        t.Title,
		Description:  t.Description,
		InputSchema:  in,
		OutputSchema: t.OutputSchema,
		Annotations:  t.Annotations,
	}
}

// Tools is the tool registry.
type Tools struct {
	*Catalog[*Tool]
}

// NewTools creates an empty tool registry.
func NewTools() *Tools {
	return &Tools{Catalog: NewCatalog[*Tool]("tool")}
}

// Register compiles the tool's schemas and adds it, replacing any tool of
// the same name.
func (r *Tools) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q has no handler", t.Name)
	}
	in, err := schema.Compile(t.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %q input schema: %w", t.Name, err)
	}
	out, err := schema.Compile(t.OutputSchema)
	if err != nil {
		return fmt.Errorf("tool %q output schema: %w", t.Name, err)
	}
	t.input, t.output = in, out
	r.Put(t.Name, &t)
	return nil
}

// MustRegister is Register for static definitions.
func (r *Tools) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// List returns one page of tool descriptions.
func (r *Tools) List(cursor string, limit int) ([]ToolInfo, string, error) {
	tools, next, err := r.Page(cursor, limit)
	if err != nil {
		return nil, "", err
	}
	infos := make([]ToolInfo, len(tools))
	for i, t := range tools {
		infos[i] = t.Info()
	}
	return infos, next, nil
}

// Call runs a tool. Every failure, including an unknown name, invalid input,
// a handler error or panic, is reported as a result with IsError set; Call
// never returns a protocol-level failure.
func (r *Tools) Call(rc *session.Context, name string, args map[string]any) *mcp.CallToolResult {
	t, err := r.Lookup(name)
	if err != nil {
		return errorResult(err.Error())
	}
	if args == nil {
		args = map[string]any{}
	}

	if err := t.input.Validate(args); err != nil {
		return errorResult(fmt.Sprintf("Invalid arguments for tool %q: %v", name, err))
	}

	if err := rc.CheckCancellation(); err != nil {
		return errorResult(fmt.Sprintf("Tool %q was not run: %v", name, err))
	}

	raw, err := invoke(rc, t, args)
	if err != nil {
		return errorResult(describeError(name, err))
	}

	var summary string
	var img *Image
	switch res := raw.(type) {
	case *Result:
		raw, summary, img = res.Data, res.Summary, res.Image
	case Result:
		raw, summary, img = res.Data, res.Summary, res.Image
	}

	data := structured(raw)
	if err := t.output.Validate(data); err != nil {
		rc.Error().Err(err).Str("tool", name).Msg("Tool output failed schema validation")
		return errorResult(fmt.Sprintf("Tool %q produced output that does not match its declared schema: %v", name, err))
	}

	return shape(raw, data, summary, img)
}

// invoke runs the handler, converting a panic into an error.
func invoke(rc *session.Context, t *Tool, args map[string]any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			rc.Error().
				Str("tool", t.Name).
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Msg("Tool handler panicked")
			result, err = nil, errHandlerPanic
		}
	}()
	return t.Handler(rc, args)
}

var errHandlerPanic = errors.New("internal error while running the tool")

// CapabilityError is a handler failure whose message is already fit for the
// client and is passed through unchanged.
type CapabilityError struct {
	Message string
}

func (e *CapabilityError) Error() string {
	return e.Message
}

// Errorf returns a *CapabilityError.
func Errorf(format string, args ...any) error {
	return &CapabilityError{Message: fmt.Sprintf(format, args...)}
}

// IsCapabilityError checks if an error is a *CapabilityError.
func IsCapabilityError(err error) bool {
	var ce *CapabilityError
	return errors.As(err, &ce)
}

// describeError turns a handler error into client-facing text.
func describeError(name string, err error) string {
	switch {
	case permission.IsApprovalNeeded(err), permission.IsBlocked(err), IsCapabilityError(err):
		return err.Error()
	case vfs.IsAccessError(err):
		return fmt.Sprintf("Tool %q was denied file access: %v", name, err)
	case runtime.IsTimeout(err):
		return fmt.Sprintf("Tool %q did not finish in time. %v", name, err)
	case errors.Is(err, session.ErrCancelled):
		return fmt.Sprintf("Tool %q was cancelled.", name)
	}
	return fmt.Sprintf("Tool %q failed: %v", name, err)
}
