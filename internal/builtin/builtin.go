// Package builtin provides the statistical tools, resources and prompts the
// server ships with.
package builtin

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rmcp-dev/rmcp/internal/event"
	"github.com/rmcp-dev/rmcp/internal/permission"
	"github.com/rmcp-dev/rmcp/internal/registry"
	"github.com/rmcp-dev/rmcp/internal/runtime"
)

// Deps are the collaborators shared by the built-in capabilities.
type Deps struct {
	Gate     *permission.Gate
	Executor runtime.Executor
	// Bus receives approval.granted events. May be nil.
	Bus *event.Bus
}

// Register adds every built-in capability. enabled maps tool names to an
// on/off switch; tools missing from it are on.
func Register(tools *registry.Tools, resources *registry.Resources, prompts *registry.Prompts, deps Deps, enabled map[string]bool) error {
	if deps.Gate == nil {
		deps.Gate = permission.NewGate(nil)
	}

	for _, t := range Tools(deps) {
		if on, ok := enabled[t.Name]; ok && !on {
			continue
		}
		if err := tools.Register(t); err != nil {
			return fmt.Errorf("register tool %s: %w", t.Name, err)
		}
	}
	if resources != nil {
		for _, r := range Resources(tools, deps) {
			if err := resources.Register(r); err != nil {
				return fmt.Errorf("register resource %s: %w", r.URI, err)
			}
		}
	}
	if prompts != nil {
		for _, p := range Prompts() {
			if err := prompts.Register(p); err != nil {
				return fmt.Errorf("register prompt %s: %w", p.Name, err)
			}
		}
	}
	return nil
}

// Tools returns the built-in tool definitions.
func Tools(deps Deps) []registry.Tool {
	return []registry.Tool{
		echoTool(),
		approveTool(deps),
		revokeTool(deps),
		executeTool(deps),
		summaryStatisticsTool(deps),
		linearModelTool(deps),
		correlationTool(deps),
		listDataFilesTool(),
		readDataFileTool(),
	}
}

// decodeArgs copies validated tool arguments into a typed input struct.
func decodeArgs(args map[string]any, v any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	return nil
}

func readOnlyAnnotations(title string) *mcp.ToolAnnotation {
	return &mcp.ToolAnnotation{
		Title:           title,
		ReadOnlyHint:    mcp.ToBoolPtr(true),
		DestructiveHint: mcp.ToBoolPtr(false),
		IdempotentHint:  mcp.ToBoolPtr(true),
		OpenWorldHint:   mcp.ToBoolPtr(false),
	}
}
