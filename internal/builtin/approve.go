package builtin

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rmcp-dev/rmcp/internal/event"
	"github.com/rmcp-dev/rmcp/internal/permission"
	"github.com/rmcp-dev/rmcp/internal/registry"
	"github.com/rmcp-dev/rmcp/internal/session"
)

const approveDescription = `Approves a gated operation for R scripts run in this session.

Usage:
- Call this after execute_r_analysis reports OPERATION_APPROVAL_NEEDED:<category>:<operation>
  and the user has agreed to the operation
- scope "session" lasts until the session ends; "once" covers exactly one successful script
- operation "*" approves every operation in the category
- directory optionally restricts file paths to one directory inside the sandbox
- Operations in never-approvable categories (such as system calls) cannot be approved`

// ApproveInput represents the input for the approve_operation tool.
type ApproveInput struct {
	Category  string `json:"category"`
	Operation string `json:"operation"`
	Scope     string `json:"scope,omitempty"`
	Directory string `json:"directory,omitempty"`
}

func approveTool(deps Deps) registry.Tool {
	return registry.Tool{
		Name:        "approve_operation",
		Title:       "Approve operation",
		Description: approveDescription,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"category": {
					"type": "string",
					"description": "Operation category from the approval marker, e.g. file_operations"
				},
				"operation": {
					"type": "string",
					"description": "Operation from the approval marker, e.g. write.csv, or * for the whole category"
				},
				"scope": {
					"type": "string",
					"enum": ["session", "once", "always"],
					"description": "How long the approval lasts (default: session)"
				},
				"directory": {
					"type": "string",
					"description": "Restrict file targets to this directory"
				}
			},
			"required": ["category", "operation"]
		}`),
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"approved": {"type": "boolean"},
				"entry": {"type": "object"}
			},
			"required": ["approved", "entry"]
		}`),
		Annotations: &mcp.ToolAnnotation{
			Title:           "Approve operation",
			ReadOnlyHint:    mcp.ToBoolPtr(false),
			DestructiveHint: mcp.ToBoolPtr(false),
			IdempotentHint:  mcp.ToBoolPtr(true),
			OpenWorldHint:   mcp.ToBoolPtr(false),
		},
		Handler: func(rc *session.Context, args map[string]any) (any, error) {
			var in ApproveInput
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			if in.Scope == "" {
				in.Scope = string(permission.ScopeSession)
			}
			scope, err := permission.ParseScope(in.Scope)
			if err != nil {
				return nil, registry.Errorf("%v", err)
			}

			entry, err := deps.Gate.Approve(rc.State.Ledger, rc.State.Sandbox, in.Category, in.Operation, scope, in.Directory)
			if err != nil {
				rc.Info().Str("category", in.Category).Str("operation", in.Operation).Err(err).Msg("Approval refused")
				return nil, err
			}

			rc.Info().
				Str("category", entry.Category).
				Str("operation", entry.Operation).
				Str("scope", string(entry.Scope)).
				Msg("Operation approved")
			if deps.Bus != nil {
				deps.Bus.Publish(event.Event{
					Type: event.ApprovalGranted,
					Data: event.ApprovalData{
						SessionID: rc.State.ID,
						Category:  entry.Category,
						Operation: entry.Operation,
						Scope:     string(entry.Scope),
					},
				})
			}

			return &registry.Result{
				Data:    map[string]any{"approved": true, "entry": entry},
				Summary: approvalSummary(entry),
			}, nil
		},
	}
}

func approvalSummary(e permission.Entry) string {
	what := fmt.Sprintf("%s:%s", e.Category, e.Operation)
	if e.Operation == permission.WildcardOperation {
		what = fmt.Sprintf("every operation in %s", e.Category)
	}
	s := fmt.Sprintf("Approved %s", what)
	switch e.Scope {
	case permission.ScopeOnce:
		s += " for the next script only"
	default:
		s += " for the rest of this session"
	}
	if e.Directory != "" {
		s += fmt.Sprintf(", limited to %s", e.Directory)
	}
	return s + "."
}
