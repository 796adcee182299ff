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

const revokeDescription = `Withdraws approvals granted with approve_operation in this session.

Usage:
- id is the entry id returned by approve_operation or listed in rmcp://session/approvals
- all=true withdraws every approval of the session
- Scripts that need a withdrawn operation fail with OPERATION_APPROVAL_NEEDED again`

// RevokeInput represents the input for the revoke_approval tool.
type RevokeInput struct {
	ID  string `json:"id,omitempty"`
	All bool   `json:"all,omitempty"`
}

func revokeTool(deps Deps) registry.Tool {
	return registry.Tool{
		Name:        "revoke_approval",
		Title:       "Revoke approval",
		Description: revokeDescription,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"id": {
					"type": "string",
					"description": "Approval entry id"
				},
				"all": {
					"type": "boolean",
					"description": "Withdraw every approval of this session"
				}
			}
		}`),
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"revoked": {"type": "array", "items": {"type": "object"}}
			},
			"required": ["revoked"]
		}`),
		Annotations: &mcp.ToolAnnotation{
			Title:           "Revoke approval",
			ReadOnlyHint:    mcp.ToBoolPtr(false),
			DestructiveHint: mcp.ToBoolPtr(false),
			IdempotentHint:  mcp.ToBoolPtr(true),
			OpenWorldHint:   mcp.ToBoolPtr(false),
		},
		Handler: func(rc *session.Context, args map[string]any) (any, error) {
			var in RevokeInput
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}

			ledger := rc.State.Ledger
			var revoked []permission.Entry
			switch {
			case in.All:
				for _, e := range ledger.Entries() {
					if e, ok := ledger.Revoke(e.ID); ok {
						revoked = append(revoked, e)
					}
				}
			case in.ID != "":
				e, ok := ledger.Revoke(in.ID)
				if !ok {
					return nil, registry.Errorf("No approval with id %q in this session. Read rmcp://session/approvals for the current entries.", in.ID)
				}
				revoked = append(revoked, e)
			default:
				return nil, registry.Errorf("Pass the id of the approval to withdraw, or all=true.")
			}

			for _, e := range revoked {
				rc.Info().
					Str("category", e.Category).
					Str("operation", e.Operation).
					Str("id", e.ID).
					Msg("Approval revoked")
				if deps.Bus != nil {
					deps.Bus.Publish(event.Event{
						Type: event.ApprovalRevoked,
						Data: event.ApprovalData{
							SessionID: rc.State.ID,
							Category:  e.Category,
							Operation: e.Operation,
							Scope:     string(e.Scope),
						},
					})
				}
			}

			if revoked == nil {
				revoked = []permission.Entry{}
			}
			return &registry.Result{
				Data:    map[string]any{"revoked": revoked},
				Summary: fmt.Sprintf("Withdrew %d approval(s).", len(revoked)),
			}, nil
		},
	}
}
