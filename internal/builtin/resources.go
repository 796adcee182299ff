package builtin

import (
	"github.com/rmcp-dev/rmcp/internal/permission"
	"github.com/rmcp-dev/rmcp/internal/registry"
	"github.com/rmcp-dev/rmcp/internal/session"
)

// Resource URIs.
const (
	ToolCatalogURI      = "rmcp://catalog/tools"
	CategoriesURI       = "rmcp://security/categories"
	SessionApprovalsURI = "rmcp://session/approvals"
	SessionSandboxURI   = "rmcp://session/sandbox"
)

// Resources returns the built-in resources. tools backs the catalog resource.
func Resources(tools *registry.Tools, deps Deps) []registry.Resource {
	gate := deps.Gate
	if gate == nil {
		gate = permission.NewGate(nil)
	}

	return []registry.Resource{
		{
			URI:         ToolCatalogURI,
			Name:        "tool-catalog",
			Title:       "Tool catalog",
			Description: "Every registered tool with its input schema",
			MIMEType:    "application/json",
			Handler: func(rc *session.Context) (any, error) {
				infos, _, err := tools.List("", 0)
				if err != nil {
					return nil, err
				}
				return map[string]any{"tools": infos, "count": len(infos)}, nil
			},
		},
		{
			URI:         CategoriesURI,
			Name:        "operation-categories",
			Title:       "Operation categories",
			Description: "Operations R scripts need approval for, and those that are never allowed",
			MIMEType:    "application/json",
			Handler: func(rc *session.Context) (any, error) {
				return map[string]any{"categories": gate.Categories().All()}, nil
			},
		},
		{
			URI:         SessionApprovalsURI,
			Name:        "session-approvals",
			Title:       "Session approvals",
			Description: "Approvals granted in this session",
			MIMEType:    "application/json",
			Handler: func(rc *session.Context) (any, error) {
				entries := []permission.Entry{}
				if rc.State != nil {
					entries = append(entries, rc.State.Ledger.Entries()...)
				}
				return map[string]any{"approvals": entries}, nil
			},
		},
		{
			URI:         SessionSandboxURI,
			Name:        "session-sandbox",
			Title:       "Allowed directories",
			Description: "Directories file paths must stay inside",
			MIMEType:    "application/json",
			Handler: func(rc *session.Context) (any, error) {
				out := map[string]any{"roots": []string{}, "readOnly": false}
				if rc.State != nil && rc.State.Sandbox != nil {
					out["roots"] = rc.State.Sandbox.Roots()
					out["readOnly"] = rc.State.Sandbox.ReadOnly()
				}
				return out, nil
			},
		},
	}
}
