package builtin

import (
	"encoding/json"

	"github.com/rmcp-dev/rmcp/internal/registry"
	"github.com/rmcp-dev/rmcp/internal/session"
)

const echoDescription = `Returns its arguments unchanged.

Useful for checking connectivity and argument encoding.`

func echoTool() registry.Tool {
	return registry.Tool{
		Name:        "echo",
		Title:       "Echo",
		Description: echoDescription,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"msg": {
					"type": "string",
					"description": "Text to send back"
				}
			},
			"required": ["msg"]
		}`),
		Annotations: readOnlyAnnotations("Echo"),
		Handler: func(rc *session.Context, args map[string]any) (any, error) {
			return args, nil
		},
	}
}
