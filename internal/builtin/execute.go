package builtin

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rmcp-dev/rmcp/internal/permission"
	"github.com/rmcp-dev/rmcp/internal/registry"
	"github.com/rmcp-dev/rmcp/internal/runtime"
	"github.com/rmcp-dev/rmcp/internal/session"
)

const executeDescription = `Runs an R script and returns the value it assigns to result.

Usage:
- The script sees a list named params holding the params argument
- Assign the answer to result; it is returned as JSON
- To return a plot, set result$image <- list(data = <base64 PNG>, mimeType = "image/png")
- Writing files, installing packages and network access need approval first:
  the call fails with OPERATION_APPROVAL_NEEDED:<category>:<operation>; ask the user,
  then call approve_operation and retry
- A "once" approval is spent only when the script succeeds
- System calls (system, system2, shell, setwd, ...) are never allowed
- File paths must be inside the allowed directories`

// ExecuteInput represents the input for the execute_r_analysis tool.
type ExecuteInput struct {
	Script         string         `json:"script"`
	Params         map[string]any `json:"params,omitempty"`
	TimeoutSeconds float64        `json:"timeout_seconds,omitempty"`
	Description    string         `json:"description,omitempty"`
}

func executeTool(deps Deps) registry.Tool {
	return registry.Tool{
		Name:        "execute_r_analysis",
		Title:       "Execute R analysis",
		Description: executeDescription,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"script": {
					"type": "string",
					"minLength": 1,
					"description": "R code to run. Assign the answer to result."
				},
				"params": {
					"type": "object",
					"description": "Values made available to the script as params"
				},
				"timeout_seconds": {
					"type": "number",
					"exclusiveMinimum": 0,
					"description": "Wall-clock limit for this script"
				},
				"description": {
					"type": "string",
					"description": "Short note on what the script does, for logs"
				}
			},
			"required": ["script"]
		}`),
		Annotations: &mcp.ToolAnnotation{
			Title:           "Execute R analysis",
			ReadOnlyHint:    mcp.ToBoolPtr(false),
			DestructiveHint: mcp.ToBoolPtr(true),
			IdempotentHint:  mcp.ToBoolPtr(false),
			OpenWorldHint:   mcp.ToBoolPtr(true),
		},
		Handler: func(rc *session.Context, args map[string]any) (any, error) {
			var in ExecuteInput
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}

			res, err := deps.Gate.Reserve(in.Script, rc.State.Ledger, rc.State.Sandbox)
			if err != nil {
				rc.Info().Err(err).Msg("Script rejected by the approval gate")
				return nil, err
			}

			job := runtime.Job{
				Script:  in.Script,
				Params:  in.Params,
				Timeout: jobTimeout(rc, in.TimeoutSeconds),
				WorkDir: workDir(rc),
			}
			return runReserved(rc, deps, res, job, in.Description)
		},
	}
}

// runReserved runs job and spends the once approvals in res only if the
// script succeeded.
func runReserved(rc *session.Context, deps Deps, res *permission.Reservation, job runtime.Job, label string) (any, error) {
	out, err := runJob(rc, deps, job, label)
	if err != nil {
		res.Release()
		return nil, err
	}
	res.Commit()
	return out, nil
}

// runJob executes job and shapes the outcome, extracting an image if the
// script attached one.
func runJob(rc *session.Context, deps Deps, job runtime.Job, label string) (any, error) {
	if deps.Executor == nil {
		return nil, registry.Errorf("No R runtime is configured on this server.")
	}

	if label == "" {
		label = "R script"
	}
	rc.Log("info", "Running "+label, nil)
	start := time.Now()

	out, err := deps.Executor.Execute(rc, job)
	if err != nil {
		rc.Log("error", label+" failed", map[string]any{"error": err.Error()})
		if runtime.IsScriptError(err) {
			return nil, registry.Errorf("The R script failed: %v", err)
		}
		return nil, err
	}

	elapsed := time.Since(start)
	rc.Log("info", label+" finished", map[string]any{"elapsed_ms": elapsed.Milliseconds()})

	img, err := extractImage(out)
	if err != nil {
		return nil, registry.Errorf("The R script returned an unusable image: %v", err)
	}
	if img == nil {
		return out, nil
	}
	return &registry.Result{Data: out, Image: img}, nil
}

// extractImage removes result$image from out and decodes it.
func extractImage(out map[string]any) (*registry.Image, error) {
	raw, ok := out["image"]
	if !ok {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, nil
	}
	encoded, _ := obj["data"].(string)
	if encoded == "" {
		return nil, fmt.Errorf("image data is empty")
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("image data is not base64: %w", err)
	}
	mimeType, _ := obj["mimeType"].(string)
	if mimeType == "" {
		mimeType = "image/png"
	}

	delete(out, "image")
	return &registry.Image{Data: data, MIMEType: mimeType}, nil
}

func jobTimeout(rc *session.Context, seconds float64) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds * float64(time.Second))
	}
	if rc.State != nil {
		return rc.State.Limits.Timeout
	}
	return 0
}

// workDir is the directory scripts start in: the first sandbox root.
func workDir(rc *session.Context) string {
	if rc.State == nil || rc.State.Sandbox == nil {
		return ""
	}
	if roots := rc.State.Sandbox.Roots(); len(roots) > 0 {
		return roots[0]
	}
	return ""
}
