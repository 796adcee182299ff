// Package mcp is the JSON-RPC 2.0 message router of the MCP server. Every
// transport hands raw envelopes to Router.Handle so dispatch is identical
// regardless of how a message arrived.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"runtime/debug"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rmcp-dev/rmcp/internal/logging"
	"github.com/rmcp-dev/rmcp/internal/registry"
	"github.com/rmcp-dev/rmcp/internal/session"
	"github.com/rmcp-dev/rmcp/pkg/types"
)

// Method names.
const (
	MethodInitialize        = "initialize"
	MethodInitialized       = "notifications/initialized"
	MethodPing              = "ping"
	MethodShutdown          = "shutdown"
	MethodToolsList         = "tools/list"
	MethodToolsCall         = "tools/call"
	MethodResourcesList     = "resources/list"
	MethodResourcesRead     = "resources/read"
	MethodResourceTemplates = "resources/templates/list"
	MethodPromptsList       = "prompts/list"
	MethodPromptsGet        = "prompts/get"
	MethodSetLogLevel       = "logging/setLevel"
	MethodCancelled         = "notifications/cancelled"
)

// SupportedProtocolVersions lists the MCP revisions the server speaks,
// newest first.
var SupportedProtocolVersions = []string{mcp.LATEST_PROTOCOL_VERSION, "2025-03-26", "2024-11-05"}

// Options configures the router.
type Options struct {
	Name         string
	Version      string
	Instructions string
	// OnShutdown runs when a client sends shutdown.
	OnShutdown func(state *session.State)
}

// Router dispatches envelopes to the registries.
type Router struct {
	opts      Options
	tools     *registry.Tools
	resources *registry.Resources
	prompts   *registry.Prompts
}

// NewRouter creates a router over explicitly constructed registries. Nil
// registries are replaced by empty ones.
func NewRouter(opts Options, tools *registry.Tools, resources *registry.Resources, prompts *registry.Prompts) *Router {
	if opts.Name == "" {
		opts.Name = "rmcp"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if tools == nil {
		tools = registry.NewTools()
	}
	if resources == nil {
		resources = registry.NewResources()
	}
	if prompts == nil {
		prompts = registry.NewPrompts()
	}
	return &Router{opts: opts, tools: tools, resources: resources, prompts: prompts}
}

// Tools returns the tool registry.
func (r *Router) Tools() *registry.Tools { return r.tools }

// Resources returns the resource registry.
func (r *Router) Resources() *registry.Resources { return r.resources }

// Prompts returns the prompt registry.
func (r *Router) Prompts() *registry.Prompts { return r.prompts }

// Handle processes one raw envelope for a session. It returns the response
// and true, or nil and false when nothing must be sent (notifications).
// It never panics and every response has exactly one of result and error.
func (r *Router) Handle(ctx context.Context, state *session.State, raw []byte) (*types.Response, bool) {
	if state == nil {
		state = session.NewState("none", nil, session.Limits{})
	}

	req, perr := decodeRequest(raw)
	if perr != nil {
		switch {
		case req == nil:
			return errorResponse(types.ID{}, perr), true
		case req.ID == nil:
			logging.Warn().Str("error", perr.Message).Msg("Dropping malformed notification")
			return nil, false
		default:
			return errorResponse(*req.ID, perr), true
		}
	}

	if req.IsNotification() {
		r.notify(ctx, state, req)
		return nil, false
	}

	id := *req.ID
	result, perr := r.dispatch(ctx, state, id, req)
	if perr != nil {
		logging.Debug().
			Str("sessionID", state.ID).
			Str("method", req.Method).
			Str("requestID", id.String()).
			Int("code", perr.Code).
			Str("error", perr.Message).
			Msg("Request failed")
		return errorResponse(id, perr), true
	}

	data, err := json.Marshal(result)
	if err != nil {
		logging.Error().Err(err).Str("method", req.Method).Msg("Failed to encode result")
		return errorResponse(id, errInternal("Internal error: result could not be encoded")), true
	}
	return &types.Response{JSONRPC: types.JSONRPCVersion, ID: id, Result: data}, true
}

// decodeRequest validates the envelope. On failure the returned request, if
// non-nil, carries whatever id could be recovered.
func decodeRequest(raw []byte) (*types.Request, *ProtocolError) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, &ProtocolError{Code: CodeParseError, Message: "Parse error: empty message"}
	}
	if !json.Valid(raw) {
		return nil, &ProtocolError{Code: CodeParseError, Message: "Parse error: invalid JSON"}
	}
	if raw[0] == '[' {
		return nil, errInvalidRequest("batch requests are not supported")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, errInvalidRequest("message must be a JSON object")
	}

	req := &types.Request{}
	if idRaw, ok := fields["id"]; ok {
		var id types.ID
		_ = id.UnmarshalJSON(idRaw)
		if !id.Valid() {
			return nil, errInvalidRequest("id must be a string or a number")
		}
		if !id.IsZero() {
			req.ID = &id
		}
	}

	var version string
	if err := json.Unmarshal(fields["jsonrpc"], &version); err != nil || version != types.JSONRPCVersion {
		return req, errInvalidRequest(`jsonrpc must be "2.0"`)
	}
	req.JSONRPC = version

	methodRaw, ok := fields["method"]
	if !ok {
		return req, errInvalidRequest("missing method")
	}
	if err := json.Unmarshal(methodRaw, &req.Method); err != nil || req.Method == "" {
		return req, errInvalidRequest("method must be a non-empty string")
	}

	if p, ok := fields["params"]; ok && !bytes.Equal(bytes.TrimSpace(p), []byte("null")) {
		if t := bytes.TrimSpace(p); len(t) == 0 || t[0] != '{' {
			return req, errInvalidParams("params must be an object")
		}
		req.Params = p
	}
	return req, nil
}

func errorResponse(id types.ID, perr *ProtocolError) *types.Response {
	return &types.Response{JSONRPC: types.JSONRPCVersion, ID: id, Error: perr.RPC()}
}

// dispatch runs a request inside its own request context.
func (r *Router) dispatch(ctx context.Context, state *session.State, id types.ID, req *types.Request) (result any, perr *ProtocolError) {
	rc := session.NewContext(ctx, state, id.String(), req.Method)
	defer rc.Release()

	defer func() {
		if p := recover(); p != nil {
			rc.Error().
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Msg("Request handler panicked")
			result, perr = nil, errInternal("Internal error")
		}
	}()

	rc.Debug().Msg("Handling request")

	switch req.Method {
	case MethodInitialize:
		return r.initialize(rc, req.Params)
	case MethodPing:
		return struct{}{}, nil
	case MethodShutdown:
		if r.opts.OnShutdown != nil {
			r.opts.OnShutdown(state)
		}
		return struct{}{}, nil
	case MethodToolsList:
		return r.listTools(req.Params)
	case MethodToolsCall:
		return r.callTool(rc, req.Params)
	case MethodResourcesList:
		return r.listResources(req.Params)
	case MethodResourceTemplates:
		return r.listResourceTemplates(req.Params)
	case MethodResourcesRead:
		return r.readResource(rc, req.Params)
	case MethodPromptsList:
		return r.listPrompts(req.Params)
	case MethodPromptsGet:
		return r.getPrompt(rc, req.Params)
	case MethodSetLogLevel:
		return r.setLogLevel(rc, req.Params)
	}
	return nil, errMethodNotFound(req.Method)
}

// notify handles messages without an id. Requests sent without an id are
// still executed; only the reply is suppressed.
func (r *Router) notify(ctx context.Context, state *session.State, req *types.Request) {
	switch req.Method {
	case MethodInitialized:
		state.MarkInitialized()
	case MethodCancelled:
		var p struct {
			RequestID types.ID `json:"requestId"`
			Reason    string   `json:"reason"`
		}
		if err := unmarshalParams(req.Params, &p); err == nil && !p.RequestID.IsZero() {
			found := state.Cancel(p.RequestID.String())
			logging.Debug().
				Str("sessionID", state.ID).
				Str("requestID", p.RequestID.String()).
				Str("reason", p.Reason).
				Bool("found", found).
				Msg("Cancellation requested")
		}
	default:
		if _, perr := r.dispatch(ctx, state, types.ID{}, req); perr != nil && perr.Code != CodeMethodNotFound {
			logging.Debug().Str("method", req.Method).Str("error", perr.Message).Msg("Notification failed")
		}
	}
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
