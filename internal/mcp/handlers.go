package mcp

import (
	"encoding/json"
	"errors"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rmcp-dev/rmcp/internal/logging"
	"github.com/rmcp-dev/rmcp/internal/registry"
	"github.com/rmcp-dev/rmcp/internal/session"
)

type listChanged struct {
	ListChanged bool `json:"listChanged"`
}

type resourceCapability struct {
	Subscribe   bool `json:"subscribe"`
	ListChanged bool `json:"listChanged"`
}

// ServerCapabilities is the capabilities member of the initialize result.
type ServerCapabilities struct {
	Tools     *listChanged        `json:"tools,omitempty"`
	Resources *resourceCapability `json:"resources,omitempty"`
	Prompts   *listChanged        `json:"prompts,omitempty"`
	Logging   *struct{}           `json:"logging,omitempty"`
}

// InitializeResult is the reply to initialize.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ClientInfo      mcp.Implementation `json:"clientInfo"`
}

func (r *Router) initialize(rc *session.Context, raw json.RawMessage) (any, *ProtocolError) {
	var p initializeParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, errInvalidParams("%v", err)
	}

	version := SupportedProtocolVersions[0]
	if slices.Contains(SupportedProtocolVersions, p.ProtocolVersion) {
		version = p.ProtocolVersion
	}

	rc.State.SetClient(session.ClientInfo{
		Name:            p.ClientInfo.Name,
		Version:         p.ClientInfo.Version,
		ProtocolVersion: version,
	})
	rc.Info().
		Str("client", p.ClientInfo.Name).
		Str("clientVersion", p.ClientInfo.Version).
		Str("protocolVersion", version).
		Msg("Client initialized")

	return InitializeResult{
		ProtocolVersion: version,
		Capabilities: ServerCapabilities{
			Tools:     &listChanged{ListChanged: true},
			Resources: &resourceCapability{ListChanged: true},
			Prompts:   &listChanged{ListChanged: true},
			Logging:   &struct{}{},
		},
		ServerInfo:   mcp.Implementation{Name: r.opts.Name, Version: r.opts.Version},
		Instructions: r.opts.Instructions,
	}, nil
}

type pageParams struct {
	Cursor string `json:"cursor"`
	Limit  *int   `json:"limit"`
}

func parsePage(raw json.RawMessage) (string, int, *ProtocolError) {
	var p pageParams
	if err := unmarshalParams(raw, &p); err != nil {
		return "", 0, errInvalidParams("%v", err)
	}
	limit, err := registry.PageLimit(p.Limit)
	if err != nil {
		return "", 0, errInvalidParams("%v", err)
	}
	return p.Cursor, limit, nil
}

func pageError(err error) *ProtocolError {
	if registry.IsPaginationError(err) {
		return errInvalidParams("%v", err)
	}
	return errInternal("Internal error while listing")
}

// ListToolsResult is the reply to tools/list.
type ListToolsResult struct {
	Tools      []registry.ToolInfo `json:"tools"`
	NextCursor string              `json:"nextCursor,omitempty"`
}

func (r *Router) listTools(raw json.RawMessage) (any, *ProtocolError) {
	cursor, limit, perr := parsePage(raw)
	if perr != nil {
		return nil, perr
	}
	tools, next, err := r.tools.List(cursor, limit)
	if err != nil {
		return nil, pageError(err)
	}
	return ListToolsResult{Tools: tools, NextCursor: next}, nil
}

// ListResourcesResult is the reply to resources/list.
type ListResourcesResult struct {
	Resources  []registry.ResourceInfo `json:"resources"`
	NextCursor string                  `json:"nextCursor,omitempty"`
}

func (r *Router) listResources(raw json.RawMessage) (any, *ProtocolError) {
	cursor, limit, perr := parsePage(raw)
	if perr != nil {
		return nil, perr
	}
	items, next, err := r.resources.List(cursor, limit)
	if err != nil {
		return nil, pageError(err)
	}
	return ListResourcesResult{Resources: items, NextCursor: next}, nil
}

// ListResourceTemplatesResult is the reply to resources/templates/list.
type ListResourceTemplatesResult struct {
	ResourceTemplates []registry.ResourceTemplate `json:"resourceTemplates"`
	NextCursor        string                      `json:"nextCursor,omitempty"`
}

func (r *Router) listResourceTemplates(raw json.RawMessage) (any, *ProtocolError) {
	cursor, limit, perr := parsePage(raw)
	if perr != nil {
		return nil, perr
	}
	items, next, err := r.resources.Templates.Page(cursor, limit)
	if err != nil {
		return nil, pageError(err)
	}
	return ListResourceTemplatesResult{ResourceTemplates: items, NextCursor: next}, nil
}

// ListPromptsResult is the reply to prompts/list.
type ListPromptsResult struct {
	Prompts    []registry.PromptInfo `json:"prompts"`
	NextCursor string                `json:"nextCursor,omitempty"`
}

func (r *Router) listPrompts(raw json.RawMessage) (any, *ProtocolError) {
	cursor, limit, perr := parsePage(raw)
	if perr != nil {
		return nil, perr
	}
	items, next, err := r.prompts.List(cursor, limit)
	if err != nil {
		return nil, pageError(err)
	}
	return ListPromptsResult{Prompts: items, NextCursor: next}, nil
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (r *Router) callTool(rc *session.Context, raw json.RawMessage) (any, *ProtocolError) {
	var p callToolParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, errInvalidParams("%v", err)
	}
	if p.Name == "" {
		return nil, errInvalidParams("missing tool name")
	}

	rc.Debug().Str("tool", p.Name).Msg("Calling tool")
	res := r.tools.Call(rc, p.Name, p.Arguments)
	if res.IsError {
		rc.Info().Str("tool", p.Name).Msg("Tool returned an error")
	}
	return res, nil
}

// ReadResourceResult is the reply to resources/read.
type ReadResourceResult struct {
	Contents []mcp.ResourceContents `json:"contents"`
}

func (r *Router) readResource(rc *session.Context, raw json.RawMessage) (any, *ProtocolError) {
	var p struct {
		URI string `json:"uri"`
	}
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, errInvalidParams("%v", err)
	}
	if p.URI == "" {
		return nil, errInvalidParams("missing uri")
	}

	contents, err := r.resources.Read(rc, p.URI)
	if err != nil {
		return nil, capabilityFailure(rc, err)
	}
	return ReadResourceResult{Contents: contents}, nil
}

func (r *Router) getPrompt(rc *session.Context, raw json.RawMessage) (any, *ProtocolError) {
	var p struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, errInvalidParams("%v", err)
	}
	if p.Name == "" {
		return nil, errInvalidParams("missing prompt name")
	}

	res, err := r.prompts.Get(rc, p.Name, p.Arguments)
	if err != nil {
		return nil, capabilityFailure(rc, err)
	}
	return res, nil
}

// capabilityFailure maps resource and prompt errors, which have no isError
// result shape, onto protocol errors.
func capabilityFailure(rc *session.Context, err error) *ProtocolError {
	switch {
	case registry.IsNotFound(err), registry.IsArgumentError(err):
		return errInvalidParams("%v", err)
	case errors.Is(err, session.ErrCancelled):
		return errInternal("Request cancelled")
	}
	rc.Error().Err(err).Msg("Capability failed")
	return errInternal(err.Error())
}

func (r *Router) setLogLevel(rc *session.Context, raw json.RawMessage) (any, *ProtocolError) {
	var p struct {
		Level string `json:"level"`
	}
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, errInvalidParams("%v", err)
	}
	level := strings.ToLower(strings.TrimSpace(p.Level))
	if !slices.Contains(session.LogLevels, level) {
		return nil, errInvalidParams("unknown log level %q", p.Level)
	}
	if rc.State != nil {
		rc.State.SetLogLevel(level)
	}

	logging.SetLevel(logging.ParseLevel(level))
	rc.Info().Str("level", level).Stringer("serverLevel", logging.GetLevel()).Msg("Log level changed")
	return struct{}{}, nil
}
