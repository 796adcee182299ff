package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rmcp-dev/rmcp/internal/server"
	"github.com/rmcp-dev/rmcp/pkg/types"
)

// TestClient speaks JSON-RPC to the /mcp endpoint and remembers the
// session id the server assigns on initialize.
type TestClient struct {
	BaseURL    string
	HTTPClient *http.Client
	SessionID  string

	nextID atomic.Int64
}

// NewTestClient creates a new test HTTP client
func NewTestClient(baseURL string) *TestClient {
	return &TestClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Response wraps HTTP response with helpers
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals response body into v
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// String returns response body as string
func (r *Response) String() string {
	return string(r.Body)
}

// IsSuccess returns true if status code is 2xx
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Get performs a GET request
func (c *TestClient) Get(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Delete performs a DELETE request
func (c *TestClient) Delete(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

// PostRaw sends a body to /mcp as is.
func (c *TestClient) PostRaw(ctx context.Context, body []byte) (*Response, error) {
	return c.do(ctx, http.MethodPost, "/mcp", body)
}

func (c *TestClient) do(ctx context.Context, method, path string, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.SessionID != "" {
		req.Header.Set(server.SessionHeader, c.SessionID)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}

// ---- JSON-RPC helpers ----

// Call sends a request and decodes the reply envelope.
func (c *TestClient) Call(ctx context.Context, method string, params any) (*types.Response, error) {
	envelope := map[string]any{
		"jsonrpc": types.JSONRPCVersion,
		"id":      c.nextID.Add(1),
		"method":  method,
	}
	if params != nil {
		envelope["params"] = params
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}

	resp, err := c.PostRaw(ctx, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, resp.String())
	}

	var out types.Response
	if err := resp.JSON(&out); err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}
	return &out, nil
}

// Initialize performs the handshake and keeps the assigned session id.
func (c *TestClient) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": types.JSONRPCVersion,
		"id":      c.nextID.Add(1),
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
			"clientInfo":      map[string]any{"name": "citest", "version": "1.0"},
			"capabilities":    map[string]any{},
		},
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.PostRaw(ctx, body)
	if err != nil {
		return nil, err
	}
	c.SessionID = resp.Headers.Get(server.SessionHeader)
	if c.SessionID == "" {
		return nil, fmt.Errorf("no session id in initialize reply")
	}

	var envelope types.Response
	if err := resp.JSON(&envelope); err != nil {
		return nil, err
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("initialize failed: %s", envelope.Error.Message)
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ToolResult is the decoded result of a tools/call.
type ToolResult struct {
	Content           []map[string]any `json:"content"`
	StructuredContent map[string]any   `json:"structuredContent,omitempty"`
	IsError           bool             `json:"isError,omitempty"`
}

// Text joins the text blocks of the result.
func (r *ToolResult) Text() string {
	var buf bytes.Buffer
	for _, block := range r.Content {
		if block["type"] == "text" {
			text, _ := block["text"].(string)
			buf.WriteString(text)
		}
	}
	return buf.String()
}

// CallTool invokes a tool. Protocol errors are returned as error.
func (c *TestClient) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	resp, err := c.Call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result ToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// EndSession deletes the session on the server.
func (c *TestClient) EndSession(ctx context.Context) error {
	resp, err := c.Delete(ctx, "/mcp")
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, resp.String())
	}
	c.SessionID = ""
	return nil
}
