package mcp

import (
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rmcp-dev/rmcp/pkg/types"
)

// JSON-RPC error codes.
const (
	CodeParseError     = mcp.PARSE_ERROR
	CodeInvalidRequest = mcp.INVALID_REQUEST
	CodeMethodNotFound = mcp.METHOD_NOT_FOUND
	CodeInvalidParams  = mcp.INVALID_PARAMS
	CodeInternalError  = mcp.INTERNAL_ERROR
)

// ProtocolError is a failure reported in the envelope's error member.
type ProtocolError struct {
	Code    int
	Message string
	Data    any
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// RPC converts the error to its wire form.
func (e *ProtocolError) RPC() *types.RPCError {
	return &types.RPCError{Code: e.Code, Message: e.Message, Data: e.Data}
}

func errInvalidRequest(msg string) *ProtocolError {
	return &ProtocolError{Code: CodeInvalidRequest, Message: "Invalid request: " + msg}
}

func errInvalidParams(format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: CodeInvalidParams, Message: "Invalid params: " + fmt.Sprintf(format, args...)}
}

func errMethodNotFound(method string) *ProtocolError {
	return &ProtocolError{Code: CodeMethodNotFound, Message: fmt.Sprintf("Method not found: %s", method)}
}

func errInternal(msg string) *ProtocolError {
	return &ProtocolError{Code: CodeInternalError, Message: msg}
}
