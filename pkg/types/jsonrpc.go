package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the only protocol tag accepted on the wire.
const JSONRPCVersion = "2.0"

// ID is a JSON-RPC request id: a number, a string, or absent.
// The raw encoding is kept so replies echo the id byte-for-byte.
type ID struct {
	raw json.RawMessage
}

// NewStringID returns a string id.
func NewStringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: b}
}

// NewNumberID returns a numeric id.
func NewNumberID(n int64) ID {
	return ID{raw: json.RawMessage(fmt.Sprintf("%d", n))}
}

// IsZero reports whether the id is absent or null.
func (id ID) IsZero() bool {
	return len(id.raw) == 0 || bytes.Equal(id.raw, []byte("null"))
}

// Valid reports whether the id is absent, null, a number or a string.
func (id ID) Valid() bool {
	if id.IsZero() {
		return true
	}
	switch c := id.raw[0]; {
	case c == '"':
		return true
	case c == '-' || (c >= '0' && c <= '9'):
		return true
	}
	return false
}

// String renders the id for logs.
func (id ID) String() string {
	if id.IsZero() {
		return ""
	}
	var s string
	if json.Unmarshal(id.raw, &s) == nil {
		return s
	}
	return string(id.raw)
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	id.raw = append(json.RawMessage(nil), bytes.TrimSpace(data)...)
	return nil
}

// Request is an inbound request or notification envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response is an outbound reply. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a Response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Notification is a server-initiated message without an id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a notification envelope.
func NewNotification(method string, params any) Notification {
	return Notification{JSONRPC: JSONRPCVersion, Method: method, Params: params}
}
