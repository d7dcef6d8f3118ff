package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is non-nil in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IsMethodNotFound reports whether the error signals an unsupported
// method. Servers that predate the standard code tend to say so in the
// message instead, so both are accepted.
func (e *RPCError) IsMethodNotFound() bool {
	if e == nil {
		return false
	}
	if e.Code == CodeMethodNotFound {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "method not found") || strings.Contains(msg, "unknown method")
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// envelope is the superset of every message a server may write to
// stdout. Server-originated requests and notifications carry a method;
// responses carry an id plus result or error.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// responseID returns the numeric id of a response envelope. Ids that
// are absent, null or non-numeric report ok=false; the client only ever
// issues integer ids, so such messages cannot answer one of its requests.
func (e *envelope) responseID() (int64, bool) {
	if len(e.ID) == 0 || string(e.ID) == "null" {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(e.ID, &id); err != nil {
		return 0, false
	}
	return id, true
}
