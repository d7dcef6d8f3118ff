package mcp

import (
	"context"
	"fmt"
	"time"
)

// ConfigurationError reports a malformed server descriptor.
type ConfigurationError struct {
	Server string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Server == "" {
		return "mcp config: " + e.Reason
	}
	return fmt.Sprintf("mcp config for server %q: %s", e.Server, e.Reason)
}

// LaunchError reports that a server process could not be spawned or
// exited during the startup probe. Stderr holds whatever the process
// wrote before it died.
type LaunchError struct {
	Server  string
	Command string
	Stderr  string
	Err     error
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("launch MCP server %q (%s): %v", e.Server, e.Command, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *LaunchError) Unwrap() error { return e.Err }

// HandshakeError reports a failed initialize exchange.
type HandshakeError struct {
	Server string
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("initialize MCP server %q: %v", e.Server, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TimeoutError reports that a request got no response within the
// server's configured timeout. The server process is left running.
type TimeoutError struct {
	Server  string
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("MCP server %q did not answer %s within %s", e.Server, e.Method, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// ProtocolError reports a malformed message, a closed stream, or an
// error envelope returned by the server. RPC is set in the last case.
type ProtocolError struct {
	Server string
	Method string
	RPC    *RPCError
	Err    error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.RPC != nil:
		return fmt.Sprintf("MCP server %q %s: %v", e.Server, e.Method, e.RPC)
	case e.Method != "":
		return fmt.Sprintf("MCP server %q %s: %v", e.Server, e.Method, e.Err)
	default:
		return fmt.Sprintf("MCP server %q: %v", e.Server, e.Err)
	}
}

func (e *ProtocolError) Unwrap() error {
	if e.RPC != nil {
		return e.RPC
	}
	return e.Err
}

// ToolNotFoundError reports a tool name that no connected server
// registered. No server is contacted when this is returned.
type ToolNotFoundError struct {
	Tool   string
	Server string
}

func (e *ToolNotFoundError) Error() string {
	if e.Server != "" {
		return fmt.Sprintf("MCP tool %q not found on server %q", e.Tool, e.Server)
	}
	return fmt.Sprintf("MCP tool %q not found", e.Tool)
}

// UpstreamToolError reports a tool that ran but flagged its own result
// as a failure (isError in the tools/call result).
type UpstreamToolError struct {
	Tool    string
	Server  string
	Message string
}

func (e *UpstreamToolError) Error() string {
	return fmt.Sprintf("MCP tool %q on server %q failed: %s", e.Tool, e.Server, e.Message)
}

// NotConnectedError reports a request against a server whose session
// is not in the connected state.
type NotConnectedError struct {
	Server string
	Tool   string
}

func (e *NotConnectedError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("MCP server %q for tool %q is not connected", e.Server, e.Tool)
	}
	return fmt.Sprintf("MCP server %q is not connected", e.Server)
}
