package mcp

import "context"

// Transport carries JSON-RPC messages to one MCP server. Callers must
// not overlap Send calls; the Client enforces this with its request slot.
type Transport interface {
	// Start launches the server and returns once it is considered
	// running. Calling Start on a running transport is a no-op.
	Start(ctx context.Context) error

	// Send writes a request and returns the response whose id matches.
	// It returns ctx.Err() when the context ends first, without
	// tearing the server down.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify writes a notification. No response is awaited.
	Notify(ctx context.Context, notif *Notification) error

	// Alive reports whether the server process is still running.
	Alive() bool

	// Close terminates the server. It is safe to call more than once
	// and on a server that already exited.
	Close() error
}
