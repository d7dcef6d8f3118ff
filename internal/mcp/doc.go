// Package mcp hosts external MCP (Model Context Protocol) tool servers.
//
// Each configured server runs as a subprocess that speaks
// newline-delimited JSON-RPC 2.0 on stdin/stdout. A [Client] owns one
// such subprocess and its session: it launches the process, performs the
// initialize handshake, lists tools, invokes tools/call and probes
// liveness with ping. A Client carries at most one in-flight request;
// concurrent callers queue for the request slot.
//
// The [Manager] owns one Client per enabled server, merges their tools
// into a single [Registry] namespace (resolving name collisions by
// prefixing the server name), and supervises the connections with a
// periodic health check that can restart servers configured for it.
package mcp
