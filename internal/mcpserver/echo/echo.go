// Package echo provides a minimal MCP tool server used as a reference
// peer for the mcphub client.
package echo

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nugget/mcphub/internal/buildinfo"
)

// ServerName is the name the server reports in initialize.
const ServerName = "echo-mcp-server"

// NewServer creates an MCP server exposing the echo and reverse tools.
func NewServer() *server.MCPServer {
	s := server.NewMCPServer(
		ServerName,
		buildinfo.Version,
		server.WithToolCapabilities(true),
	)

	echoTool := mcp.NewTool("echo",
		mcp.WithDescription("Returns the given text unchanged"),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Text to echo back"),
		),
	)
	s.AddTool(echoTool, echoHandler)

	reverseTool := mcp.NewTool("reverse",
		mcp.WithDescription("Returns the given text with its characters reversed"),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Text to reverse"),
		),
	)
	s.AddTool(reverseTool, reverseHandler)

	return s
}

func textArg(request mcp.CallToolRequest) (string, bool) {
	v, ok := request.GetArguments()["text"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func echoHandler(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, ok := textArg(request)
	if !ok {
		return mcp.NewToolResultError("text argument is required and must be a string"), nil
	}
	return mcp.NewToolResultText(text), nil
}

func reverseHandler(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, ok := textArg(request)
	if !ok {
		return mcp.NewToolResultError("text argument is required and must be a string"), nil
	}
	runes := []rune(text)
	var b strings.Builder
	b.Grow(len(text))
	for i := len(runes) - 1; i >= 0; i-- {
		b.WriteRune(runes[i])
	}
	return mcp.NewToolResultText(b.String()), nil
}
