// Package tools is the dispatch surface the task executor uses to
// list and call tools. Built-in tools are registered directly; every
// other name is routed to the MCP manager.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/nugget/mcphub/internal/mcp"
)

// Handler executes a built-in tool.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is a built-in tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []mcp.Parameter `json:"parameters"`
	Handler     Handler         `json:"-"`
}

// MCPProvider is the MCP side of dispatch. It is satisfied by
// *mcp.Manager.
type MCPProvider interface {
	IsMCPTool(name string) bool
	CallTool(ctx context.Context, name string, args map[string]any) (mcp.ToolResult, error)
	AllTools() []mcp.ToolDescriptor
	ServerStatus() []mcp.ServerStatus
}

// Registry holds built-in tools and forwards everything else to MCP.
// Built-in names shadow MCP tools of the same name.
type Registry struct {
	mcp    MCPProvider
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewRegistry creates a registry backed by provider, which may be nil
// when no MCP servers are configured.
func NewRegistry(provider MCPProvider, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		mcp:    provider,
		logger: logger,
		tools:  make(map[string]*Tool),
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	if r.mcp == nil {
		return
	}
	r.Register(&Tool{
		Name:        "list_mcp_servers",
		Description: "List the configured MCP tool servers with their connection state and tool counts.",
		Parameters: []mcp.Parameter{{
			Name:        "connected_only",
			Type:        "boolean",
			Description: "Only list servers that are currently connected (default: false)",
		}},
		Handler: r.handleListServers,
	})
}

// Register adds or replaces a built-in tool.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a built-in tool by name.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether name can be dispatched.
func (r *Registry) Has(name string) bool {
	if r.Get(name) != nil {
		return true
	}
	return r.mcp != nil && r.mcp.IsMCPTool(name)
}

// Descriptors returns every dispatchable tool, built-ins first, in the
// shape the executor consumes.
func (r *Registry) Descriptors() []mcp.ToolDescriptor {
	r.mu.RLock()
	out := make([]mcp.ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		params := t.Parameters
		if params == nil {
			params = []mcp.Parameter{}
		}
		out = append(out, mcp.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	r.mu.RUnlock()

	if r.mcp == nil {
		return out
	}
	for _, d := range r.mcp.AllTools() {
		if r.Get(d.Name) != nil {
			continue
		}
		out = append(out, d)
	}
	return out
}

// List returns every tool in the OpenAI-style function format used by
// LLM tool calling.
func (r *Registry) List() []map[string]any {
	descs := r.Descriptors()
	result := make([]map[string]any, 0, len(descs))
	for _, d := range descs {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  parametersSchema(d.Parameters),
			},
		})
	}
	return result
}

// parametersSchema rebuilds a JSON schema object from flattened
// parameters.
func parametersSchema(params []mcp.Parameter) map[string]any {
	props := make(map[string]any, len(params))
	required := []string{}
	for _, p := range params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Execute runs a tool by name with JSON-encoded arguments. Built-in
// tools win; otherwise the call goes to the owning MCP server and the
// result is rendered as text. Unknown names fail with
// *ErrToolUnavailable. MCP errors are returned unchanged.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	var args map[string]any
	if strings.TrimSpace(argsJSON) != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
	}

	if tool := r.Get(name); tool != nil {
		return tool.Handler(ctx, args)
	}

	if r.mcp == nil || !r.mcp.IsMCPTool(name) {
		return "", &ErrToolUnavailable{ToolName: name}
	}

	res, err := r.mcp.CallTool(ctx, name, args)
	if err != nil {
		r.logger.Warn("MCP tool call failed", "tool", name, "error", err)
		return res.String(), err
	}
	return res.String(), nil
}

func (r *Registry) handleListServers(_ context.Context, args map[string]any) (string, error) {
	connectedOnly, _ := args["connected_only"].(bool)

	statuses := slices.DeleteFunc(slices.Clone(r.mcp.ServerStatus()), func(st mcp.ServerStatus) bool {
		return connectedOnly && !st.Connected
	})
	if len(statuses) == 0 {
		return "No MCP servers.", nil
	}

	var sb strings.Builder
	for _, st := range statuses {
		state := "disconnected"
		if st.Connected {
			state = "connected"
		}
		fmt.Fprintf(&sb, "%s: %s, %d tools", st.Name, state, st.ToolsCount)
		if st.Error != "" {
			fmt.Fprintf(&sb, " (error: %s)", st.Error)
		}
		if st.Description != "" {
			fmt.Fprintf(&sb, " - %s", st.Description)
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
