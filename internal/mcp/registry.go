package mcp

import (
	"log/slog"
	"slices"
	"sync"
)

// RegisteredTool is a tool entry in the aggregate registry. Name is the
// key in the merged namespace; RemoteName is what the owning server
// calls it and what is sent in tools/call.
type RegisteredTool struct {
	Name       string
	RemoteName string
	Tool       Tool
}

// Descriptor renders the entry in the shape the executor consumes.
func (rt RegisteredTool) Descriptor() ToolDescriptor {
	params := rt.Tool.Parameters
	if params == nil {
		params = []Parameter{}
	}
	return ToolDescriptor{
		Name:        rt.Name,
		Description: "[MCP:" + rt.Tool.ServerName + "] " + rt.Tool.Description,
		Parameters:  params,
		ServerName:  rt.Tool.ServerName,
		IsMCPTool:   true,
	}
}

// Registry is the merged tool namespace across servers. The first
// server to register a bare name keeps it; a later server's tool of
// the same name is stored as "{server}_{tool}".
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	byName  map[string]*RegisteredTool
	order   []string
	servers []string // servers in first-registration order; order is grouped by it
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		byName: make(map[string]*RegisteredTool),
	}
}

// ReplaceServer drops every entry owned by server and registers tools
// in their listed order. It returns the names the tools were stored
// under. A tool whose prefixed name is also taken is skipped.
//
// A server keeps the position it had when it first registered, so a
// refresh or reconnect does not move its tools to the end of List.
func (r *Registry) ReplaceServer(server string, tools []Tool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(server)
	if !slices.Contains(r.servers, server) {
		r.servers = append(r.servers, server)
	}

	names := make([]string, 0, len(tools))
	for _, t := range tools {
		name := t.Name
		if _, taken := r.byName[name]; taken {
			name = server + "_" + t.Name
			if _, taken := r.byName[name]; taken {
				r.logger.Warn("dropping MCP tool with colliding name",
					"mcp_server", server,
					"tool", t.Name,
					"prefixed", name,
				)
				continue
			}
			r.logger.Info("MCP tool name collision, registered with server prefix",
				"mcp_server", server,
				"tool", t.Name,
				"registered_as", name,
			)
		}

		t.ServerName = server
		r.byName[name] = &RegisteredTool{Name: name, RemoteName: t.Name, Tool: t}
		names = append(names, name)
	}
	r.order = slices.Insert(r.order, r.slotLocked(server), names...)
	return names
}

// slotLocked returns the index in order before the first entry of any
// server that registered after server.
func (r *Registry) slotLocked(server string) int {
	rank := slices.Index(r.servers, server)
	for i, name := range r.order {
		if slices.Index(r.servers, r.byName[name].Tool.ServerName) > rank {
			return i
		}
	}
	return len(r.order)
}

// RemoveServer drops every entry owned by server and returns how many
// were removed.
func (r *Registry) RemoveServer(server string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(server)
}

func (r *Registry) removeLocked(server string) int {
	removed := 0
	kept := r.order[:0]
	for _, name := range r.order {
		if r.byName[name].Tool.ServerName == server {
			delete(r.byName, name)
			removed++
			continue
		}
		kept = append(kept, name)
	}
	r.order = kept
	return removed
}

// Clear removes every entry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName = make(map[string]*RegisteredTool)
	r.order = nil
	r.servers = nil
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (RegisteredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.byName[name]
	if !ok {
		return RegisteredTool{}, false
	}
	return *rt, true
}

// List returns all entries in registration order.
func (r *Registry) List() []RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegisteredTool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.byName[name])
	}
	return out
}

// ByServer returns the entries owned by server in registration order.
func (r *Registry) ByServer(server string) []RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []RegisteredTool
	for _, name := range r.order {
		if rt := r.byName[name]; rt.Tool.ServerName == server {
			out = append(out, *rt)
		}
	}
	return out
}

// Counts returns the number of entries per owning server.
func (r *Registry) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, rt := range r.byName {
		counts[rt.Tool.ServerName]++
	}
	return counts
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
