package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
)

// mockTransport is an in-memory Transport driven by per-method
// handlers. Unhandled methods answer "method not found".
type mockTransport struct {
	mu       sync.Mutex
	handlers map[string]func(*Request) (*Response, error)
	startErr error
	started  bool
	closed   int
	exited   bool
	requests []*Request
	notifs   []*Notification
}

// newMockTransport returns a transport that completes the handshake
// and lists no tools.
func newMockTransport() *mockTransport {
	m := &mockTransport{handlers: make(map[string]func(*Request) (*Response, error))}
	m.respond("initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"serverInfo":      map[string]any{"name": "mock", "version": "1.0"},
		"capabilities":    map[string]any{},
	})
	m.respond("tools/list", map[string]any{"tools": []any{}})
	m.respond("ping", map[string]any{})
	return m
}

func (m *mockTransport) handle(method string, fn func(*Request) (*Response, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = fn
}

// respond makes method answer with result.
func (m *mockTransport) respond(method string, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		panic(err)
	}
	m.handle(method, func(req *Request) (*Response, error) {
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: data}, nil
	})
}

// fail makes method answer with a JSON-RPC error.
func (m *mockTransport) fail(method string, code int, msg string) {
	m.handle(method, func(req *Request) (*Response, error) {
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: code, Message: msg}}, nil
	})
}

// withTools makes tools/list return tools named names, each taking a
// required string "q".
func (m *mockTransport) withTools(names ...string) *mockTransport {
	tools := make([]any, 0, len(names))
	for _, n := range names {
		tools = append(tools, map[string]any{
			"name":        n,
			"description": n + " tool",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"q": map[string]any{"type": "string"}},
				"required":   []string{"q"},
			},
		})
	}
	m.respond("tools/list", map[string]any{"tools": tools})
	return m
}

func (m *mockTransport) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = true
	return nil
}

func (m *mockTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	fn := m.handlers[req.Method]
	exited := m.exited || m.closed > 0
	m.mu.Unlock()

	if exited {
		return nil, &ProtocolError{Method: req.Method, Err: errors.New("server closed stdout")}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn == nil {
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: CodeMethodNotFound, Message: "Method not found"}}, nil
	}
	return fn(req)
}

func (m *mockTransport) Notify(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs = append(m.notifs, n)
	return nil
}

func (m *mockTransport) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started && m.closed == 0 && !m.exited
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

// crash simulates the server process exiting on its own.
func (m *mockTransport) crash() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exited = true
}

func (m *mockTransport) methods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.requests))
	for _, r := range m.requests {
		out = append(out, r.Method)
	}
	return out
}

// mockFleet hands out a fresh mockTransport per connection attempt,
// built by the per-server setup function.
type mockFleet struct {
	mu     sync.Mutex
	setup  map[string]func() *mockTransport
	dials  map[string]int
	latest map[string]*mockTransport
}

func newMockFleet() *mockFleet {
	return &mockFleet{
		setup:  make(map[string]func() *mockTransport),
		dials:  make(map[string]int),
		latest: make(map[string]*mockTransport),
	}
}

func (f *mockFleet) server(name string, setup func() *mockTransport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setup[name] = setup
}

func (f *mockFleet) factory() TransportFactory {
	return func(cfg ServerConfig, _ *slog.Logger) Transport {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.dials[cfg.Name]++
		setup := f.setup[cfg.Name]
		if setup == nil {
			setup = newMockTransport
		}
		t := setup()
		f.latest[cfg.Name] = t
		return t
	}
}

func (f *mockFleet) dialCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials[name]
}

func (f *mockFleet) current(name string) *mockTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest[name]
}

// mockServerConfig returns an enabled config for a mock server.
func mockServerConfig(name string) ServerConfig {
	return ServerConfig{
		Name:    name,
		Command: []string{"mock-" + name},
		Enabled: true,
	}
}
