package mcp

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/mcphub/internal/connwatch"
)

// Manager defaults.
const (
	DefaultMaxConcurrentConnects = 5
	DefaultHealthCheckInterval   = 30 * time.Second
)

// TransportFactory builds the transport for one connection attempt.
type TransportFactory func(cfg ServerConfig, logger *slog.Logger) Transport

// StdioTransportFactory returns a factory that runs each server as a
// subprocess with the given startup probe settings.
func StdioTransportFactory(startup StartupConfig) TransportFactory {
	return func(cfg ServerConfig, logger *slog.Logger) Transport {
		argv := cfg.argv()
		return NewStdioTransport(StdioConfig{
			Server:  cfg.Name,
			Command: argv[0],
			Args:    argv[1:],
			Env:     cfg.envList(),
			Startup: startup,
			Logger:  logger,
		})
	}
}

// EventKind classifies a StatusEvent.
type EventKind string

const (
	EventConnect    EventKind = "connect"
	EventHealth     EventKind = "health"
	EventDisconnect EventKind = "disconnect"
)

// StatusEvent is a server status change reported to a StatusRecorder.
type StatusEvent struct {
	Server     string    `json:"server"`
	Kind       EventKind `json:"kind"`
	SessionID  string    `json:"session_id,omitempty"`
	Connected  bool      `json:"connected"`
	ToolsCount int       `json:"tools_count"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// StatusRecorder receives status events, e.g. to persist or publish
// them. Errors are logged and otherwise ignored.
type StatusRecorder interface {
	RecordStatus(ctx context.Context, ev StatusEvent) error
}

// ServerStatus is the externally visible status of one server. The
// first four fields are only refreshed by connect attempts, health
// checks, disconnects and tool refreshes; tool calls never touch them.
type ServerStatus struct {
	Name       string    `json:"name"`
	Connected  bool      `json:"connected"`
	LastCheck  time.Time `json:"last_check,omitzero"`
	Error      string    `json:"error,omitempty"`
	ToolsCount int       `json:"tools_count"`

	Description    string    `json:"description,omitempty"`
	Enabled        bool      `json:"enabled"`
	AutoRestart    bool      `json:"auto_restart"`
	State          string    `json:"state"`
	SessionID      string    `json:"session_id,omitempty"`
	ProcessRunning bool      `json:"process_running"`
	LastHeartbeat  time.Time `json:"last_heartbeat,omitzero"`
}

// Statistics summarizes the manager.
type Statistics struct {
	TotalServers       int            `json:"total_servers"`
	ConnectedServers   int            `json:"connected_servers"`
	TotalTools         int            `json:"total_tools"`
	ToolsByServer      map[string]int `json:"tools_by_server"`
	HealthCheckRunning bool           `json:"health_check_running"`
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Servers are the configured servers, in priority order: when two
	// servers expose the same tool name, the earlier one keeps it.
	Servers []ServerConfig

	// MaxConcurrentConnects caps parallel connection attempts (default: 5).
	MaxConcurrentConnects int

	// HealthCheckInterval is the ping interval (default: 30s).
	HealthCheckInterval time.Duration

	// Startup tunes the subprocess startup probe. Ignored when
	// NewTransport is set.
	Startup StartupConfig

	// ClientInfo is sent in initialize (default: DefaultClientInfo).
	ClientInfo Implementation

	// Recorder receives status events. Optional.
	Recorder StatusRecorder

	// NewTransport overrides how transports are built (default: stdio).
	NewTransport TransportFactory

	Logger *slog.Logger
}

// statusRecord is the manager-owned part of a ServerStatus.
type statusRecord struct {
	connected  bool
	lastCheck  time.Time
	err        string
	toolsCount int
}

// Manager owns one Client per connected server, merges their tools
// into one Registry and supervises them with a periodic health check.
//
// Connecting, disconnecting and restarting a given server are
// serialized by a per-server lock, so two processes for the same
// server never run at once. The client, status and registry maps are
// guarded by a single mutex.
type Manager struct {
	logger       *slog.Logger
	maxConnects  int
	clientInfo   Implementation
	recorder     StatusRecorder
	newTransport TransportFactory
	registry     *Registry
	health       *connwatch.Loop

	mu      sync.RWMutex
	configs map[string]ServerConfig
	order   []string
	clients map[string]*Client
	status  map[string]*statusRecord
	restart map[string]bool // auto-restart servers whose reconnect failed
	locks   map[string]*sync.Mutex
}

// NewManager validates the server configs and creates a manager.
// Nothing is launched until ConnectAll or Connect.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrentConnects <= 0 {
		cfg.MaxConcurrentConnects = DefaultMaxConcurrentConnects
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if cfg.NewTransport == nil {
		cfg.NewTransport = StdioTransportFactory(cfg.Startup)
	}

	m := &Manager{
		logger:       logger,
		maxConnects:  cfg.MaxConcurrentConnects,
		clientInfo:   cfg.ClientInfo,
		recorder:     cfg.Recorder,
		newTransport: cfg.NewTransport,
		registry:     NewRegistry(logger),
		configs:      make(map[string]ServerConfig),
		clients:      make(map[string]*Client),
		status:       make(map[string]*statusRecord),
		restart:      make(map[string]bool),
		locks:        make(map[string]*sync.Mutex),
	}

	for _, sc := range cfg.Servers {
		if err := m.addConfig(sc); err != nil {
			return nil, err
		}
	}

	m.health = connwatch.NewLoop(connwatch.LoopConfig{
		Name:     "mcp-health",
		Interval: cfg.HealthCheckInterval,
		Check:    m.checkHealth,
		Logger:   logger,
	})

	return m, nil
}

func (m *Manager) addConfig(sc ServerConfig) error {
	if err := sc.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.configs[sc.Name]; dup {
		return &ConfigurationError{Server: sc.Name, Reason: "duplicate server name"}
	}
	m.configs[sc.Name] = sc.Clone()
	m.order = append(m.order, sc.Name)
	m.status[sc.Name] = &statusRecord{}
	return nil
}

// Registry returns the aggregate tool registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Servers returns copies of the configured servers in order.
func (m *Manager) Servers() []ServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerConfig, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.configs[name].Clone())
	}
	return out
}

func (m *Manager) serverNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

func (m *Manager) config(name string) (ServerConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[name]
	return cfg, ok
}

// serverLock returns the connection lock for name.
func (m *Manager) serverLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// ConnectAll connects every enabled server concurrently, at most
// MaxConcurrentConnects at a time, and returns one entry per enabled
// server. Failures are recorded in the server's status and never
// returned. Tools are merged in configuration order once every attempt
// has finished, so collision resolution does not depend on which
// server answered first.
func (m *Manager) ConnectAll(ctx context.Context) map[string]bool {
	var servers []ServerConfig
	for _, sc := range m.Servers() {
		if sc.Enabled {
			servers = append(servers, sc)
		}
	}

	type outcome struct {
		client *Client
		err    error
	}
	outcomes := make([]outcome, len(servers))

	// Locks are taken in configuration order, before any dial, so
	// overlapping calls queue behind each other instead of each holding
	// part of the set.
	locks := make([]*sync.Mutex, len(servers))
	for i, sc := range servers {
		locks[i] = m.serverLock(sc.Name)
		locks[i].Lock()
	}

	var g errgroup.Group
	g.SetLimit(m.maxConnects)
	for i, sc := range servers {
		g.Go(func() error {
			m.stopClient(m.detach(sc.Name))

			c, err := m.dial(ctx, sc)
			outcomes[i] = outcome{client: c, err: err}
			return nil
		})
	}
	_ = g.Wait()

	results := make(map[string]bool, len(servers))
	connected := 0
	for i, sc := range servers {
		o := outcomes[i]
		ok := m.commit(ctx, sc.Name, o.client, o.err)
		locks[i].Unlock()

		results[sc.Name] = ok
		if ok {
			connected++
		}
	}

	m.logger.Info("MCP servers connected",
		"connected", connected,
		"enabled", len(servers),
		"tools", m.registry.Len(),
	)
	return results
}

// Connect (re)connects one server, replacing any existing session.
func (m *Manager) Connect(ctx context.Context, name string) error {
	cfg, ok := m.config(name)
	if !ok {
		return &ConfigurationError{Server: name, Reason: "unknown server"}
	}
	if !cfg.Enabled {
		return &ConfigurationError{Server: name, Reason: "server is disabled"}
	}

	lock := m.serverLock(name)
	lock.Lock()
	defer lock.Unlock()

	m.stopClient(m.detach(name))

	c, err := m.dial(ctx, cfg)
	if !m.commit(ctx, name, c, err) && err == nil {
		return &ConfigurationError{Server: name, Reason: "server was removed while connecting"}
	}
	return err
}

// dial creates a fresh client and connects it.
func (m *Manager) dial(ctx context.Context, cfg ServerConfig) (*Client, error) {
	transport := m.newTransport(cfg, m.logger.With("mcp_server", cfg.Name))
	c := NewClient(ClientConfig{
		Server:    cfg,
		Transport: transport,
		Info:      m.clientInfo,
		Logger:    m.logger,
	})
	if err := c.Connect(ctx); err != nil {
		m.logger.Warn("MCP server connection failed", "mcp_server", cfg.Name, "error", err)
		return nil, err
	}
	return c, nil
}

// commit records the outcome of a connection attempt and, on success,
// publishes the client and its tools. It reports whether the client
// was installed. Caller must hold the server lock.
func (m *Manager) commit(ctx context.Context, name string, c *Client, connErr error) bool {
	now := time.Now()
	ev := StatusEvent{Server: name, Kind: EventConnect, At: now}

	m.mu.Lock()
	if _, known := m.configs[name]; !known {
		m.mu.Unlock()
		m.stopClient(c)
		return false
	}

	st := m.status[name]
	st.lastCheck = now
	if connErr != nil {
		st.connected = false
		st.err = connErr.Error()
		st.toolsCount = 0
		ev.Error = st.err
	} else {
		names := m.registry.ReplaceServer(name, c.Tools())
		m.clients[name] = c
		delete(m.restart, name)
		st.connected = true
		st.err = ""
		st.toolsCount = len(names)
		ev.Connected = true
		ev.ToolsCount = len(names)
		ev.SessionID = c.SessionID()
	}
	m.mu.Unlock()

	m.record(ctx, ev)
	return connErr == nil
}

// detach removes the server's client and tools and returns the client
// for the caller to stop. Caller must hold the server lock.
func (m *Manager) detach(name string) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.clients[name]
	delete(m.clients, name)
	m.registry.RemoveServer(name)
	if st, ok := m.status[name]; ok {
		st.connected = false
		st.toolsCount = 0
	}
	return c
}

func (m *Manager) stopClient(c *Client) {
	if c == nil {
		return
	}
	if err := c.Stop(); err != nil {
		m.logger.Warn("error stopping MCP client", "mcp_server", c.Name(), "error", err)
	}
}

// Disconnect stops one server. It stays down, including for the
// health check, until Connect or ConnectAll is called.
func (m *Manager) Disconnect(name string) error {
	if _, ok := m.config(name); !ok {
		return &ConfigurationError{Server: name, Reason: "unknown server"}
	}

	lock := m.serverLock(name)
	lock.Lock()
	defer lock.Unlock()

	m.disconnectLocked(name)
	return nil
}

// disconnectLocked stops the server and clears its status. Caller must
// hold the server lock.
func (m *Manager) disconnectLocked(name string) {
	c := m.detach(name)
	m.stopClient(c)

	now := time.Now()
	m.mu.Lock()
	delete(m.restart, name)
	if st, ok := m.status[name]; ok {
		st.lastCheck = now
		st.err = ""
	}
	m.mu.Unlock()

	if c != nil {
		m.record(context.Background(), StatusEvent{
			Server:    name,
			Kind:      EventDisconnect,
			SessionID: c.SessionID(),
			At:        now,
		})
	}
}

// DisconnectAll stops every server, clears the aggregate registry and
// marks every server disconnected, including servers whose processes
// already exited on their own.
func (m *Manager) DisconnectAll() {
	for _, name := range m.serverNames() {
		lock := m.serverLock(name)
		lock.Lock()
		m.disconnectLocked(name)
		lock.Unlock()
	}

	m.mu.Lock()
	m.registry.Clear()
	for _, st := range m.status {
		st.connected = false
		st.toolsCount = 0
	}
	clear(m.restart)
	m.mu.Unlock()

	m.logger.Info("all MCP servers disconnected")
}

// Close stops the health check and disconnects every server.
func (m *Manager) Close() {
	m.StopHealthCheck()
	m.DisconnectAll()
}

// AllTools returns descriptors for every aggregated tool in
// registration order.
func (m *Manager) AllTools() []ToolDescriptor {
	entries := m.registry.List()
	out := make([]ToolDescriptor, 0, len(entries))
	for _, rt := range entries {
		out = append(out, rt.Descriptor())
	}
	return out
}

// ToolsByServer returns descriptors for the tools owned by server.
func (m *Manager) ToolsByServer(server string) []ToolDescriptor {
	var out []ToolDescriptor
	for _, rt := range m.registry.ByServer(server) {
		out = append(out, rt.Descriptor())
	}
	return out
}

// Tool returns the aggregated tool registered under name.
func (m *Manager) Tool(name string) (RegisteredTool, bool) {
	return m.registry.Lookup(name)
}

// IsMCPTool reports whether name is an aggregated MCP tool.
func (m *Manager) IsMCPTool(name string) bool {
	_, ok := m.registry.Lookup(name)
	return ok
}

// AvailableServers returns the names of servers with a connected
// session, in configuration order.
func (m *Manager) AvailableServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, name := range m.order {
		if c := m.clients[name]; c != nil && c.Connected() {
			out = append(out, name)
		}
	}
	return out
}

// CallTool invokes an aggregated tool on its owning server. An unknown
// name fails with *ToolNotFoundError before any server is contacted; a
// server that is not connected fails with *NotConnectedError. Errors
// from the server are returned unchanged and never retried.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	rt, ok := m.registry.Lookup(name)
	if !ok {
		return ToolResult{}, &ToolNotFoundError{Tool: name}
	}

	server := rt.Tool.ServerName
	m.mu.RLock()
	c := m.clients[server]
	m.mu.RUnlock()

	if c == nil || !c.Connected() {
		return ToolResult{}, &NotConnectedError{Server: server, Tool: name}
	}

	m.logger.Debug("calling MCP tool",
		"tool", name,
		"mcp_server", server,
		"remote_name", rt.RemoteName,
	)
	return c.CallTool(ctx, rt.RemoteName, args)
}

// RefreshTools re-fetches tool lists from the connected servers
// without reconnecting any of them.
func (m *Manager) RefreshTools(ctx context.Context) error {
	var errs []error
	for _, name := range m.serverNames() {
		if err := m.refreshServer(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) refreshServer(ctx context.Context, name string) error {
	lock := m.serverLock(name)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	c := m.clients[name]
	m.mu.RUnlock()
	if c == nil || !c.Connected() {
		return nil
	}

	tools, err := c.ListTools(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.status[name]
	if err != nil {
		st.err = err.Error()
		m.logger.Warn("MCP tool refresh failed", "mcp_server", name, "error", err)
		return err
	}
	names := m.registry.ReplaceServer(name, tools)
	st.toolsCount = len(names)
	st.err = ""
	return nil
}

// AddServer registers a new server. It is not connected until Connect
// or the next ConnectAll.
func (m *Manager) AddServer(cfg ServerConfig) error {
	if err := m.addConfig(cfg); err != nil {
		return err
	}
	m.logger.Info("MCP server added", "mcp_server", cfg.Name)
	return nil
}

// RemoveServer disconnects a server and forgets its configuration.
func (m *Manager) RemoveServer(name string) error {
	if _, ok := m.config(name); !ok {
		return &ConfigurationError{Server: name, Reason: "unknown server"}
	}

	lock := m.serverLock(name)
	lock.Lock()
	defer lock.Unlock()

	m.disconnectLocked(name)

	m.mu.Lock()
	delete(m.configs, name)
	delete(m.status, name)
	m.order = slices.DeleteFunc(m.order, func(n string) bool { return n == name })
	m.mu.Unlock()

	m.logger.Info("MCP server removed", "mcp_server", name)
	return nil
}

// ServerStatus returns the status of every configured server in
// configuration order.
func (m *Manager) ServerStatus() []ServerStatus {
	var out []ServerStatus
	for _, name := range m.serverNames() {
		if st, ok := m.Status(name); ok {
			out = append(out, st)
		}
	}
	return out
}

// Status returns the status of one server.
func (m *Manager) Status(name string) (ServerStatus, bool) {
	m.mu.RLock()
	cfg, ok := m.configs[name]
	if !ok {
		m.mu.RUnlock()
		return ServerStatus{}, false
	}
	rec := *m.status[name]
	c := m.clients[name]
	m.mu.RUnlock()

	st := ServerStatus{
		Name:        name,
		Connected:   rec.connected,
		LastCheck:   rec.lastCheck,
		Error:       rec.err,
		ToolsCount:  rec.toolsCount,
		Description: cfg.Description,
		Enabled:     cfg.Enabled,
		AutoRestart: cfg.AutoRestart,
		State:       StateDisconnected.String(),
	}
	if c != nil {
		info := c.Info()
		st.State = info.State
		st.SessionID = info.SessionID
		st.ProcessRunning = info.ProcessRunning
		st.LastHeartbeat = info.LastHeartbeat
	}
	return st, true
}

// Statistics returns summary counters.
func (m *Manager) Statistics() Statistics {
	counts := m.registry.Counts()

	m.mu.RLock()
	stats := Statistics{
		TotalServers:  len(m.order),
		TotalTools:    m.registry.Len(),
		ToolsByServer: make(map[string]int),
	}
	for _, name := range m.order {
		if m.status[name].connected {
			stats.ConnectedServers++
			stats.ToolsByServer[name] = counts[name]
		}
	}
	m.mu.RUnlock()

	stats.HealthCheckRunning = m.health.Running()
	return stats
}

func (m *Manager) record(ctx context.Context, ev StatusEvent) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.RecordStatus(ctx, ev); err != nil {
		m.logger.Warn("failed to record MCP status event",
			"mcp_server", ev.Server,
			"kind", string(ev.Kind),
			"error", err,
		)
	}
}
