package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mcphub/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// levelTrace matches config.LevelTrace; wire payloads are logged at it.
const levelTrace = slog.Level(-8)

// maxToolPages caps tools/list pagination against a server that keeps
// handing out cursors.
const maxToolPages = 100

// ConnState is the logical state of a Client session.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateStarting
	StateInitializing
	StateConnected
)

// String returns the lowercase state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateStarting:
		return "starting"
	case StateInitializing:
		return "initializing"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Implementation identifies a client or server in the handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// DefaultClientInfo is sent in initialize when none is configured.
func DefaultClientInfo() Implementation {
	return Implementation{Name: "mcphub", Version: buildinfo.Version}
}

// initializeResult is the initialize response result.
type initializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ServerInfo      Implementation  `json:"serverInfo"`
	Capabilities    json.RawMessage `json:"capabilities"`
	Instructions    string          `json:"instructions,omitempty"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools      []toolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// ServerInfo is a point-in-time view of one Client session.
type ServerInfo struct {
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Enabled        bool      `json:"enabled"`
	Connected      bool      `json:"connected"`
	State          string    `json:"state"`
	SessionID      string    `json:"session_id"`
	ToolsCount     int       `json:"tools_count"`
	ProcessRunning bool      `json:"process_running"`
	LastHeartbeat  time.Time `json:"last_heartbeat,omitzero"`
	ServerName     string    `json:"server_name,omitempty"`
	ServerVersion  string    `json:"server_version,omitempty"`
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Server    ServerConfig
	Transport Transport

	// Info is sent as clientInfo in initialize (default: DefaultClientInfo).
	Info Implementation

	Logger *slog.Logger
}

// Client owns one MCP server session. A Client is used for a single
// connection attempt; reconnecting means creating a new Client.
//
// At most one request is in flight per Client. Request ids come from
// a private counter and strictly increase; callers that overlap wait
// for the request slot or for their context.
type Client struct {
	config    ServerConfig
	transport Transport
	info      Implementation
	logger    *slog.Logger
	sessionID string

	slot   chan struct{}
	nextID int64 // guarded by slot

	mu            sync.RWMutex
	state         ConnState
	tools         []Tool
	lastHeartbeat time.Time
	serverInfo    Implementation
}

// NewClient creates a client for the configured server. Nothing is
// launched until Connect.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	info := cfg.Info
	if info.Name == "" {
		info = DefaultClientInfo()
	}

	sessionID := ""
	if id, err := uuid.NewV7(); err == nil {
		sessionID = id.String()
	}

	return &Client{
		config:    cfg.Server,
		transport: cfg.Transport,
		info:      info,
		logger:    logger.With("mcp_server", cfg.Server.Name, "session", sessionID),
		sessionID: sessionID,
		slot:      make(chan struct{}, 1),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.config.Name
}

// SessionID identifies this connection attempt.
func (c *Client) SessionID() string {
	return c.sessionID
}

// State returns the current session state.
func (c *Client) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connected reports whether the session is in the connected state.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// LastHeartbeat returns the time of the last successful ping.
func (c *Client) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// Tools returns a copy of the tools from the last tools/list.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Info returns a snapshot of the session for status reporting.
func (c *Client) Info() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ServerInfo{
		Name:           c.config.Name,
		Description:    c.config.Description,
		Enabled:        c.config.Enabled,
		Connected:      c.state == StateConnected,
		State:          c.state.String(),
		SessionID:      c.sessionID,
		ToolsCount:     len(c.tools),
		ProcessRunning: c.transport.Alive(),
		LastHeartbeat:  c.lastHeartbeat,
		ServerName:     c.serverInfo.Name,
		ServerVersion:  c.serverInfo.Version,
	}
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Debug("MCP session state changed", "from", prev.String(), "to", s.String())
	}
}

// Connect launches the server, performs the handshake and fetches the
// tool list. On any failure the process is stopped and the error is
// returned; the Client must not be reused afterwards.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateStarting)
	if err := c.transport.Start(ctx); err != nil {
		c.setState(StateDisconnected)
		var launchErr *LaunchError
		if !errors.As(err, &launchErr) {
			err = &LaunchError{Server: c.config.Name, Command: strings.Join(c.config.argv(), " "), Err: err}
		}
		return err
	}

	c.setState(StateInitializing)
	if err := c.Initialize(ctx); err != nil {
		_ = c.Stop()
		return err
	}

	if _, err := c.ListTools(ctx); err != nil {
		_ = c.Stop()
		return fmt.Errorf("list tools: %w", err)
	}

	c.logger.Info("MCP server connected", "tools", len(c.Tools()))
	return nil
}

// Initialize performs the MCP handshake: an initialize request followed
// by the notifications/initialized notification. The session becomes
// connected only after both succeed.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
		},
		"clientInfo": c.info,
	}

	raw, err := c.send(ctx, "initialize", params)
	if err != nil {
		return &HandshakeError{Server: c.config.Name, Err: err}
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.setState(StateDisconnected)
		return &HandshakeError{Server: c.config.Name, Err: fmt.Errorf("unmarshal initialize result: %w", err)}
	}

	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		c.setState(StateDisconnected)
		return &HandshakeError{Server: c.config.Name, Err: fmt.Errorf("send initialized notification: %w", err)}
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

// ListTools calls tools/list, following pagination cursors, and
// replaces the client's tool set with the result.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var defs []toolDefinition
	cursor := ""
	for page := 0; ; page++ {
		if page == maxToolPages {
			return nil, &ProtocolError{Server: c.config.Name, Method: "tools/list", Err: fmt.Errorf("more than %d pages", maxToolPages)}
		}

		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}

		raw, err := c.send(ctx, "tools/list", params)
		if err != nil {
			return nil, err
		}

		var result toolsListResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, &ProtocolError{Server: c.config.Name, Method: "tools/list", Err: fmt.Errorf("unmarshal result: %w", err)}
		}
		defs = append(defs, result.Tools...)

		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}

	tools := make([]Tool, 0, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			c.logger.Warn("skipping MCP tool without a name")
			continue
		}
		tool, err := d.toTool(c.config.Name)
		if err != nil {
			c.logger.Warn("skipping MCP tool with unreadable schema", "tool", d.Name, "error", err)
			continue
		}
		tools = append(tools, tool)
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(tools))
	return tools, nil
}

// CallTool invokes a tool by its server-side name. A result the tool
// flags as failed comes back as an ErrorResult together with an
// *UpstreamToolError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	if !c.hasTool(name) {
		return ToolResult{}, &ToolNotFoundError{Tool: name, Server: c.config.Name}
	}
	if args == nil {
		args = map[string]any{}
	}

	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	raw, err := c.send(ctx, "tools/call", params)
	if err != nil {
		return ToolResult{}, fmt.Errorf("call MCP tool %q on server %q: %w", name, c.config.Name, err)
	}

	result := decodeToolResult(raw)
	if result.IsError() {
		return result, &UpstreamToolError{Tool: name, Server: c.config.Name, Message: result.Text}
	}
	return result, nil
}

func (c *Client) hasTool(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Ping probes liveness with a ping request. A server that answers
// "method not found" has still completed a round trip, so that reply
// counts as alive; no other request is sent in its place.
func (c *Client) Ping(ctx context.Context) error {
	if !c.Connected() {
		return &NotConnectedError{Server: c.config.Name}
	}

	resp, err := c.roundTrip(ctx, "ping", nil)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	if resp.Error != nil {
		if !resp.Error.IsMethodNotFound() {
			c.setState(StateDisconnected)
			return &ProtocolError{Server: c.config.Name, Method: "ping", RPC: resp.Error}
		}
		c.logger.Debug("server does not implement ping, treating reply as heartbeat")
	}

	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
	return nil
}

// Stop terminates the server process and clears the tool set.
func (c *Client) Stop() error {
	c.mu.Lock()
	c.state = StateDisconnected
	c.tools = nil
	c.mu.Unlock()

	c.logger.Info("stopping MCP client")
	return c.transport.Close()
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() {
	<-c.slot
}

// send issues one request and returns its result. Any failure,
// including an error reply, leaves the session disconnected; a fresh
// Client is needed to recover.
func (c *Client) send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	resp, err := c.roundTrip(ctx, method, params)
	if err != nil {
		c.setState(StateDisconnected)
		return nil, err
	}

	if resp.Error != nil {
		c.setState(StateDisconnected)
		return nil, &ProtocolError{Server: c.config.Name, Method: method, RPC: resp.Error}
	}

	if len(resp.Result) == 0 {
		return json.RawMessage("{}"), nil
	}
	return resp.Result, nil
}

// roundTrip holds the request slot for one request/response exchange,
// bounded by the server's request timeout.
func (c *Client) roundTrip(ctx context.Context, method string, params any) (*Response, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	c.nextID++
	req := NewRequest(c.nextID, method, params)

	timeout := c.config.RequestTimeout()
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.transport.Send(reqCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			c.logger.Warn("MCP request timed out", "method", method, "id", req.ID, "timeout", timeout)
			return nil, &TimeoutError{Server: c.config.Name, Method: method, Timeout: timeout}
		}
		return nil, err
	}

	if resp.ID != req.ID {
		return nil, &ProtocolError{Server: c.config.Name, Method: method, Err: fmt.Errorf("response id %d does not match request id %d", resp.ID, req.ID)}
	}
	return resp, nil
}
