// Package api implements the mcphub HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/mcphub/internal/buildinfo"
	"github.com/nugget/mcphub/internal/mcp"
	"github.com/nugget/mcphub/internal/tools"
)

// defaultEventLimit is how many journal entries the events endpoint
// returns when no limit is given.
const defaultEventLimit = 50

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Fleet is the MCP manager surface the API exposes. It is satisfied
// by *mcp.Manager.
type Fleet interface {
	ServerStatus() []mcp.ServerStatus
	Status(name string) (mcp.ServerStatus, bool)
	Statistics() mcp.Statistics
	AllTools() []mcp.ToolDescriptor
	CallTool(ctx context.Context, name string, args map[string]any) (mcp.ToolResult, error)
	RefreshTools(ctx context.Context) error
	Connect(ctx context.Context, name string) error
	Disconnect(name string) error
}

// ToolExecutor is the dispatch surface shared with the task executor.
// It is satisfied by *tools.Registry.
type ToolExecutor interface {
	Descriptors() []mcp.ToolDescriptor
	Execute(ctx context.Context, name string, argsJSON string) (string, error)
}

// EventLog reads the status journal. It is satisfied by
// *statusstore.Store.
type EventLog interface {
	Events(ctx context.Context, server string, limit int) ([]mcp.StatusEvent, error)
}

// Server is the HTTP API server.
type Server struct {
	address string
	fleet   Fleet
	tools   ToolExecutor
	events  EventLog
	logger  *slog.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a new API server listening on address (host:port).
func NewServer(address string, fleet Fleet, executor ToolExecutor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		fleet:   fleet,
		tools:   executor,
		logger:  logger,
	}
}

// SetEventLog configures the status journal for the events endpoint.
func (s *Server) SetEventLog(events EventLog) {
	s.events = events
}

// Handler returns the routed, logged handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	// MCP manager endpoints
	mux.HandleFunc("GET /v1/mcp/status", s.handleStatus)
	mux.HandleFunc("GET /v1/mcp/stats", s.handleStats)
	mux.HandleFunc("GET /v1/mcp/tools", s.handleMCPTools)
	mux.HandleFunc("POST /v1/mcp/tools/{name}/call", s.handleCallTool)
	mux.HandleFunc("POST /v1/mcp/refresh", s.handleRefresh)
	mux.HandleFunc("GET /v1/mcp/servers/{name}", s.handleServerGet)
	mux.HandleFunc("POST /v1/mcp/servers/{name}/reconnect", s.handleReconnect)
	mux.HandleFunc("POST /v1/mcp/servers/{name}/disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /v1/mcp/servers/{name}/events", s.handleEvents)

	// Dispatch endpoints (built-in tools plus MCP)
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("POST /v1/tools/{name}/execute", s.handleExecute)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // tool calls can run long
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("starting API server", "address", s.address)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "mcphub",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.fleet.Statistics()
	status := "healthy"
	if stats.TotalServers > 0 && stats.ConnectedServers == 0 {
		status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":            status,
		"connected_servers": stats.ConnectedServers,
		"total_servers":     stats.TotalServers,
	}, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.fleet.ServerStatus()
	if statuses == nil {
		statuses = []mcp.ServerStatus{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"servers": statuses}, s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.fleet.Statistics(), s.logger)
}

func (s *Server) handleMCPTools(w http.ResponseWriter, r *http.Request) {
	descs := s.fleet.AllTools()
	if server := r.URL.Query().Get("server"); server != "" {
		filtered := make([]mcp.ToolDescriptor, 0, len(descs))
		for _, d := range descs {
			if d.ServerName == server {
				filtered = append(filtered, d)
			}
		}
		descs = filtered
	}
	if descs == nil {
		descs = []mcp.ToolDescriptor{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": descs, "count": len(descs)}, s.logger)
}

// CallResponse is the body returned by the tool call endpoint.
type CallResponse struct {
	Tool   string          `json:"tool"`
	Result *mcp.ToolResult `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// handleCallTool invokes an aggregated MCP tool. The request body is
// the JSON arguments object; an empty body means no arguments.
// POST /v1/mcp/tools/{name}/call {"text": "hi"}
func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var args map[string]any
	if strings.TrimSpace(string(body)) != "" {
		if err := json.Unmarshal(body, &args); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "arguments must be a JSON object")
			return
		}
	}

	res, err := s.fleet.CallTool(r.Context(), name, args)
	resp := CallResponse{Tool: name}
	code := http.StatusOK
	if err != nil {
		code = statusForError(err)
		resp.Error = err.Error()
		s.logger.Warn("tool call failed", "tool", name, "status", code, "error", err)
	}
	if err == nil || res.IsError() {
		resp.Result = &res
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	err := s.fleet.RefreshTools(r.Context())
	stats := s.fleet.Statistics()
	body := map[string]any{
		"total_tools":     stats.TotalTools,
		"tools_by_server": stats.ToolsByServer,
	}
	code := http.StatusOK
	if err != nil {
		s.logger.Warn("tool refresh failed", "error", err)
		body["error"] = err.Error()
		code = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, body, s.logger)
}

func (s *Server) handleServerGet(w http.ResponseWriter, r *http.Request) {
	st, ok := s.fleet.Status(r.PathValue("name"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "unknown server")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}

// handleReconnect replaces the server's session with a fresh one and
// reports the resulting status.
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.fleet.Status(name); !ok {
		s.errorResponse(w, http.StatusNotFound, "unknown server")
		return
	}

	err := s.fleet.Connect(r.Context(), name)
	if err != nil {
		s.logger.Warn("reconnect failed", "mcp_server", name, "error", err)
		var cfgErr *mcp.ConfigurationError
		if errors.As(err, &cfgErr) {
			s.errorResponse(w, http.StatusConflict, err.Error())
			return
		}
		s.errorResponse(w, statusForError(err), err.Error())
		return
	}

	st, _ := s.fleet.Status(name)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.fleet.Disconnect(name); err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	st, _ := s.fleet.Status(name)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "status journal not configured")
		return
	}

	limit := defaultEventLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	name := r.PathValue("name")
	events, err := s.events.Events(r.Context(), name, limit)
	if err != nil {
		s.logger.Error("status journal read failed", "mcp_server", name, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read status journal")
		return
	}
	if events == nil {
		events = []mcp.StatusEvent{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"server": name, "events": events}, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	descs := s.tools.Descriptors()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": descs, "count": len(descs)}, s.logger)
}

// ExecuteResponse is the body returned by the execute endpoint.
type ExecuteResponse struct {
	Tool   string `json:"tool"`
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// handleExecute runs a tool through the dispatch registry, the same
// path the task executor uses, and returns its text rendering.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	out, err := s.tools.Execute(r.Context(), name, string(body))
	resp := ExecuteResponse{Tool: name, Output: out}
	code := http.StatusOK
	if err != nil {
		code = statusForError(err)
		resp.Error = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, resp, s.logger)
}

// statusForError maps tool and connection errors to HTTP status codes.
func statusForError(err error) int {
	var (
		notFound     *mcp.ToolNotFoundError
		unavailable  *tools.ErrToolUnavailable
		notConnected *mcp.NotConnectedError
		upstream     *mcp.UpstreamToolError
		protocol     *mcp.ProtocolError
		launch       *mcp.LaunchError
		handshake    *mcp.HandshakeError
		cfgErr       *mcp.ConfigurationError
		syntax       *json.SyntaxError
		typeErr      *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &syntax), errors.As(err, &typeErr):
		return http.StatusBadRequest
	case errors.As(err, &notFound), errors.As(err, &unavailable):
		return http.StatusNotFound
	case errors.As(err, &notConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &upstream), errors.As(err, &protocol),
		errors.As(err, &launch), errors.As(err, &handshake):
		return http.StatusBadGateway
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
