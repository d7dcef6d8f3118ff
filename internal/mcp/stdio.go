package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Startup and shutdown defaults for stdio servers.
const (
	DefaultStartupWindow   = 10 * time.Second
	DefaultStartupGrace    = 2 * time.Second
	DefaultStartupInterval = 500 * time.Millisecond
	DefaultStopTimeout     = 5 * time.Second
)

// stderrTailLines is how many trailing stderr lines are kept for
// launch diagnostics.
const stderrTailLines = 20

// StartupConfig controls the liveness probe run after a server
// process is spawned. The process is considered started once it has
// stayed alive for Grace, checked every Interval, never waiting longer
// than Window.
type StartupConfig struct {
	Window   time.Duration
	Grace    time.Duration
	Interval time.Duration
}

func (s StartupConfig) withDefaults() StartupConfig {
	if s.Window <= 0 {
		s.Window = DefaultStartupWindow
	}
	if s.Grace <= 0 {
		s.Grace = DefaultStartupGrace
	}
	if s.Interval <= 0 {
		s.Interval = DefaultStartupInterval
	}
	if s.Grace > s.Window {
		s.Grace = s.Window
	}
	return s
}

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Server names the server in errors.
	Server string

	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	Startup StartupConfig

	// StopTimeout bounds the graceful shutdown before the process is
	// killed (default: 5s).
	StopTimeout time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	startMu sync.Mutex // serializes Start
	ioMu    sync.Mutex // serializes writes and response reads

	mu   sync.Mutex
	proc *stdioProcess
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is launched by Start.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Startup = cfg.Startup.withDefaults()
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
	}
}

// stdioProcess is one launched subprocess and the goroutines that
// drain its output. Stdout and stderr use os.Pipe so that cmd.Wait
// never closes the read ends underneath the readers.
type stdioProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File

	lines   chan []byte
	readErr error // set before lines is closed

	exited  chan struct{}
	waitErr error // set before exited is closed

	stderrTail *tailBuffer
	stderrDone chan struct{}

	quit     chan struct{}
	stopOnce sync.Once
}

func (t *StdioTransport) process() *stdioProcess {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.proc
}

func (t *StdioTransport) commandLine() string {
	return strings.Join(append([]string{t.config.Command}, t.config.Args...), " ")
}

// Start launches the subprocess and runs the startup probe. The
// process lifetime is independent of ctx, which only bounds the probe.
func (t *StdioTransport) Start(ctx context.Context) error {
	t.startMu.Lock()
	defer t.startMu.Unlock()

	if p := t.process(); p != nil {
		if p.alive() {
			return nil
		}
		// Reap a process that died on its own before relaunching.
		p.stop(t.config.StopTimeout, t.logger)
	}

	t.logger.Info("starting MCP server process",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	p, err := t.launch()
	if err != nil {
		return &LaunchError{
			Server:  t.config.Server,
			Command: t.commandLine(),
			Err:     err,
		}
	}

	t.mu.Lock()
	t.proc = p
	t.mu.Unlock()

	if err := t.probe(ctx, p); err != nil {
		p.stop(t.config.StopTimeout, t.logger)
		t.mu.Lock()
		if t.proc == p {
			t.proc = nil
		}
		t.mu.Unlock()
		return err
	}

	t.logger.Info("MCP server process started", "pid", p.cmd.Process.Pid)
	return nil
}

// launch spawns the process and its reader goroutines.
func (t *StdioTransport) launch() (*stdioProcess, error) {
	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	errR, errW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, err
	}

	// The child holds its own copies of the write ends.
	outW.Close()
	errW.Close()

	p := &stdioProcess{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     outR,
		stderr:     errR,
		lines:      make(chan []byte, 16),
		exited:     make(chan struct{}),
		stderrTail: newTailBuffer(stderrTailLines),
		stderrDone: make(chan struct{}),
		quit:       make(chan struct{}),
	}

	go p.wait()
	go p.readStdout()
	go p.readStderr(t.logger)

	return p, nil
}

// probe waits until the process has stayed alive for the startup
// grace period. A process that exits first fails the launch.
func (t *StdioTransport) probe(ctx context.Context, p *stdioProcess) error {
	cfg := t.config.Startup
	started := time.Now()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.exited:
			return t.exitedDuringStartup(p)
		case <-ctx.Done():
			return &LaunchError{
				Server:  t.config.Server,
				Command: t.commandLine(),
				Stderr:  p.stderrTail.String(),
				Err:     ctx.Err(),
			}
		case <-ticker.C:
			if time.Since(started) < cfg.Grace {
				continue
			}
			if !p.alive() {
				return t.exitedDuringStartup(p)
			}
			return nil
		}
	}
}

func (t *StdioTransport) exitedDuringStartup(p *stdioProcess) error {
	// Give the stderr reader a moment to collect the last words.
	select {
	case <-p.stderrDone:
	case <-time.After(time.Second):
	}

	err := fmt.Errorf("process exited during startup (%s)", p.cmd.ProcessState)
	if p.waitErr != nil && p.cmd.ProcessState == nil {
		err = fmt.Errorf("process exited during startup: %w", p.waitErr)
	}
	return &LaunchError{
		Server:  t.config.Server,
		Command: t.commandLine(),
		Stderr:  p.stderrTail.String(),
		Err:     err,
	}
}

// Send writes a request to stdin and reads stdout until the matching
// response arrives. Server-originated messages and responses to
// earlier, abandoned requests are skipped. When ctx ends first,
// ctx.Err() is returned and the process keeps running.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	p := t.process()
	if p == nil {
		return nil, &ProtocolError{Server: t.config.Server, Method: req.Method, Err: errors.New("server process is not running")}
	}

	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	t.logger.Log(ctx, levelTrace, "MCP request", "id", req.ID, "method", req.Method, "payload", string(data))

	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return nil, &ProtocolError{Server: t.config.Server, Method: req.Method, Err: fmt.Errorf("write to subprocess stdin: %w", err)}
	}

	for {
		line, err := p.readLine(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, &ProtocolError{Server: t.config.Server, Method: req.Method, Err: err}
		}

		t.logger.Log(ctx, levelTrace, "MCP message", "payload", string(line))

		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, &ProtocolError{
				Server: t.config.Server,
				Method: req.Method,
				Err:    fmt.Errorf("malformed message %q: %w", truncate(string(line), 200), err),
			}
		}

		if env.Method != "" {
			t.logger.Debug("skipping server-initiated MCP message", "method", env.Method)
			continue
		}

		id, ok := env.responseID()
		if !ok {
			if env.Error != nil {
				// An error with a null id answers a request the server
				// could not parse; ours is the only one outstanding.
				return &Response{JSONRPC: env.JSONRPC, ID: req.ID, Error: env.Error}, nil
			}
			t.logger.Debug("skipping MCP message without id")
			continue
		}

		if id != req.ID {
			t.logger.Debug("skipping stale MCP response", "id", id, "want", req.ID)
			continue
		}

		return &Response{
			JSONRPC: env.JSONRPC,
			ID:      id,
			Result:  env.Result,
			Error:   env.Error,
		}, nil
	}
}

// Notify sends a JSON-RPC notification over stdin. No response is expected.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	p := t.process()
	if p == nil {
		return &ProtocolError{Server: t.config.Server, Method: notif.Method, Err: errors.New("server process is not running")}
	}

	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	t.logger.Log(ctx, levelTrace, "MCP notification", "method", notif.Method, "payload", string(data))

	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return &ProtocolError{Server: t.config.Server, Method: notif.Method, Err: fmt.Errorf("write notification to subprocess stdin: %w", err)}
	}
	return nil
}

// Alive reports whether the subprocess is running.
func (t *StdioTransport) Alive() bool {
	p := t.process()
	return p != nil && p.alive()
}

// PID returns the subprocess id, or 0 when no process is running.
func (t *StdioTransport) PID() int {
	p := t.process()
	if p == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Stderr returns the most recent stderr lines of the subprocess.
func (t *StdioTransport) Stderr() string {
	p := t.process()
	if p == nil {
		return ""
	}
	return p.stderrTail.String()
}

// Close terminates the subprocess: stdin is closed and SIGTERM sent,
// then the process is killed if it has not exited within StopTimeout.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	p := t.proc
	t.proc = nil
	t.mu.Unlock()

	if p == nil {
		return nil
	}
	p.stop(t.config.StopTimeout, t.logger)
	return nil
}

func (p *stdioProcess) wait() {
	p.waitErr = p.cmd.Wait()
	close(p.exited)
}

func (p *stdioProcess) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// readStdout feeds non-blank stdout lines to p.lines until EOF.
func (p *stdioProcess) readStdout() {
	defer close(p.lines)

	r := bufio.NewReaderSize(p.stdout, 1<<20) // 1 MiB buffer for large responses
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			select {
			case p.lines <- line:
			case <-p.quit:
				return
			}
		}
		if err != nil {
			p.readErr = err
			return
		}
	}
}

// readStderr logs stderr lines at debug level and keeps a short tail.
func (p *stdioProcess) readStderr(logger *slog.Logger) {
	defer close(p.stderrDone)

	scanner := bufio.NewScanner(p.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.stderrTail.add(line)
		logger.Debug("MCP subprocess stderr", "line", line)
	}
}

// readLine is the read-with-deadline primitive: it returns the next
// stdout line, or ctx.Err() if ctx ends first.
func (p *stdioProcess) readLine(ctx context.Context) ([]byte, error) {
	select {
	case line, ok := <-p.lines:
		if ok {
			return line, nil
		}
		if p.readErr == nil || errors.Is(p.readErr, io.EOF) {
			return nil, errors.New("server closed stdout")
		}
		return nil, fmt.Errorf("read from subprocess stdout: %w", p.readErr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *stdioProcess) stop(timeout time.Duration, logger *slog.Logger) {
	p.stopOnce.Do(func() {
		close(p.quit)
		_ = p.stdin.Close()

		if p.alive() {
			logger.Info("stopping MCP server process", "pid", p.cmd.Process.Pid)
			if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
				_ = p.cmd.Process.Kill()
			}

			timer := time.NewTimer(timeout)
			select {
			case <-p.exited:
			case <-timer.C:
				logger.Warn("MCP server process did not exit gracefully, killing",
					"pid", p.cmd.Process.Pid,
				)
				_ = p.cmd.Process.Kill()
				<-p.exited
			}
			timer.Stop()
		}

		_ = p.stdout.Close()
		_ = p.stderr.Close()
	})
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (b *tailBuffer) add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.n {
		b.lines = b.lines[len(b.lines)-b.n:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(strings.Join(b.lines, "\n"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
