// Mcphub launches and supervises local MCP tool servers and exposes
// their merged tool catalog.
//
// Each configured server is a subprocess speaking JSON-RPC over stdio.
// mcphub connects them concurrently, aggregates their tools into one
// registry, pings them periodically (restarting crashed servers) and
// serves the catalog over HTTP. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	mcphub serve                 Start the supervisor and API server
//	mcphub status                Connect once and print server status
//	mcphub tools                 Connect once and list aggregated tools
//	mcphub call <tool> [json]    Connect once and call a tool
//	mcphub init [dir]            Initialize a working directory with defaults
//	mcphub version               Print version and build information
//	mcphub -o json status        Output as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/mcphub/internal/api"
	"github.com/nugget/mcphub/internal/buildinfo"
	"github.com/nugget/mcphub/internal/config"
	"github.com/nugget/mcphub/internal/mcp"
	"github.com/nugget/mcphub/internal/mqtt"
	"github.com/nugget/mcphub/internal/statusstore"
	"github.com/nugget/mcphub/internal/tools"
)

// journalRetention is how long status events are kept. Older rows are
// pruned at startup.
const journalRetention = 30 * 24 * time.Hour

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the mcphub command. ctx controls the
// lifetime of the process, stdout and stderr receive all output, and
// args is os.Args[1:]. Arguments are parsed by hand so that run can be
// called concurrently from tests without touching flag.CommandLine.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "status":
		return runStatus(ctx, stdout, stderr, configPath, outputFmt)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt)
	case "call":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: mcphub call <tool> [json-arguments]")
		}
		argsJSON := strings.Join(cmdArgs[1:], " ")
		return runCall(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0], argsJSON)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeIndented(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	fmt.Fprintf(w, "  %-12s %s\n", "go_version:", info.GoVersion)
	fmt.Fprintf(w, "  %-12s %s/%s\n", "platform:", info.OS, info.Arch)
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcphub - MCP tool server supervisor")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcphub [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                 Start the supervisor and API server")
	fmt.Fprintln(w, "  status                Connect once and print server status")
	fmt.Fprintln(w, "  tools                 Connect once and list aggregated tools")
	fmt.Fprintln(w, "  call <tool> [json]    Connect once and call a tool")
	fmt.Fprintln(w, "  init [dir]            Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version               Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/mcphub/config.yaml, /etc/mcphub/config.yaml")
	return nil
}

// runServe handles the "mcphub serve" subcommand: it opens the status
// journal, connects every enabled server, starts the health check and
// the API server, and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. MQTT publishes offline and disconnects
//  3. The HTTP server drains in-flight requests
//  4. The manager stops the health check and every server process
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting mcphub", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// ParseLogLevel is already validated by config.Validate().
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"listen", cfg.ListenAddr(),
		"servers", len(cfg.MCP.Servers),
		"data_dir", cfg.DataDir,
	)

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components,
	// including connection attempts still in progress.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	journal, err := statusstore.NewStore(cfg.StatusDBPath())
	if err != nil {
		return fmt.Errorf("open status journal: %w", err)
	}
	defer journal.Close()

	if n, err := journal.Prune(ctx, time.Now().Add(-journalRetention)); err != nil {
		logger.Warn("status journal prune failed", "error", err)
	} else if n > 0 {
		logger.Info("status journal pruned", "deleted", n)
	}

	mcfg := cfg.ManagerConfig()
	mcfg.Recorder = journal
	mcfg.Logger = logger
	mgr, err := mcp.NewManager(mcfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	results := mgr.ConnectAll(ctx)
	connected := 0
	for _, ok := range results {
		if ok {
			connected++
		}
	}
	logger.Info("MCP servers connected",
		"connected", connected,
		"attempted", len(results),
		"tools", mgr.Statistics().TotalTools,
	)
	mgr.StartHealthCheck(ctx)

	registry := tools.NewRegistry(mgr, logger)

	server := api.NewServer(cfg.ListenAddr(), mgr, registry, logger)
	server.SetEventLog(journal)

	// --- MQTT publisher ---
	// Optional: publishes HA MQTT discovery messages and per-server
	// connectivity so the fleet appears as a native HA device.
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, mgr, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		// Publish MQTT offline status before disconnecting.
		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		_ = server.Shutdown(shutdownCtx)
	}()

	// Start the API server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("mcphub stopped")
	return nil
}

// runStatus connects every enabled server once, prints their status and
// disconnects.
func runStatus(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	mgr, err := connectOnce(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer mgr.Close()

	statuses := mgr.ServerStatus()
	if outputFmt == "json" {
		if statuses == nil {
			statuses = []mcp.ServerStatus{}
		}
		return writeIndented(stdout, statuses)
	}

	if len(statuses) == 0 {
		fmt.Fprintln(stdout, "No MCP servers configured.")
		return nil
	}
	for _, st := range statuses {
		state := st.State
		if !st.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(stdout, "%-20s %-13s %3d tools", st.Name, state, st.ToolsCount)
		if st.Error != "" {
			fmt.Fprintf(stdout, "  error: %s", st.Error)
		}
		fmt.Fprintln(stdout)
	}
	return nil
}

// runTools connects every enabled server once and lists the aggregated
// tool catalog, built-ins included.
func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	mgr, err := connectOnce(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer mgr.Close()

	descs := tools.NewRegistry(mgr, nil).Descriptors()
	if outputFmt == "json" {
		return writeIndented(stdout, descs)
	}

	for _, d := range descs {
		server := d.ServerName
		if !d.IsMCPTool {
			server = "builtin"
		}
		fmt.Fprintf(stdout, "%-32s %-12s %s\n", d.Name, server, d.Description)
	}
	return nil
}

// runCall connects every enabled server once and invokes a single tool.
// Text output is the rendered result; JSON output is the typed result.
func runCall(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, name, argsJSON string) error {
	mgr, err := connectOnce(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if outputFmt == "json" {
		var args map[string]any
		if strings.TrimSpace(argsJSON) != "" {
			if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
				return fmt.Errorf("invalid arguments: %w", err)
			}
		}
		res, err := mgr.CallTool(ctx, name, args)
		resp := api.CallResponse{Tool: name}
		if err == nil || res.IsError() {
			resp.Result = &res
		}
		if err != nil {
			resp.Error = err.Error()
		}
		if werr := writeIndented(stdout, resp); werr != nil {
			return werr
		}
		return err
	}

	out, err := tools.NewRegistry(mgr, nil).Execute(ctx, name, argsJSON)
	if out != "" {
		fmt.Fprintln(stdout, out)
	}
	return err
}

// connectOnce loads the config and connects every enabled server for a
// one-shot command. Logs go to stderr so stdout carries only output.
func connectOnce(ctx context.Context, stderr io.Writer, configPath string) (*mcp.Manager, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	level = max(level, slog.LevelWarn)
	logger := config.NewLogger(stderr, level, cfg.LogFormat)

	mcfg := cfg.ManagerConfig()
	mcfg.Logger = logger
	mgr, err := mcp.NewManager(mcfg)
	if err != nil {
		return nil, err
	}
	mgr.ConnectAll(ctx)
	return mgr, nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
