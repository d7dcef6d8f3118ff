package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/nugget/mcphub/internal/api"
	"github.com/nugget/mcphub/internal/mcp"
	"github.com/nugget/mcphub/internal/mcpserver/echo"
)

// echoServerEnv makes the test binary act as the echo MCP server when
// it is launched as a configured server.
const echoServerEnv = "MCPHUB_ECHO_SERVER"

func TestMain(m *testing.M) {
	if os.Getenv(echoServerEnv) == "1" {
		if err := server.ServeStdio(echo.NewServer()); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// writeTestConfig writes a config with one echo server backed by this
// test binary and one disabled server, and returns its path.
func writeTestConfig(t *testing.T, port int) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`log_level: warn
data_dir: %q
listen:
  address: 127.0.0.1
  port: %d
mcp:
  startup_grace_ms: 100
  health_check_interval_sec: 60
  servers:
    - name: echo
      command: [%q]
      env:
        %s: "1"
      timeout_sec: 10
      description: test echo server
    - name: off
      command: does-not-exist
      enabled: false
`, filepath.Join(dir, "data"), port, os.Args[0], echoServerEnv)

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCapture(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), err
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		out, err := runCapture(t, args...)
		if err != nil {
			t.Errorf("run(%v): %v", args, err)
		}
		if !strings.Contains(out, "Usage: mcphub") {
			t.Errorf("run(%v) output missing usage:\n%s", args, out)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-x", "status"}, "unknown flag"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"call without tool", []string{"call"}, "usage: mcphub call"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "status"}, "config file not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCapture(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	out, err := runCapture(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "mcphub ") || !strings.Contains(out, "go_version:") {
		t.Errorf("version output:\n%s", out)
	}

	out, err = runCapture(t, "-o", "json", "version")
	if err != nil {
		t.Fatalf("version json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("version json is not JSON: %v\n%s", err, out)
	}
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("version json = %v", info)
	}
}

func TestRun_Status(t *testing.T) {
	cfgPath := writeTestConfig(t, 0)

	out, err := runCapture(t, "-config", cfgPath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("status output:\n%s", out)
	}
	if f := strings.Fields(lines[0]); f[0] != "echo" || f[1] != "connected" || f[2] != "2" {
		t.Errorf("echo line = %q", lines[0])
	}
	if f := strings.Fields(lines[1]); f[0] != "off" || f[1] != "disabled" {
		t.Errorf("off line = %q", lines[1])
	}

	out, err = runCapture(t, "-config", cfgPath, "-o", "json", "status")
	if err != nil {
		t.Fatalf("status json: %v", err)
	}
	var statuses []mcp.ServerStatus
	if err := json.Unmarshal([]byte(out), &statuses); err != nil {
		t.Fatalf("status json: %v\n%s", err, out)
	}
	if len(statuses) != 2 || !statuses[0].Connected || statuses[0].SessionID == "" || statuses[1].Connected {
		t.Errorf("statuses = %+v", statuses)
	}
}

func TestRun_Tools(t *testing.T) {
	cfgPath := writeTestConfig(t, 0)

	out, err := runCapture(t, "-config", cfgPath, "-o", "json", "tools")
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	var descs []mcp.ToolDescriptor
	if err := json.Unmarshal([]byte(out), &descs); err != nil {
		t.Fatalf("tools json: %v\n%s", err, out)
	}

	var names []string
	for _, d := range descs {
		names = append(names, d.Name)
	}
	want := []string{"list_mcp_servers", "echo", "reverse"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("tools = %v, want %v", names, want)
	}
	if descs[1].ServerName != "echo" || !strings.HasPrefix(descs[1].Description, "[MCP:echo]") {
		t.Errorf("echo descriptor = %+v", descs[1])
	}
}

func TestRun_Call(t *testing.T) {
	cfgPath := writeTestConfig(t, 0)

	out, err := runCapture(t, "-config", cfgPath, "call", "reverse", `{"text":"abc"}`)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out != "cba\n" {
		t.Errorf("call output = %q, want %q", out, "cba\n")
	}

	out, err = runCapture(t, "-config", cfgPath, "-o", "json", "call", "echo", `{"text":"hi"}`)
	if err != nil {
		t.Fatalf("call json: %v", err)
	}
	var resp struct {
		Tool   string `json:"tool"`
		Result struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("call json: %v\n%s", err, out)
	}
	if resp.Tool != "echo" || resp.Result.Type != "text" || resp.Result.Text != "hi" {
		t.Errorf("call json = %+v", resp)
	}
}

func TestRun_CallUnknownTool(t *testing.T) {
	cfgPath := writeTestConfig(t, 0)

	_, err := runCapture(t, "-config", cfgPath, "call", "nope")
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Errorf("error = %v, want unknown tool error", err)
	}
}

func TestRun_Serve(t *testing.T) {
	port := freePort(t)
	cfgPath := writeTestConfig(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- run(ctx, io.Discard, io.Discard, []string{"-config", cfgPath, "serve"})
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitForHealthy(t, base+"/health", done)

	var body struct {
		Tools []mcp.ToolDescriptor `json:"tools"`
		Count int                  `json:"count"`
	}
	getJSON(t, base+"/v1/mcp/tools", &body)
	if body.Count != 2 {
		t.Errorf("tools = %+v", body)
	}

	resp, err := http.Post(base+"/v1/mcp/tools/echo/call", "application/json", strings.NewReader(`{"text":"served"}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var call api.CallResponse
	if err := json.NewDecoder(resp.Body).Decode(&call); err != nil {
		t.Fatalf("decode call: %v", err)
	}
	resp.Body.Close()
	if call.Result == nil || call.Result.Text != "served" {
		t.Errorf("call = %+v", call)
	}

	var events struct {
		Events []mcp.StatusEvent `json:"events"`
	}
	getJSON(t, base+"/v1/mcp/servers/echo/events", &events)
	if len(events.Events) == 0 || events.Events[0].Kind != mcp.EventConnect || !events.Events[0].Connected {
		t.Errorf("events = %+v", events.Events)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func waitForHealthy(t *testing.T, url string, done <-chan error) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-done:
			t.Fatalf("serve exited early: %v", err)
		default:
		}
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("server did not become healthy")
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}
