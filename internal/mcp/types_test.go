package mcp

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"valid", ServerConfig{Name: "fs", Command: []string{"mcp-fs"}}, false},
		{"empty name", ServerConfig{Command: []string{"mcp-fs"}}, true},
		{"blank name", ServerConfig{Name: "  ", Command: []string{"mcp-fs"}}, true},
		{"no command", ServerConfig{Name: "fs"}, true},
		{"blank command", ServerConfig{Name: "fs", Command: []string{""}}, true},
		{"negative timeout", ServerConfig{Name: "fs", Command: []string{"x"}, Timeout: -time.Second}, true},
		{"bad env key", ServerConfig{Name: "fs", Command: []string{"x"}, Env: map[string]string{"A=B": "c"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var cfgErr *ConfigurationError
				if !errors.As(err, &cfgErr) {
					t.Errorf("error %T is not *ConfigurationError", err)
				}
			}
		})
	}
}

func TestServerConfigClone(t *testing.T) {
	orig := ServerConfig{
		Name:    "fs",
		Command: []string{"npx", "mcp-fs"},
		Args:    []string{"/tmp"},
		Env:     map[string]string{"TOKEN": "a"},
	}
	cp := orig.Clone()
	cp.Command[0] = "changed"
	cp.Args[0] = "changed"
	cp.Env["TOKEN"] = "changed"

	if orig.Command[0] != "npx" || orig.Args[0] != "/tmp" || orig.Env["TOKEN"] != "a" {
		t.Errorf("Clone shares state with the original: %+v", orig)
	}
}

func TestServerConfigArgvAndEnv(t *testing.T) {
	cfg := ServerConfig{
		Command: []string{"npx", "-y", "mcp-fs"},
		Args:    []string{"/srv"},
		Env:     map[string]string{"B": "2", "A": "1"},
	}
	argv := cfg.argv()
	want := []string{"npx", "-y", "mcp-fs", "/srv"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}

	env := cfg.envList()
	if len(env) != 2 || env[0] != "A=1" || env[1] != "B=2" {
		t.Errorf("envList = %v, want [A=1 B=2]", env)
	}
}

func TestRequestTimeoutDefault(t *testing.T) {
	if got := (ServerConfig{}).RequestTimeout(); got != 30*time.Second {
		t.Errorf("RequestTimeout() = %v, want 30s", got)
	}
	if got := (ServerConfig{Timeout: time.Second}).RequestTimeout(); got != time.Second {
		t.Errorf("RequestTimeout() = %v, want 1s", got)
	}
}

func TestFlattenSchema(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"zeta":  {"type": "integer", "description": "last letter"},
			"alpha": {"description": "no type"},
			"mid":   {"type": ["null", "boolean"]},
			"any":   true
		},
		"required": ["alpha"]
	}`)

	params, err := flattenSchema(schema)
	if err != nil {
		t.Fatalf("flattenSchema: %v", err)
	}

	want := []Parameter{
		{Name: "zeta", Type: "integer", Description: "last letter"},
		{Name: "alpha", Type: "string", Required: true, Description: "no type"},
		{Name: "mid", Type: "boolean"},
		{Name: "any", Type: "string"},
	}
	if len(params) != len(want) {
		t.Fatalf("params = %+v, want %+v", params, want)
	}
	for i := range want {
		if params[i] != want[i] {
			t.Errorf("params[%d] = %+v, want %+v", i, params[i], want[i])
		}
	}
}

func TestFlattenSchemaEmpty(t *testing.T) {
	for _, raw := range []string{``, `null`, `{}`, `{"type":"object"}`, `{"properties":null}`} {
		params, err := flattenSchema(json.RawMessage(raw))
		if err != nil {
			t.Errorf("flattenSchema(%q): %v", raw, err)
		}
		if len(params) != 0 {
			t.Errorf("flattenSchema(%q) = %+v, want none", raw, params)
		}
	}
}

func TestFlattenSchemaInvalid(t *testing.T) {
	for _, raw := range []string{`{"properties": [1,2]}`, `[]`} {
		if _, err := flattenSchema(json.RawMessage(raw)); err == nil {
			t.Errorf("flattenSchema(%q) should fail", raw)
		}
	}
}
