package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// DefaultTimeout bounds a single request when a server configures none.
const DefaultTimeout = 30 * time.Second

// ServerConfig describes one external tool server. The Manager keeps
// its own deep copy of every config it is given.
type ServerConfig struct {
	// Name is the unique key of the server within a Manager.
	Name string

	// Command is the argv prefix: the executable followed by any fixed
	// arguments.
	Command []string

	// Args are appended to Command.
	Args []string

	// Env is overlaid on the host process environment.
	Env map[string]string

	// Timeout bounds each request. Zero means DefaultTimeout.
	Timeout time.Duration

	// AutoRestart lets the health check reconnect the server after a
	// failed ping.
	AutoRestart bool

	Description string
	Enabled     bool
}

// Validate reports the first problem with the descriptor as a
// *ConfigurationError.
func (c ServerConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.Name) == "":
		return &ConfigurationError{Reason: "server name is required"}
	case len(c.Command) == 0 || strings.TrimSpace(c.Command[0]) == "":
		return &ConfigurationError{Server: c.Name, Reason: "command is required"}
	case c.Timeout < 0:
		return &ConfigurationError{Server: c.Name, Reason: fmt.Sprintf("timeout must not be negative (got %s)", c.Timeout)}
	}
	for k := range c.Env {
		if k == "" || strings.Contains(k, "=") {
			return &ConfigurationError{Server: c.Name, Reason: fmt.Sprintf("invalid environment variable name %q", k)}
		}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate the original
// through shared slices or maps.
func (c ServerConfig) Clone() ServerConfig {
	c.Command = slices.Clone(c.Command)
	c.Args = slices.Clone(c.Args)
	c.Env = maps.Clone(c.Env)
	return c
}

// RequestTimeout returns the effective per-request timeout.
func (c ServerConfig) RequestTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// argv returns the full command line: Command followed by Args.
func (c ServerConfig) argv() []string {
	return append(slices.Clone(c.Command), c.Args...)
}

// envList renders Env as KEY=VALUE pairs in a stable order.
func (c ServerConfig) envList() []string {
	keys := slices.Sorted(maps.Keys(c.Env))
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}

// Parameter is one flattened input-schema property.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// Tool is a tool advertised by a server's tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []Parameter     `json:"parameters"`
	ServerName  string          `json:"server_name"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolDescriptor is the shape in which aggregated tools are handed to
// the task executor.
type ToolDescriptor struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	ServerName  string      `json:"server_name"`
	IsMCPTool   bool        `json:"is_mcp_tool"`
}

// toolDefinition is a tools/list entry as it appears on the wire.
type toolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// toTool converts a wire definition, flattening its schema.
func (d toolDefinition) toTool(server string) (Tool, error) {
	params, err := flattenSchema(d.InputSchema)
	if err != nil {
		return Tool{}, fmt.Errorf("tool %q input schema: %w", d.Name, err)
	}
	return Tool{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  params,
		ServerName:  server,
		InputSchema: d.InputSchema,
	}, nil
}

// flattenSchema turns an object schema's properties and required list
// into parameters, in the order the properties are declared.
func flattenSchema(schema json.RawMessage) ([]Parameter, error) {
	if len(bytes.TrimSpace(schema)) == 0 || string(schema) == "null" {
		return nil, nil
	}

	var s struct {
		Properties json.RawMessage `json:"properties"`
		Required   []string        `json:"required"`
	}
	if err := json.Unmarshal(schema, &s); err != nil {
		return nil, err
	}
	if len(s.Properties) == 0 || string(s.Properties) == "null" {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(s.Properties))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("properties is not an object")
	}

	var params []Parameter
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, _ := tok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}

		// Boolean schemas (true/false) carry no type information.
		var prop struct {
			Type        json.RawMessage `json:"type"`
			Description string          `json:"description"`
		}
		_ = json.Unmarshal(raw, &prop)

		params = append(params, Parameter{
			Name:        name,
			Type:        schemaType(prop.Type),
			Required:    slices.Contains(s.Required, name),
			Description: prop.Description,
		})
	}
	return params, nil
}

// schemaType reads a JSON-schema type keyword, which may be a string
// or a list of strings. The first non-null entry wins; absent types
// default to "string".
func schemaType(raw json.RawMessage) string {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return single
	}
	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		for _, t := range multi {
			if t != "null" && t != "" {
				return t
			}
		}
	}
	return "string"
}
