// Package config handles mcphub configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/mcphub/internal/mcp"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mcphub/config.yaml, /etc/mcphub/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcphub", "config.yaml"))
	}

	paths = append(paths, "/etc/mcphub/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcphub configuration.
type Config struct {
	Listen    ListenConfig `yaml:"listen"`
	MCP       MCPConfig    `yaml:"mcp"`
	MQTT      MQTTConfig   `yaml:"mqtt"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// MCPConfig configures the MCP server fleet.
type MCPConfig struct {
	// MaxConcurrentConnects caps parallel connection attempts at startup.
	MaxConcurrentConnects int `yaml:"max_concurrent_connects"`

	// HealthCheckIntervalSec is the ping interval in seconds.
	HealthCheckIntervalSec int `yaml:"health_check_interval_sec"`

	// StartupGraceMS is how long a freshly launched server must stay
	// alive before it is considered started.
	StartupGraceMS int `yaml:"startup_grace_ms"`

	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one MCP server subprocess. Enabled and
// AutoRestart are pointers so an omitted key can default to true.
type MCPServerConfig struct {
	Name        string            `yaml:"name"`
	Command     Command           `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	TimeoutSec  int               `yaml:"timeout_sec"`
	AutoRestart *bool             `yaml:"auto_restart"`
	Description string            `yaml:"description"`
	Enabled     *bool             `yaml:"enabled"`
}

// Command is a server command line. In YAML it may be a single string
// ("npx") or a list (["uvx", "mcp-server-time"]).
type Command []string

// UnmarshalYAML accepts a scalar or a sequence.
func (c *Command) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		if s == "" {
			*c = nil
			return nil
		}
		*c = Command{s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*c = list
		return nil
	default:
		return fmt.Errorf("line %d: command must be a string or a list of strings", node.Line)
	}
}

// MQTTConfig configures the optional MQTT status publisher.
type MQTTConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Broker             string `yaml:"broker"` // e.g. mqtt://homeassistant.local:1883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Defaults.
const (
	DefaultPort               = 8090
	DefaultDataDir            = "./data"
	DefaultDiscoveryPrefix    = "homeassistant"
	DefaultPublishIntervalSec = 60
	DefaultDeviceName         = "mcphub"
)

// Load reads configuration from a YAML file, expands ${VAR} references
// from the environment, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with no MCP servers.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	c.DataDir = expandHome(c.DataDir)
	for i := range c.MCP.Servers {
		if cmd := c.MCP.Servers[i].Command; len(cmd) > 0 {
			cmd[0] = expandHome(cmd[0])
		}
	}
	if c.MCP.MaxConcurrentConnects <= 0 {
		c.MCP.MaxConcurrentConnects = mcp.DefaultMaxConcurrentConnects
	}
	if c.MCP.HealthCheckIntervalSec <= 0 {
		c.MCP.HealthCheckIntervalSec = int(mcp.DefaultHealthCheckInterval / time.Second)
	}
	if c.MCP.StartupGraceMS <= 0 {
		c.MCP.StartupGraceMS = int(mcp.DefaultStartupGrace / time.Millisecond)
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = DefaultDeviceName
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = DefaultPublishIntervalSec
	}
}

// Validate checks the configuration for errors. Problems with
// individual MCP servers are reported as *mcp.ConfigurationError.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}

	seen := make(map[string]bool)
	for _, sc := range c.MCP.Servers {
		if sc.Name != "" && seen[sc.Name] {
			errs = append(errs, &mcp.ConfigurationError{Server: sc.Name, Reason: "duplicate server name"})
			continue
		}
		seen[sc.Name] = true
		if err := sc.ServerConfig().Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}

	return errors.Join(errs...)
}

// ServerConfig converts the YAML form into an mcp.ServerConfig.
func (sc MCPServerConfig) ServerConfig() mcp.ServerConfig {
	return mcp.ServerConfig{
		Name:        sc.Name,
		Command:     append([]string(nil), sc.Command...),
		Args:        append([]string(nil), sc.Args...),
		Env:         sc.Env,
		Timeout:     time.Duration(sc.TimeoutSec) * time.Second,
		AutoRestart: boolOr(sc.AutoRestart, true),
		Description: sc.Description,
		Enabled:     boolOr(sc.Enabled, true),
	}
}

// ServerConfigs returns every configured server in file order.
func (c *Config) ServerConfigs() []mcp.ServerConfig {
	out := make([]mcp.ServerConfig, 0, len(c.MCP.Servers))
	for _, sc := range c.MCP.Servers {
		out = append(out, sc.ServerConfig())
	}
	return out
}

// ManagerConfig builds the mcp.ManagerConfig for this configuration.
// Callers fill in the logger and recorder.
func (c *Config) ManagerConfig() mcp.ManagerConfig {
	return mcp.ManagerConfig{
		Servers:               c.ServerConfigs(),
		MaxConcurrentConnects: c.MCP.MaxConcurrentConnects,
		HealthCheckInterval:   time.Duration(c.MCP.HealthCheckIntervalSec) * time.Second,
		Startup: mcp.StartupConfig{
			Grace: time.Duration(c.MCP.StartupGraceMS) * time.Millisecond,
		},
	}
}

// ListenAddr returns the host:port the API server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Address, c.Listen.Port)
}

// StatusDBPath returns the path of the status journal database.
func (c *Config) StatusDBPath() string {
	return filepath.Join(c.DataDir, "mcp_status.db")
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
