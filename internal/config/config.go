// Package config handles toolhost configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/toolhost/config.yaml, /etc/toolhost/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toolhost", "config.yaml"))
	}

	paths = append(paths, "/etc/toolhost/config.yaml")
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

// Config holds all toolhost configuration.
type Config struct {
	Listen     ListenConfig      `yaml:"listen"`
	Health     HealthConfig      `yaml:"health"`
	CallLog    CallLogConfig     `yaml:"call_log"`
	DataDir    string            `yaml:"data_dir"`
	LogLevel   string            `yaml:"log_level"`
	LogFormat  string            `yaml:"log_format"`
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
	Agents     []AgentConfig     `yaml:"agents"`
}

// ListenConfig defines the operator API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// HealthConfig controls background health probing of connected MCP
// servers. When enabled, a server whose session fails is reconnected
// and its tools re-registered automatically.
type HealthConfig struct {
	Enabled bool `yaml:"enabled"`
	// PollIntervalSec is the background ping interval (default 60).
	PollIntervalSec int `yaml:"poll_interval"`
	// InitialDelaySec is the first reconnect backoff delay (default 2).
	InitialDelaySec int `yaml:"initial_delay"`
	// MaxRetries bounds the startup backoff phase (default 10).
	MaxRetries int `yaml:"max_retries"`
}

// CallLogConfig controls the persistent tool invocation log.
type CallLogConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path is the SQLite database file. Defaults to <data_dir>/calls.db.
	Path string `yaml:"path"`
}

// AgentConfig is the slice of an agent definition this layer cares
// about: its name and its agent-specific MCP servers.
type AgentConfig struct {
	Name       string            `yaml:"name"`
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
}

// MCPServerConfig is one tool server entry as written in YAML. Values
// are carried verbatim; validation and defaulting happen when the entry
// is converted into an mcp.ServerDescriptor.
type MCPServerConfig struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"` // stdio, sse, streamable_http, websocket

	// stdio only
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`

	// network transports only
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	TimeoutSec      int     `yaml:"timeout"`
	IntegrationMode string  `yaml:"integration_mode"` // direct, wrapper
	PluginName      string  `yaml:"plugin_name"`
	MaxRetries      int     `yaml:"max_retries"`
	RetryDelaySec   float64 `yaml:"retry_delay"`
	RateLimit       float64 `yaml:"rate_limit"` // calls per second, 0 = unlimited

	// GracefulDegradation defaults to true when omitted.
	GracefulDegradation *bool `yaml:"graceful_degradation"`
}

// Agent returns the named agent's configuration, if present.
func (c *Config) Agent(name string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// AgentNames returns agent names in file order.
func (c *Config) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for _, a := range c.Agents {
		names = append(names, a.Name)
	}
	return names
}

// CallLogPath returns the effective call log database path.
func (c *Config) CallLogPath() string {
	if c.CallLog.Path != "" {
		return c.CallLog.Path
	}
	return filepath.Join(c.DataDir, "calls.db")
}

// Validate checks the parts of the configuration this package owns.
// Per-server validation is done by the mcp package when descriptors are
// built, so that malformed entries surface as configuration errors
// naming the offending server.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		return err
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents[%d]: name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("agents[%d]: duplicate agent name %q", i, a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// applyDefaults fills zero values that have a non-zero default.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8095
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Health.PollIntervalSec <= 0 {
		c.Health.PollIntervalSec = 60
	}
	if c.Health.InitialDelaySec <= 0 {
		c.Health.InitialDelaySec = 2
	}
	if c.Health.MaxRetries <= 0 {
		c.Health.MaxRetries = 10
	}
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

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
