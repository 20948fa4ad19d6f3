package mcp

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/nugget/toolhost/internal/config"
)

// TransportKind selects how a session reaches its server.
type TransportKind string

// Supported transport kinds.
const (
	TransportStdio          TransportKind = "stdio"
	TransportSSE            TransportKind = "sse"
	TransportStreamableHTTP TransportKind = "streamable_http"
	TransportWebSocket      TransportKind = "websocket"
)

// Mode selects how a server's tools are exposed as capabilities.
type Mode string

// Integration modes.
const (
	ModeDirect  Mode = "direct"
	ModeWrapper Mode = "wrapper"
)

// Descriptor defaults.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultRetryDelay = time.Second
	MaxRetryDelay     = 30 * time.Second
)

// ServerDescriptor is the normalized description of one tool server.
// Exactly one of Command (stdio) or URL (network transports) is set.
type ServerDescriptor struct {
	Name      string
	Transport TransportKind

	Command string
	Args    []string
	Env     map[string]string

	URL     string
	Headers map[string]string

	Timeout    time.Duration
	Mode       Mode
	PluginName string

	// MaxRetries is the number of extra connect attempts after the
	// first one fails. RetryDelay doubles after each attempt, capped at
	// MaxRetryDelay.
	MaxRetries int
	RetryDelay time.Duration

	// RateLimit caps tool calls per second to this server; 0 disables.
	RateLimit float64

	// FailFast makes a startup failure of this server fatal to the
	// whole agent build. It is set by graceful_degradation: false.
	FailFast bool
}

// Descriptors converts configuration entries into raw descriptors.
// No validation happens here; see [ServerDescriptor.Normalize].
func Descriptors(cfgs []config.MCPServerConfig) []ServerDescriptor {
	out := make([]ServerDescriptor, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, ServerDescriptor{
			Name:       c.Name,
			Transport:  TransportKind(c.Transport),
			Command:    c.Command,
			Args:       c.Args,
			Env:        c.Env,
			URL:        c.URL,
			Headers:    c.Headers,
			Timeout:    time.Duration(c.TimeoutSec) * time.Second,
			Mode:       Mode(c.IntegrationMode),
			PluginName: c.PluginName,
			MaxRetries: c.MaxRetries,
			RetryDelay: time.Duration(c.RetryDelaySec * float64(time.Second)),
			RateLimit:  c.RateLimit,
			FailFast:   c.GracefulDegradation != nil && !*c.GracefulDegradation,
		})
	}
	return out
}

// Normalize applies defaults and validates d, returning an independent
// copy. Any problem is reported as a *ConfigError.
func (d ServerDescriptor) Normalize() (ServerDescriptor, error) {
	n := d.clone()
	n.Name = strings.TrimSpace(n.Name)
	if n.Name == "" {
		return ServerDescriptor{}, &ConfigError{Reason: "server name is required"}
	}
	bad := func(field, format string, args ...any) (ServerDescriptor, error) {
		return ServerDescriptor{}, &ConfigError{Server: n.Name, Field: field, Reason: fmt.Sprintf(format, args...)}
	}

	if n.Transport == "" {
		n.Transport = TransportStdio
	}
	switch n.Transport {
	case TransportStdio:
		if n.Command == "" {
			return bad("command", "required for stdio transport")
		}
		if n.URL != "" {
			return bad("url", "not allowed for stdio transport")
		}
		if len(n.Headers) > 0 {
			return bad("headers", "not allowed for stdio transport")
		}
	case TransportSSE, TransportStreamableHTTP, TransportWebSocket:
		if n.URL == "" {
			return bad("url", "required for %s transport", n.Transport)
		}
		if n.Command != "" || len(n.Args) > 0 {
			return bad("command", "not allowed for %s transport", n.Transport)
		}
		if len(n.Env) > 0 {
			return bad("env", "not allowed for %s transport", n.Transport)
		}
		if err := checkURL(n.Transport, n.URL); err != nil {
			return bad("url", "%v", err)
		}
	default:
		return bad("transport", "unknown transport %q (valid: stdio, sse, streamable_http, websocket)", n.Transport)
	}

	switch {
	case n.Timeout < 0:
		return bad("timeout", "must be positive")
	case n.Timeout == 0:
		n.Timeout = DefaultTimeout
	}

	if n.Mode == "" {
		n.Mode = ModeDirect
	}
	if n.Mode != ModeDirect && n.Mode != ModeWrapper {
		return bad("integration_mode", "unknown mode %q (valid: direct, wrapper)", n.Mode)
	}

	if n.PluginName == "" {
		n.PluginName = n.Name
	}
	if strings.ContainsAny(n.PluginName, ". \t\n") {
		return bad("plugin_name", "%q must not contain dots or whitespace", n.PluginName)
	}

	if n.MaxRetries < 0 {
		return bad("max_retries", "must not be negative")
	}
	switch {
	case n.RetryDelay < 0:
		return bad("retry_delay", "must not be negative")
	case n.RetryDelay == 0:
		n.RetryDelay = DefaultRetryDelay
	}
	if n.RateLimit < 0 {
		return bad("rate_limit", "must not be negative")
	}

	return n, nil
}

func checkURL(kind TransportKind, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q is not an absolute URL", raw)
	}
	switch u.Scheme {
	case "http", "https":
		return nil
	case "ws", "wss":
		if kind == TransportWebSocket {
			return nil
		}
	}
	return fmt.Errorf("scheme %q not valid for %s transport", u.Scheme, kind)
}

// clone returns a deep copy so normalized descriptors never share maps
// or slices with their input.
func (d ServerDescriptor) clone() ServerDescriptor {
	c := d
	if d.Args != nil {
		c.Args = append([]string(nil), d.Args...)
	}
	c.Env = cloneMap(d.Env)
	c.Headers = cloneMap(d.Headers)
	return c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
