package mcp

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by sessions and the invocation path.
var (
	// ErrNotConnected is returned when a transport is used before Start.
	ErrNotConnected = errors.New("mcp: transport not started")

	// ErrConnectionLost is returned when the underlying process or
	// socket goes away. The owning session is marked Failed.
	ErrConnectionLost = errors.New("mcp: connection lost")

	// ErrSessionClosed is returned for calls on a session that was
	// closed deliberately.
	ErrSessionClosed = errors.New("mcp: session closed")

	// ErrMalformedResponse is returned when a server answers with a
	// payload that does not match the protocol shape.
	ErrMalformedResponse = errors.New("mcp: malformed response")

	// ErrUnsupportedSchema is returned when a tool's input schema uses a
	// construct that cannot be expressed as typed parameters.
	ErrUnsupportedSchema = errors.New("mcp: unsupported input schema")

	// ErrServerNotFound is returned when no session exists under a name.
	ErrServerNotFound = errors.New("mcp: server not found")

	// ErrToolNotFound is returned when a server does not advertise a tool.
	ErrToolNotFound = errors.New("mcp: tool not found")
)

// ConfigError reports a malformed server descriptor. It is the only
// error that is fatal when building an agent's effective server set.
type ConfigError struct {
	Server string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	switch {
	case e.Server == "":
		return fmt.Sprintf("mcp config: %s", e.Reason)
	case e.Field == "":
		return fmt.Sprintf("mcp config: server %q: %s", e.Server, e.Reason)
	default:
		return fmt.Sprintf("mcp config: server %q: %s: %s", e.Server, e.Field, e.Reason)
	}
}

// ConnectError reports a server that could not be reached: spawn
// failure, DNS/TCP failure, or a rejected handshake. The server is
// excluded from the agent's capability set.
type ConnectError struct {
	Server string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mcp connect %q: %v", e.Server, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// DiscoveryError reports a server that connected but returned a
// malformed handshake or tool list.
type DiscoveryError struct {
	Server string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("mcp discovery %q: %v", e.Server, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// RegistrationError reports a tool that could not be turned into a
// direct capability. In direct mode it triggers the wrapper fallback
// for the whole server.
type RegistrationError struct {
	Server string
	Tool   string
	Err    error
}

func (e *RegistrationError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("mcp register %q: %v", e.Server, e.Err)
	}
	return fmt.Sprintf("mcp register %q tool %q: %v", e.Server, e.Tool, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// lostf wraps ErrConnectionLost with detail.
func lostf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConnectionLost, fmt.Sprintf(format, args...))
}
