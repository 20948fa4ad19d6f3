package mcp

import (
	"context"
	"fmt"
	"log/slog"
)

// Transport is the interface for MCP server communication.
// Implementations handle framing, encoding and correlation of JSON-RPC
// messages over one specific carrier: subprocess pipes, HTTP with
// server-sent events, streamable HTTP, or WebSocket. Nothing above this
// interface branches on the transport kind.
type Transport interface {
	// Start establishes the connection: spawns the subprocess, opens
	// the event stream or dials the socket. ctx bounds only the
	// establishment; the connection itself outlives it.
	Start(ctx context.Context) error

	// Send sends a JSON-RPC request and waits for the response with
	// the same id. A response arriving after ctx is done is discarded.
	// Errors wrapping ErrConnectionLost mean the transport is dead.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases resources.
	// For stdio transports this terminates the subprocess.
	Close() error
}

// NewTransport builds the transport for a normalized descriptor.
func NewTransport(desc ServerDescriptor, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch desc.Transport {
	case TransportStdio:
		return NewStdioTransport(StdioConfig{
			Command: desc.Command,
			Args:    desc.Args,
			Env:     envList(desc.Env),
			Logger:  logger,
		}), nil
	case TransportSSE:
		return NewSSETransport(SSEConfig{
			URL:     desc.URL,
			Headers: desc.Headers,
			Logger:  logger,
		}), nil
	case TransportStreamableHTTP:
		return NewHTTPTransport(HTTPConfig{
			URL:     desc.URL,
			Headers: desc.Headers,
			Logger:  logger,
		}), nil
	case TransportWebSocket:
		return NewWebSocketTransport(WebSocketConfig{
			URL:     desc.URL,
			Headers: desc.Headers,
			Logger:  logger,
		}), nil
	default:
		return nil, &ConfigError{Server: desc.Name, Field: "transport", Reason: fmt.Sprintf("unknown transport %q", desc.Transport)}
	}
}
