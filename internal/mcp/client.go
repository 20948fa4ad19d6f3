package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nugget/toolhost/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// maxListPages bounds tools/list pagination against a server that
// keeps returning cursors.
const maxListPages = 100

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	Data     string            `json:"data,omitempty"`
	MIMEType string            `json:"mimeType,omitempty"`
	URI      string            `json:"uri,omitempty"`
	Resource *EmbeddedResource `json:"resource,omitempty"`
}

// EmbeddedResource is the payload of a "resource" content block.
type EmbeddedResource struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// CallResult is the result payload of a tools/call response.
type CallResult struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ServerInfo      serverInfo      `json:"serverInfo"`
	Capabilities    json.RawMessage `json:"capabilities"`
}

// State is the lifecycle state of a session.
type State int32

// Session states.
const (
	StateConnecting State = iota
	StateReady
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Client is one session with one MCP server. It provides typed access
// to the protocol operations and serializes requests: at most one is
// in flight at a time, because most tool servers handle requests one
// by one.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64
	state     atomic.Int32
	sem       chan struct{}

	mu          sync.RWMutex
	initialized bool
	serverName  string
	serverVer   string
	tools       []ToolDefinition
	lastErr     error
}

// NewClient creates a session for the given server over an unstarted
// transport. The session starts in StateConnecting.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
		sem:       make(chan struct{}, 1),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// Connect builds the transport for desc and starts it. Any failure is a
// *ConnectError. The returned session still needs a handshake; see
// [Discover].
func Connect(ctx context.Context, desc ServerDescriptor, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tr, err := NewTransport(desc, logger.With("mcp_server", desc.Name))
	if err != nil {
		return nil, err
	}
	c := NewClient(desc.Name, tr, logger)
	if err := tr.Start(ctx); err != nil {
		c.state.Store(int32(StateFailed))
		_ = tr.Close()
		return nil, &ConnectError{Server: desc.Name, Err: err}
	}
	return c, nil
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// State returns the current session state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Err returns the error that moved the session to StateFailed, if any.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// ServerInfo returns the name and version the server reported during
// the handshake.
func (c *Client) ServerInfo() (name, version string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName, c.serverVer
}

func (c *Client) markFailed(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	if c.state.CompareAndSwap(int32(StateReady), int32(StateFailed)) ||
		c.state.CompareAndSwap(int32(StateConnecting), int32(StateFailed)) {
		c.logger.Warn("MCP session failed", "error", err)
	}
}

// Initialize performs the MCP handshake: sends an initialize request
// and then the notifications/initialized notification. On success the
// session becomes Ready.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "toolhost",
			"version": buildinfo.Version,
		},
	}

	resp, err := c.send(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("initialize: %w: %v", ErrMalformedResponse, err)
	}
	if result.ProtocolVersion == "" {
		return fmt.Errorf("initialize: %w: missing protocolVersion", ErrMalformedResponse)
	}

	c.mu.Lock()
	c.initialized = true
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	// Send the initialized notification to complete the handshake.
	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		c.fail(err)
		return fmt.Errorf("send initialized notification: %w", err)
	}

	c.state.CompareAndSwap(int32(StateConnecting), int32(StateReady))
	return nil
}

// Initialized reports whether the handshake has completed.
func (c *Client) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// ListTools calls tools/list, following nextCursor pagination, and
// returns the available tool definitions. Results are cached for the
// life of the session.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.RLock()
	if c.tools != nil {
		defer c.mu.RUnlock()
		return c.tools, nil
	}
	c.mu.RUnlock()

	all := []ToolDefinition{}
	cursor := ""
	for page := 0; ; page++ {
		if page == maxListPages {
			return nil, fmt.Errorf("tools/list: %w: more than %d pages", ErrMalformedResponse, maxListPages)
		}

		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		resp, err := c.send(ctx, "tools/list", params)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}

		var result toolsListResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("tools/list: %w: %v", ErrMalformedResponse, err)
		}
		all = append(all, result.Tools...)

		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}

	c.mu.Lock()
	c.tools = all
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(all))
	return all, nil
}

// CallTool invokes a tool by name with the given arguments. A result
// with IsError set is returned as-is: it is the server reporting a
// tool failure, not a protocol failure.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	resp, err := c.send(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result CallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("tools/call %s: %w: %v", name, ErrMalformedResponse, err)
	}
	return &result, nil
}

// Ping checks whether the MCP server is responsive. Used by connwatch
// for health monitoring.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.send(ctx, "ping", nil)
	return err
}

// Close shuts down the session and its transport. It is safe to call
// more than once and from any state.
func (c *Client) Close() error {
	if State(c.state.Swap(int32(StateClosed))) == StateClosed {
		return nil
	}
	c.logger.Info("closing MCP client")
	return c.transport.Close()
}

// acquire takes the session's single request slot.
func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() {
	<-c.sem
}

// fail marks the session Failed when err means the transport is gone.
func (c *Client) fail(err error) {
	if errors.Is(err, ErrConnectionLost) {
		c.markFailed(err)
	}
}

// send issues a JSON-RPC request and checks for protocol-level errors.
// Requests queue behind any in-flight request on the same session.
func (c *Client) send(ctx context.Context, method string, params any) (*Response, error) {
	switch c.State() {
	case StateClosed:
		return nil, ErrSessionClosed
	case StateFailed:
		if err := c.Err(); err != nil {
			return nil, err
		}
		return nil, ErrConnectionLost
	}

	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	id := c.nextID.Add(1)
	resp, err := c.transport.Send(ctx, NewRequest(id, method, params))
	if err != nil {
		c.fail(err)
		return nil, err
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	return resp, nil
}
