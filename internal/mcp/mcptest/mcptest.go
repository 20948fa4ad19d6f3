// Package mcptest provides a small in-process MCP tool server for
// tests. One [Server] can be served over stdio, HTTP with server-sent
// events, streamable HTTP and WebSocket.
//
// The default tool set mimics a filesystem server (list_directory,
// read_file) plus echo, add and slow. It deliberately does not import
// package mcp, so the wire format is checked independently of the
// client's own types.
package mcptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ProtocolVersion is the version the server answers initialize with.
const ProtocolVersion = "2024-11-05"

// Content is one block of a tool result.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
}

// CallResult is what a tool handler returns.
type CallResult struct {
	Content           []Content `json:"content"`
	StructuredContent any       `json:"structuredContent,omitempty"`
	IsError           bool      `json:"isError,omitempty"`
}

// Text is a single-block text result.
func Text(format string, args ...any) CallResult {
	return CallResult{Content: []Content{{Type: "text", Text: fmt.Sprintf(format, args...)}}}
}

// Error is a tool-level failure result.
func Error(format string, args ...any) CallResult {
	r := Text(format, args...)
	r.IsError = true
	return r
}

// Handler executes one tool call.
type Handler func(ctx context.Context, args map[string]any) CallResult

// Tool is a tool the server advertises.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     Handler
}

// errCrash makes the serving loop drop the connection without
// answering.
var errCrash = errors.New("mcptest: crash requested")

// Server is a fake MCP server. It is safe for concurrent use.
type Server struct {
	name        string
	tools       []Tool
	pageSize    int
	serverPing  bool
	eventStream bool

	calls       sync.Map // tool name -> *atomic.Int64
	pings       atomic.Int64
	initialized atomic.Int64

	mu       sync.Mutex
	sessions map[string]bool
	nextSess int
}

// Option configures a Server.
type Option func(*Server)

// WithName sets the serverInfo name.
func WithName(name string) Option {
	return func(s *Server) { s.name = name }
}

// WithTools adds tools to the default set. A tool with the name of a
// default tool replaces it.
func WithTools(tools ...Tool) Option {
	return func(s *Server) {
		for _, t := range tools {
			replaced := false
			for i := range s.tools {
				if s.tools[i].Name == t.Name {
					s.tools[i] = t
					replaced = true
				}
			}
			if !replaced {
				s.tools = append(s.tools, t)
			}
		}
	}
}

// WithOnlyTools replaces the default set.
func WithOnlyTools(tools ...Tool) Option {
	return func(s *Server) { s.tools = append([]Tool(nil), tools...) }
}

// WithPageSize paginates tools/list with nextCursor.
func WithPageSize(n int) Option {
	return func(s *Server) { s.pageSize = n }
}

// WithServerPing makes the server send a ping request and a log
// notification ahead of every tools/call response.
func WithServerPing() Option {
	return func(s *Server) { s.serverPing = true }
}

// WithEventStream makes the streamable HTTP handler answer requests
// with a text/event-stream body instead of a JSON body.
func WithEventStream() Option {
	return func(s *Server) { s.eventStream = true }
}

// NewServer creates a server with the default tools.
func NewServer(opts ...Option) *Server {
	s := &Server{
		name:     "mcptest",
		tools:    DefaultTools(),
		sessions: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ToolNames returns the advertised tool names in order.
func (s *Server) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for _, t := range s.tools {
		names = append(names, t.Name)
	}
	return names
}

// Calls returns how many times the named tool was called.
func (s *Server) Calls(tool string) int64 {
	v, ok := s.calls.Load(tool)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// PingReplies returns how many answers to server pings were received.
func (s *Server) PingReplies() int64 { return s.pings.Load() }

// Initialized returns how many initialize requests were answered.
func (s *Server) Initialized() int64 { return s.initialized.Load() }

func (s *Server) countCall(tool string) {
	v, _ := s.calls.LoadOrStore(tool, &atomic.Int64{})
	v.(*atomic.Int64).Add(1)
}

// frame is any JSON-RPC message.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type toolEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Handle processes one inbound message and returns the frames to send
// back: any server-initiated messages first, then the response.
// Notifications and answers to server requests produce nothing.
func (s *Server) Handle(ctx context.Context, data []byte) ([][]byte, error) {
	var in frame
	if err := json.Unmarshal(data, &in); err != nil {
		return [][]byte{encode(frame{JSONRPC: "2.0", ID: json.RawMessage("null"),
			Error: &wireError{Code: -32700, Message: "parse error"}})}, nil
	}

	hasID := len(in.ID) > 0 && string(in.ID) != "null"
	if in.Method == "" {
		if hasID && strings.HasPrefix(string(in.ID), `"mcptest-ping`) {
			s.pings.Add(1)
		}
		return nil, nil
	}
	if !hasID {
		return nil, nil
	}

	var out [][]byte
	result, rpcErr, err := s.dispatch(ctx, in.Method, in.Params)
	if err != nil {
		return nil, err
	}
	if s.serverPing && in.Method == "tools/call" {
		out = append(out,
			encode(frame{JSONRPC: "2.0", Method: "notifications/message",
				Params: json.RawMessage(`{"level":"info","data":"calling tool"}`)}),
			encode(frame{JSONRPC: "2.0", ID: json.RawMessage(`"mcptest-ping-` + string(in.ID) + `"`), Method: "ping"}),
		)
	}

	resp := frame{JSONRPC: "2.0", ID: in.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	return append(out, encode(resp)), nil
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, *wireError, error) {
	switch method {
	case "initialize":
		s.initialized.Add(1)
		return map[string]any{
			"protocolVersion": ProtocolVersion,
			"serverInfo":      map[string]any{"name": s.name, "version": "0.0.1"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}, nil, nil

	case "ping":
		return struct{}{}, nil, nil

	case "tools/list":
		var p struct {
			Cursor string `json:"cursor"`
		}
		_ = json.Unmarshal(params, &p)
		return s.listTools(p.Cursor)

	case "tools/call":
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &wireError{Code: -32602, Message: "invalid params"}, nil
		}
		for _, t := range s.tools {
			if t.Name != p.Name {
				continue
			}
			s.countCall(t.Name)
			if t.Name == "crash" {
				return nil, nil, errCrash
			}
			if p.Arguments == nil {
				p.Arguments = map[string]any{}
			}
			return t.Handler(ctx, p.Arguments), nil, nil
		}
		return nil, &wireError{Code: -32602, Message: fmt.Sprintf("unknown tool: %s", p.Name)}, nil
	}
	return nil, &wireError{Code: -32601, Message: fmt.Sprintf("method not found: %s", method)}, nil
}

func (s *Server) listTools(cursor string) (any, *wireError, error) {
	entries := make([]toolEntry, 0, len(s.tools))
	for _, t := range s.tools {
		entries = append(entries, toolEntry{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	if s.pageSize <= 0 {
		return map[string]any{"tools": entries}, nil, nil
	}

	start := 0
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "page-%d", &start); err != nil || start > len(entries) {
			return nil, &wireError{Code: -32602, Message: "invalid cursor"}, nil
		}
	}
	end := min(start+s.pageSize, len(entries))
	res := map[string]any{"tools": entries[start:end]}
	if end < len(entries) {
		res["nextCursor"] = fmt.Sprintf("page-%d", end)
	}
	return res, nil, nil
}

func encode(f frame) []byte {
	data, err := json.Marshal(f)
	if err != nil {
		panic(fmt.Sprintf("mcptest: encode frame: %v", err))
	}
	return data
}

// DefaultTools returns the default tool set.
func DefaultTools() []Tool {
	return []Tool{
		{
			Name:        "echo",
			Description: "Echo the given text",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string","description":"Text to echo"}},"required":["text"]}`),
			Handler: func(_ context.Context, args map[string]any) CallResult {
				return Text("%v", args["text"])
			},
		},
		{
			Name:        "add",
			Description: "Add two integers",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"integer"},"b":{"type":"integer"}},"required":["a","b"]}`),
			Handler: func(_ context.Context, args map[string]any) CallResult {
				a, _ := args["a"].(float64)
				b, _ := args["b"].(float64)
				sum := int64(a) + int64(b)
				r := Text("%d", sum)
				r.StructuredContent = map[string]any{"sum": sum}
				return r
			},
		},
		{
			Name:        "list_directory",
			Description: "List the entries of a directory",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
			Handler: func(_ context.Context, args map[string]any) CallResult {
				path, _ := args["path"].(string)
				entries, err := os.ReadDir(path)
				if err != nil {
					return Error("cannot list %s: %v", path, err)
				}
				names := make([]string, 0, len(entries))
				for _, e := range entries {
					prefix := "[FILE] "
					if e.IsDir() {
						prefix = "[DIR] "
					}
					names = append(names, prefix+e.Name())
				}
				sort.Strings(names)
				return Text("%s", strings.Join(names, "\n"))
			},
		},
		{
			Name:        "read_file",
			Description: "Read a file",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
			Handler: func(_ context.Context, args map[string]any) CallResult {
				path, _ := args["path"].(string)
				data, err := os.ReadFile(path)
				if errors.Is(err, os.ErrNotExist) {
					return Error("file not found: %s", path)
				}
				if err != nil {
					return Error("cannot read %s: %v", path, err)
				}
				return Text("%s", data)
			},
		},
		{
			Name:        "slow",
			Description: "Sleep for ms milliseconds, then answer",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"ms":{"type":"integer"}}}`),
			Handler: func(ctx context.Context, args map[string]any) CallResult {
				ms, _ := args["ms"].(float64)
				select {
				case <-time.After(time.Duration(ms) * time.Millisecond):
					return Text("slept %dms", int(ms))
				case <-ctx.Done():
					return Error("interrupted")
				}
			},
		},
	}
}

// UnsupportedSchemaTool is a tool whose input schema uses oneOf, which
// cannot be expressed as typed parameters.
func UnsupportedSchemaTool() Tool {
	return Tool{
		Name:        "search",
		Description: "Search by id or by query",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"oneOf":[{"type":"string"},{"type":"integer"}]}}}`),
		Handler: func(_ context.Context, args map[string]any) CallResult {
			return Text("searched %v", args["q"])
		},
	}
}

// CrashTool is a tool that makes the server drop the connection
// without answering.
func CrashTool() Tool {
	return Tool{
		Name:        "crash",
		Description: "Drop the connection",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		Handler:     func(context.Context, map[string]any) CallResult { return CallResult{} },
	}
}
