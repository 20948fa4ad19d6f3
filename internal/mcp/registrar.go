package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/nugget/toolhost/internal/tools"
)

// Names of the shared wrapper-mode capabilities.
const (
	CallToolName  = "call_tool"
	ListToolsName = "list_tools"
)

// SessionLookup resolves a server name to its current session.
// Capabilities hold names, never sessions, so a recycled session is
// picked up without re-registering anything.
type SessionLookup interface {
	Session(name string) (*Client, bool)
}

// Registration summarizes how one server's tools were exposed.
type Registration struct {
	Server string
	// Mode is the effective mode, which differs from the configured
	// mode when FellBack is set.
	Mode     Mode
	FellBack bool
	// Cause is the translation failure that forced the fallback.
	Cause        error
	Tools        int
	Capabilities []string
}

// wrappedServer is a server reachable through call_tool.
type wrappedServer struct {
	desc   ServerDescriptor
	tools  []ToolDescriptor
	params map[string][]tools.Param // nil entry: schema not translatable
}

func (w *wrappedServer) tool(name string) (ToolDescriptor, bool) {
	for _, td := range w.tools {
		if td.Name == name {
			return td, true
		}
	}
	return ToolDescriptor{}, false
}

// Registrar turns discovered tools into capabilities on a registry.
type Registrar struct {
	registry *tools.Registry
	invoker  *Invoker
	sessions SessionLookup
	logger   *slog.Logger

	mu      sync.Mutex
	wrapped map[string]*wrappedServer
}

// NewRegistrar creates a registrar that publishes into registry and
// dispatches calls through invoker.
func NewRegistrar(registry *tools.Registry, invoker *Invoker, sessions SessionLookup, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{
		registry: registry,
		invoker:  invoker,
		sessions: sessions,
		logger:   logger,
		wrapped:  make(map[string]*wrappedServer),
	}
}

// Register exposes a server's tools. In direct mode every tool becomes
// a pluginName.toolName capability; if any single schema cannot be
// translated the whole server falls back to the wrapper pair instead.
// Only a schema translation failure triggers the fallback. Any other
// failure is returned as a *RegistrationError and nothing is left
// registered for the server.
func (r *Registrar) Register(desc ServerDescriptor, tds []ToolDescriptor) (Registration, error) {
	reg := Registration{Server: desc.Name, Mode: desc.Mode, Tools: len(tds)}
	r.invoker.Limit(desc.Name, desc.RateLimit)

	if desc.Mode == ModeDirect {
		caps, err := r.buildDirect(desc, tds)
		if err == nil {
			if err := r.publish(desc.Name, caps); err != nil {
				return Registration{}, err
			}
			for _, t := range caps {
				reg.Capabilities = append(reg.Capabilities, t.Name)
			}
			r.logger.Info("registered MCP tools",
				"mcp_server", desc.Name, "mode", ModeDirect, "count", len(caps))
			return reg, nil
		}

		r.logger.Warn("falling back to wrapper mode",
			"mcp_server", desc.Name, "error", err)
		reg.Mode = ModeWrapper
		reg.FellBack = true
		reg.Cause = err
	}

	if err := r.addWrapped(desc, tds); err != nil {
		return Registration{}, err
	}
	reg.Capabilities = []string{CallToolName, ListToolsName}
	r.logger.Info("registered MCP tools",
		"mcp_server", desc.Name, "mode", ModeWrapper, "count", len(tds))
	return reg, nil
}

// buildDirect translates every tool or none.
func (r *Registrar) buildDirect(desc ServerDescriptor, tds []ToolDescriptor) ([]*tools.Tool, error) {
	caps := make([]*tools.Tool, 0, len(tds))
	for _, td := range tds {
		params, err := ParamSpecs(td.InputSchema)
		if err != nil {
			return nil, &RegistrationError{Server: desc.Name, Tool: td.Name, Err: err}
		}
		caps = append(caps, r.directTool(desc, td, params))
	}
	return caps, nil
}

// publish registers caps atomically: on any failure the ones already
// added are removed again.
func (r *Registrar) publish(server string, caps []*tools.Tool) error {
	for i, t := range caps {
		if err := r.registry.Register(t); err != nil {
			for _, done := range caps[:i] {
				r.registry.Remove(done.Name)
			}
			return &RegistrationError{Server: server, Tool: t.Name, Err: err}
		}
	}
	return nil
}

func (r *Registrar) directTool(desc ServerDescriptor, td ToolDescriptor, params []tools.Param) *tools.Tool {
	server, toolName, timeout := desc.Name, td.Name, desc.Timeout

	return &tools.Tool{
		Name:        desc.PluginName + "." + td.Name,
		Description: td.Description,
		Kind:        tools.KindDirect,
		Server:      server,
		Params:      params,
		Parameters:  schemaMap(td.InputSchema),
		Handler: func(ctx context.Context, args map[string]any) *tools.Result {
			valid, err := tools.Validate(params, args)
			if err != nil {
				return tools.Failure(tools.ErrorCall, "%s.%s: %v", server, toolName, err)
			}
			c, _ := r.sessions.Session(server)
			return r.invoker.Invoke(ctx, c, toolName, valid, timeout)
		},
	}
}

// addWrapped makes desc reachable through the shared wrapper pair,
// registering the pair on first use.
func (r *Registrar) addWrapped(desc ServerDescriptor, tds []ToolDescriptor) error {
	w := &wrappedServer{
		desc:   desc,
		tools:  tds,
		params: make(map[string][]tools.Param, len(tds)),
	}
	for _, td := range tds {
		if p, err := ParamSpecs(td.InputSchema); err == nil {
			w.params[td.Name] = p
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.wrapped[desc.Name]; exists {
		return &RegistrationError{Server: desc.Name, Err: fmt.Errorf("server already registered")}
	}
	if len(r.wrapped) == 0 {
		if err := r.registerWrapperPair(); err != nil {
			return &RegistrationError{Server: desc.Name, Err: err}
		}
	}
	r.wrapped[desc.Name] = w
	return nil
}

func (r *Registrar) registerWrapperPair() error {
	callTool := &tools.Tool{
		Name:        CallToolName,
		Description: "Call a tool on a connected tool server. Use list_tools to see what is available.",
		Kind:        tools.KindWrapper,
		Params: []tools.Param{
			{Name: "server_name", Type: tools.TypeString, Required: true, Description: "Name of the tool server"},
			{Name: "tool_name", Type: tools.TypeString, Required: true, Description: "Name of the tool on that server"},
			{Name: "arguments_json", Type: tools.TypeString, Description: "Tool arguments as a JSON object"},
		},
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"server_name":    map[string]any{"type": "string", "description": "Name of the tool server"},
				"tool_name":      map[string]any{"type": "string", "description": "Name of the tool on that server"},
				"arguments_json": map[string]any{"type": "string", "description": "Tool arguments as a JSON object"},
			},
			"required": []string{"server_name", "tool_name"},
		},
		Handler: r.handleCallTool,
	}
	listTools := &tools.Tool{
		Name:        ListToolsName,
		Description: "List the tools available through call_tool, with their input schemas.",
		Kind:        tools.KindWrapper,
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Handler:     r.handleListTools,
	}

	if err := r.registry.Register(callTool); err != nil {
		return err
	}
	if err := r.registry.Register(listTools); err != nil {
		r.registry.Remove(CallToolName)
		return err
	}
	return nil
}

// lookupWrapped finds a wrapped server by name or plugin name, falling
// back to a unique case-insensitive match.
func (r *Registrar) lookupWrapped(name string) (*wrappedServer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.wrapped[name]; ok {
		return w, true
	}
	var match *wrappedServer
	for _, w := range r.wrapped {
		if w.desc.PluginName == name {
			return w, true
		}
		if strings.EqualFold(w.desc.Name, name) || strings.EqualFold(w.desc.PluginName, name) {
			if match != nil {
				return nil, false
			}
			match = w
		}
	}
	return match, match != nil
}

func (r *Registrar) handleCallTool(ctx context.Context, args map[string]any) *tools.Result {
	serverName, _ := args["server_name"].(string)
	toolName, _ := args["tool_name"].(string)
	if serverName == "" || toolName == "" {
		return tools.Failure(tools.ErrorCall, "server_name and tool_name are required")
	}

	w, ok := r.lookupWrapped(serverName)
	if !ok {
		return tools.Failure(tools.ErrorCall, "%v: %q", ErrServerNotFound, serverName)
	}
	if _, ok := w.tool(toolName); !ok {
		return tools.Failure(tools.ErrorCall, "%v: %q on server %q", ErrToolNotFound, toolName, w.desc.Name)
	}

	callArgs, err := decodeArguments(args["arguments_json"])
	if err != nil {
		return tools.Failure(tools.ErrorCall, "arguments_json: %v", err)
	}
	if params, ok := w.params[toolName]; ok {
		if callArgs, err = tools.Validate(params, callArgs); err != nil {
			return tools.Failure(tools.ErrorCall, "%s.%s: %v", w.desc.Name, toolName, err)
		}
	}

	c, _ := r.sessions.Session(w.desc.Name)
	return r.invoker.Invoke(ctx, c, toolName, callArgs, w.desc.Timeout)
}

// decodeArguments accepts a JSON object string, an already-decoded
// object, or nothing.
func decodeArguments(v any) (map[string]any, error) {
	switch x := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return x, nil
	case string:
		if strings.TrimSpace(x) == "" {
			return map[string]any{}, nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(x), &m); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		if m == nil {
			return nil, errors.New("must be a JSON object")
		}
		return m, nil
	default:
		return nil, fmt.Errorf("must be a JSON object string, got %T", v)
	}
}

func (r *Registrar) handleListTools(_ context.Context, _ map[string]any) *tools.Result {
	entries := r.WrappedTools()
	data, err := json.Marshal(entries)
	if err != nil {
		return tools.Failure(tools.ErrorCall, "encode tool list: %v", err)
	}
	return &tools.Result{
		Succeeded:  true,
		Content:    []tools.Block{{Type: "text", Text: string(data)}},
		Structured: data,
	}
}

// WrappedTools lists every tool reachable through call_tool, ordered by
// server name and then advertised order.
func (r *Registrar) WrappedTools() []ToolDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.wrapped))
	for name := range r.wrapped {
		names = append(names, name)
	}
	sort.Strings(names)

	out := []ToolDescriptor{}
	for _, name := range names {
		out = append(out, r.wrapped[name].tools...)
	}
	return out
}

// Unregister removes every capability of server. The wrapper pair is
// removed with the last wrapper-mode server.
func (r *Registrar) Unregister(server string) {
	removed := r.registry.RemoveServer(server)

	r.mu.Lock()
	_, wasWrapped := r.wrapped[server]
	delete(r.wrapped, server)
	// The pair must go under the same lock that addWrapped uses to
	// decide whether to register it.
	if wasWrapped && len(r.wrapped) == 0 {
		r.registry.Remove(CallToolName)
		r.registry.Remove(ListToolsName)
	}
	r.mu.Unlock()

	if removed > 0 || wasWrapped {
		r.logger.Debug("unregistered MCP tools", "mcp_server", server, "direct", removed, "wrapped", wasWrapped)
	}
}
