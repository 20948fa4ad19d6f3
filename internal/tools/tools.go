package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Kind distinguishes the two shapes a capability can take.
type Kind string

const (
	// KindDirect is one capability per discovered tool, named
	// pluginName.toolName, with typed parameters.
	KindDirect Kind = "direct"
	// KindWrapper is one of the generic dispatch capabilities
	// (call_tool, list_tools) shared by every wrapper-mode server.
	KindWrapper Kind = "wrapper"
)

// Handler executes a capability. Failures are reported in the returned
// Result, never as a Go error, so a failing tool call cannot abort the
// surrounding agent turn.
type Handler func(ctx context.Context, args map[string]any) *Result

// Tool is a callable capability.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Kind        Kind           `json:"kind"`
	Server      string         `json:"server,omitempty"` // owning server; empty for shared wrappers
	Params      []Param        `json:"params,omitempty"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Registry is the capability set owned by one agent instance. It is
// safe for concurrent use: capabilities may be removed and re-added
// while other goroutines are calling them.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty capability set.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry. A tool whose name is already
// taken is rejected with [ErrDuplicateTool].
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("register tool: name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("register tool %q: handler is required", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("register tool %q: %w", t.Name, ErrDuplicateTool)
	}
	r.tools[t.Name] = t
	return nil
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Remove deletes a tool by name and reports whether it existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	return ok
}

// RemoveServer deletes every direct tool owned by server and returns
// how many were removed. Shared wrapper tools are left in place.
func (r *Registry) RemoveServer(server string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name, t := range r.tools {
		if t.Kind == KindDirect && t.Server == server {
			delete(r.tools, name)
			n++
		}
	}
	return n
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Names returns all tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools returns all tools sorted by name.
func (r *Registry) Tools() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// List returns all tools as function definitions for an LLM, sorted by
// name.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, t := range r.Tools() {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Call runs a tool by name with already-decoded arguments.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) *Result {
	tool := r.Get(name)
	if tool == nil {
		return Failure(ErrorCall, "%s", (&ErrToolUnavailable{ToolName: name}).Error())
	}
	if args == nil {
		args = map[string]any{}
	}
	res := tool.Handler(ctx, args)
	if res == nil {
		return Failure(ErrorCall, "tool %q returned no result", name)
	}
	return res
}

// Execute runs a tool by name with JSON-encoded arguments. An empty
// string means no arguments.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) *Result {
	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return Failure(ErrorCall, "invalid arguments JSON for %q: %v", name, err)
		}
	}
	return r.Call(ctx, name, args)
}

// Invoke runs a tool with positional and named arguments. Positional
// values bind to the tool's required parameters in declaration order.
func (r *Registry) Invoke(ctx context.Context, name string, positional []any, named map[string]any) *Result {
	tool := r.Get(name)
	if tool == nil {
		return Failure(ErrorCall, "%s", (&ErrToolUnavailable{ToolName: name}).Error())
	}
	args, err := Bind(tool.Params, positional, named)
	if err != nil {
		return Failure(ErrorCall, "%s: %v", name, err)
	}
	return r.Call(ctx, name, args)
}
