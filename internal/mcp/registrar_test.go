package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/toolhost/internal/tools"
)

// sessionMap is a fixed SessionLookup.
type sessionMap map[string]*Client

func (m sessionMap) Session(name string) (*Client, bool) {
	c, ok := m[name]
	return c, ok
}

const (
	pathSchema   = `{"type":"object","properties":{"path":{"type":"string","description":"File path"}},"required":["path"]}`
	oneOfSchema  = `{"type":"object","properties":{"q":{"oneOf":[{"type":"string"},{"type":"integer"}]}}}`
	numberSchema = `{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`
)

func descFor(name, plugin string, mode Mode) ServerDescriptor {
	return ServerDescriptor{
		Name:       name,
		Transport:  TransportStdio,
		Command:    "unused",
		Timeout:    time.Second,
		Mode:       mode,
		PluginName: plugin,
	}
}

func td(server, name, schema string) ToolDescriptor {
	return ToolDescriptor{Server: server, Name: name, Description: name + " tool", InputSchema: json.RawMessage(schema)}
}

// echoCalls answers tools/call with "name:args-json".
func echoCalls(mt *mockTransport) {
	mt.on("tools/call", func(_ context.Context, req *Request) (any, error) {
		params, _ := req.Params.(map[string]any)
		args, _ := json.Marshal(params["arguments"])
		return CallResult{Content: []ContentBlock{{Type: "text", Text: params["name"].(string) + ":" + string(args)}}}, nil
	})
}

func newTestRegistrar(sessions sessionMap) (*Registrar, *tools.Registry) {
	reg := tools.NewRegistry()
	return NewRegistrar(reg, NewInvoker("test", nil), sessions, nil), reg
}

func TestRegistrar_Direct(t *testing.T) {
	mt := newMockTransport()
	echoCalls(mt)
	r, registry := newTestRegistrar(sessionMap{"filesystem": readyClient(t, "filesystem", mt)})

	got, err := r.Register(descFor("filesystem", "FileSystem", ModeDirect), []ToolDescriptor{
		td("filesystem", "read_file", pathSchema),
		td("filesystem", "add", numberSchema),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got.Mode != ModeDirect || got.FellBack || got.Tools != 2 {
		t.Errorf("registration = %+v", got)
	}
	if strings.Join(registry.Names(), ",") != "FileSystem.add,FileSystem.read_file" {
		t.Fatalf("names = %v", registry.Names())
	}

	tool := registry.Get("FileSystem.read_file")
	if tool.Kind != tools.KindDirect || tool.Server != "filesystem" {
		t.Errorf("tool = %+v", tool)
	}
	if len(tool.Params) != 1 || tool.Params[0].Name != "path" || !tool.Params[0].Required {
		t.Errorf("params = %+v", tool.Params)
	}

	res := registry.Call(context.Background(), "FileSystem.read_file", map[string]any{"path": "notes.txt"})
	if !res.Succeeded || res.Text() != `read_file:{"path":"notes.txt"}` {
		t.Errorf("call = %+v", res)
	}

	// Positional binding and numeric coercion.
	res = registry.Invoke(context.Background(), "FileSystem.add", []any{"40", 2}, nil)
	if !res.Succeeded || res.Text() != `add:{"a":40,"b":2}` {
		t.Errorf("positional call = %+v (%s)", res, res.Text())
	}
}

func TestRegistrar_DirectValidationStaysLocal(t *testing.T) {
	mt := newMockTransport()
	echoCalls(mt)
	r, registry := newTestRegistrar(sessionMap{"filesystem": readyClient(t, "filesystem", mt)})
	if _, err := r.Register(descFor("filesystem", "FileSystem", ModeDirect), []ToolDescriptor{td("filesystem", "read_file", pathSchema)}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	before := len(mt.sentMethods())
	res := registry.Call(context.Background(), "FileSystem.read_file", map[string]any{})
	if res.ErrorKind != tools.ErrorCall {
		t.Errorf("result = %+v, want call_error", res)
	}
	if len(mt.sentMethods()) != before {
		t.Error("invalid call reached the server")
	}
}

func TestRegistrar_FallbackIsAllOrNothing(t *testing.T) {
	r, registry := newTestRegistrar(sessionMap{})

	got, err := r.Register(descFor("search", "Search", ModeDirect), []ToolDescriptor{
		td("search", "lookup", pathSchema),
		td("search", "query", oneOfSchema),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got.Mode != ModeWrapper || !got.FellBack {
		t.Errorf("registration = %+v, want wrapper fallback", got)
	}
	if !errors.Is(got.Cause, ErrUnsupportedSchema) {
		t.Errorf("Cause = %v", got.Cause)
	}
	var re *RegistrationError
	if !errors.As(got.Cause, &re) || re.Tool != "query" {
		t.Errorf("Cause = %#v, want RegistrationError for query", got.Cause)
	}
	if strings.Join(registry.Names(), ",") != "call_tool,list_tools" {
		t.Errorf("names = %v, want only the wrapper pair", registry.Names())
	}
	if strings.Join(got.Capabilities, ",") != "call_tool,list_tools" {
		t.Errorf("capabilities = %v", got.Capabilities)
	}
}

func TestRegistrar_WrapperCallTool(t *testing.T) {
	mt := newMockTransport()
	echoCalls(mt)
	r, registry := newTestRegistrar(sessionMap{"filesystem": readyClient(t, "filesystem", mt)})
	if _, err := r.Register(descFor("filesystem", "FileSystem", ModeWrapper), []ToolDescriptor{
		td("filesystem", "list_directory", pathSchema),
		td("filesystem", "query", oneOfSchema),
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		name     string
		args     map[string]any
		wantKind tools.ErrorKind
		wantText string
	}{
		{
			name:     "string arguments",
			args:     map[string]any{"server_name": "filesystem", "tool_name": "list_directory", "arguments_json": `{"path":"/tmp"}`},
			wantText: `list_directory:{"path":"/tmp"}`,
		},
		{
			name:     "object arguments",
			args:     map[string]any{"server_name": "filesystem", "tool_name": "list_directory", "arguments_json": map[string]any{"path": "/var"}},
			wantText: `list_directory:{"path":"/var"}`,
		},
		{
			name:     "plugin name",
			args:     map[string]any{"server_name": "FileSystem", "tool_name": "list_directory", "arguments_json": `{"path":"/"}`},
			wantText: `list_directory:{"path":"/"}`,
		},
		{
			name:     "case insensitive",
			args:     map[string]any{"server_name": "FILESYSTEM", "tool_name": "list_directory", "arguments_json": `{"path":"/"}`},
			wantText: `list_directory:{"path":"/"}`,
		},
		{
			name:     "untranslatable schema passes arguments through",
			args:     map[string]any{"server_name": "filesystem", "tool_name": "query", "arguments_json": `{"q":7}`},
			wantText: `query:{"q":7}`,
		},
		{
			name:     "invalid json",
			args:     map[string]any{"server_name": "filesystem", "tool_name": "list_directory", "arguments_json": `{"path":`},
			wantKind: tools.ErrorCall,
		},
		{
			name:     "json array",
			args:     map[string]any{"server_name": "filesystem", "tool_name": "list_directory", "arguments_json": `["/tmp"]`},
			wantKind: tools.ErrorCall,
		},
		{
			name:     "missing required argument",
			args:     map[string]any{"server_name": "filesystem", "tool_name": "list_directory"},
			wantKind: tools.ErrorCall,
		},
		{
			name:     "unknown server",
			args:     map[string]any{"server_name": "nope", "tool_name": "list_directory"},
			wantKind: tools.ErrorCall,
		},
		{
			name:     "unknown tool",
			args:     map[string]any{"server_name": "filesystem", "tool_name": "write_file"},
			wantKind: tools.ErrorCall,
		},
		{
			name:     "missing names",
			args:     map[string]any{},
			wantKind: tools.ErrorCall,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(mt.sentMethods())
			res := registry.Call(context.Background(), CallToolName, tt.args)
			if tt.wantKind != "" {
				if res.ErrorKind != tt.wantKind {
					t.Errorf("result = %+v, want %s", res, tt.wantKind)
				}
				if len(mt.sentMethods()) != before {
					t.Error("rejected call reached the server")
				}
				return
			}
			if !res.Succeeded || res.Text() != tt.wantText {
				t.Errorf("result = %+v (%q), want %q", res, res.Text(), tt.wantText)
			}
		})
	}
}

func TestRegistrar_ListTools(t *testing.T) {
	r, registry := newTestRegistrar(sessionMap{})
	if _, err := r.Register(descFor("web", "Web", ModeWrapper), []ToolDescriptor{td("web", "fetch", pathSchema)}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(descFor("filesystem", "FileSystem", ModeWrapper), []ToolDescriptor{td("filesystem", "read_file", pathSchema)}); err != nil {
		t.Fatal(err)
	}

	res := registry.Call(context.Background(), ListToolsName, nil)
	if !res.Succeeded {
		t.Fatalf("list_tools = %+v", res)
	}
	var entries []struct {
		Server string          `json:"server_name"`
		Tool   string          `json:"tool_name"`
		Schema json.RawMessage `json:"schema"`
	}
	if err := json.Unmarshal(res.Structured, &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 || entries[0].Server != "filesystem" || entries[1].Tool != "fetch" {
		t.Errorf("entries = %+v", entries)
	}
	if len(entries[0].Schema) == 0 {
		t.Error("entry has no schema")
	}
}

func TestRegistrar_Unregister(t *testing.T) {
	r, registry := newTestRegistrar(sessionMap{})
	mustRegister := func(d ServerDescriptor, tds ...ToolDescriptor) {
		t.Helper()
		if _, err := r.Register(d, tds); err != nil {
			t.Fatalf("Register %s: %v", d.Name, err)
		}
	}
	mustRegister(descFor("fs", "FS", ModeDirect), td("fs", "read_file", pathSchema))
	mustRegister(descFor("web", "Web", ModeWrapper), td("web", "fetch", pathSchema))
	mustRegister(descFor("db", "DB", ModeWrapper), td("db", "query", pathSchema))

	r.Unregister("fs")
	if registry.Get("FS.read_file") != nil {
		t.Error("direct tool survived Unregister")
	}

	r.Unregister("web")
	if registry.Get(CallToolName) == nil {
		t.Fatal("wrapper pair removed while db still uses it")
	}
	if len(r.WrappedTools()) != 1 {
		t.Errorf("wrapped tools = %v", r.WrappedTools())
	}

	r.Unregister("db")
	if registry.Len() != 0 {
		t.Errorf("names after last unregister = %v", registry.Names())
	}

	// Re-registering after removal recreates the pair.
	mustRegister(descFor("db", "DB", ModeWrapper), td("db", "query", pathSchema))
	if registry.Get(ListToolsName) == nil {
		t.Error("wrapper pair not recreated")
	}
}

func TestRegistrar_UnregisterRacesWrappedRegister(t *testing.T) {
	r, registry := newTestRegistrar(sessionMap{})

	for i := 0; i < 200; i++ {
		if _, err := r.Register(descFor("a", "A", ModeWrapper), []ToolDescriptor{td("a", "x", pathSchema)}); err != nil {
			t.Fatalf("iteration %d: Register a: %v", i, err)
		}

		var wg sync.WaitGroup
		var regErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Unregister("a")
		}()
		go func() {
			defer wg.Done()
			_, regErr = r.Register(descFor("b", "B", ModeWrapper), []ToolDescriptor{td("b", "y", pathSchema)})
		}()
		wg.Wait()

		if regErr != nil {
			t.Fatalf("iteration %d: Register b: %v", i, regErr)
		}
		if registry.Get(CallToolName) == nil || registry.Get(ListToolsName) == nil {
			t.Fatalf("iteration %d: wrapper pair missing while b is registered", i)
		}

		r.Unregister("b")
		if registry.Len() != 0 {
			t.Fatalf("iteration %d: names after cleanup = %v", i, registry.Names())
		}
	}
}

func TestRegistrar_Errors(t *testing.T) {
	t.Run("direct name collision rolls back", func(t *testing.T) {
		r, registry := newTestRegistrar(sessionMap{})
		taken := &tools.Tool{Name: "FS.write_file", Handler: func(context.Context, map[string]any) *tools.Result { return nil }}
		if err := registry.Register(taken); err != nil {
			t.Fatal(err)
		}

		_, err := r.Register(descFor("fs", "FS", ModeDirect), []ToolDescriptor{
			td("fs", "read_file", pathSchema),
			td("fs", "write_file", pathSchema),
		})
		var re *RegistrationError
		if !errors.As(err, &re) || re.Server != "fs" {
			t.Fatalf("err = %v, want RegistrationError", err)
		}
		if !errors.Is(err, tools.ErrDuplicateTool) {
			t.Errorf("err = %v, want ErrDuplicateTool", err)
		}
		if registry.Get("FS.read_file") != nil {
			t.Error("partial registration left behind")
		}
	})

	t.Run("wrapped twice", func(t *testing.T) {
		r, _ := newTestRegistrar(sessionMap{})
		d := descFor("web", "Web", ModeWrapper)
		if _, err := r.Register(d, nil); err != nil {
			t.Fatal(err)
		}
		_, err := r.Register(d, nil)
		var re *RegistrationError
		if !errors.As(err, &re) {
			t.Errorf("err = %v, want RegistrationError", err)
		}
	})
}

func TestRegistrar_SessionGone(t *testing.T) {
	r, registry := newTestRegistrar(sessionMap{})
	if _, err := r.Register(descFor("fs", "FS", ModeDirect), []ToolDescriptor{td("fs", "read_file", pathSchema)}); err != nil {
		t.Fatal(err)
	}
	res := registry.Call(context.Background(), "FS.read_file", map[string]any{"path": "a"})
	if res.ErrorKind != tools.ErrorConnectionLost {
		t.Errorf("result = %+v, want connection_lost", res)
	}
}

func TestDecodeArguments(t *testing.T) {
	tests := []struct {
		in      any
		want    int
		wantErr bool
	}{
		{nil, 0, false},
		{"", 0, false},
		{"  ", 0, false},
		{`{"a":1,"b":2}`, 2, false},
		{map[string]any{"a": 1}, 1, false},
		{`null`, 0, true},
		{`[1]`, 0, true},
		{42, 0, true},
	}
	for _, tt := range tests {
		got, err := decodeArguments(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("decodeArguments(%v) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && len(got) != tt.want {
			t.Errorf("decodeArguments(%v) = %v", tt.in, got)
		}
	}
}
