package mcp

import (
	"errors"
	"testing"
	"time"

	"github.com/nugget/toolhost/internal/config"
)

func TestNormalize_Defaults(t *testing.T) {
	n, err := ServerDescriptor{Name: " filesystem ", Command: "npx"}.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if n.Name != "filesystem" {
		t.Errorf("Name = %q", n.Name)
	}
	if n.Transport != TransportStdio {
		t.Errorf("Transport = %q, want stdio", n.Transport)
	}
	if n.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", n.Timeout, DefaultTimeout)
	}
	if n.Mode != ModeDirect {
		t.Errorf("Mode = %q, want direct", n.Mode)
	}
	if n.PluginName != "filesystem" {
		t.Errorf("PluginName = %q, want filesystem", n.PluginName)
	}
	if n.RetryDelay != DefaultRetryDelay {
		t.Errorf("RetryDelay = %v", n.RetryDelay)
	}
}

func TestNormalize_Errors(t *testing.T) {
	tests := []struct {
		name  string
		desc  ServerDescriptor
		field string
	}{
		{"no name", ServerDescriptor{Command: "x"}, ""},
		{"stdio without command", ServerDescriptor{Name: "a"}, "command"},
		{"stdio with url", ServerDescriptor{Name: "a", Command: "x", URL: "http://h"}, "url"},
		{"stdio with headers", ServerDescriptor{Name: "a", Command: "x", Headers: map[string]string{"A": "b"}}, "headers"},
		{"sse without url", ServerDescriptor{Name: "a", Transport: TransportSSE}, "url"},
		{"http with command", ServerDescriptor{Name: "a", Transport: TransportStreamableHTTP, URL: "http://h", Command: "x"}, "command"},
		{"websocket with env", ServerDescriptor{Name: "a", Transport: TransportWebSocket, URL: "ws://h", Env: map[string]string{"A": "b"}}, "env"},
		{"relative url", ServerDescriptor{Name: "a", Transport: TransportSSE, URL: "/sse"}, "url"},
		{"ws scheme on sse", ServerDescriptor{Name: "a", Transport: TransportSSE, URL: "ws://h/sse"}, "url"},
		{"unknown transport", ServerDescriptor{Name: "a", Transport: "grpc", URL: "http://h"}, "transport"},
		{"negative timeout", ServerDescriptor{Name: "a", Command: "x", Timeout: -time.Second}, "timeout"},
		{"bad mode", ServerDescriptor{Name: "a", Command: "x", Mode: "hybrid"}, "integration_mode"},
		{"dotted plugin", ServerDescriptor{Name: "a", Command: "x", PluginName: "a.b"}, "plugin_name"},
		{"negative retries", ServerDescriptor{Name: "a", Command: "x", MaxRetries: -1}, "max_retries"},
		{"negative rate", ServerDescriptor{Name: "a", Command: "x", RateLimit: -1}, "rate_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.desc.Normalize()
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("error = %v, want *ConfigError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("Field = %q, want %q (%v)", ce.Field, tt.field, err)
			}
		})
	}
}

func TestNormalize_DoesNotAlias(t *testing.T) {
	in := ServerDescriptor{Name: "a", Command: "x", Args: []string{"1"}, Env: map[string]string{"K": "v"}}
	n, err := in.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	n.Args[0] = "changed"
	n.Env["K"] = "changed"
	if in.Args[0] != "1" || in.Env["K"] != "v" {
		t.Error("normalized descriptor shares state with its input")
	}
}

func TestDescriptors_FromConfig(t *testing.T) {
	no := false
	descs := Descriptors([]config.MCPServerConfig{
		{
			Name:                "fs",
			Command:             "npx",
			Args:                []string{"-y", "server-filesystem"},
			TimeoutSec:          12,
			IntegrationMode:     "wrapper",
			MaxRetries:          2,
			RetryDelaySec:       0.5,
			RateLimit:           4,
			GracefulDegradation: &no,
		},
		{Name: "remote", Transport: "websocket", URL: "wss://tools.example/ws"},
	})

	if len(descs) != 2 {
		t.Fatalf("len = %d, want 2", len(descs))
	}
	fs := descs[0]
	if fs.Timeout != 12*time.Second || fs.Mode != ModeWrapper || fs.MaxRetries != 2 {
		t.Errorf("fs = %+v", fs)
	}
	if fs.RetryDelay != 500*time.Millisecond {
		t.Errorf("RetryDelay = %v, want 500ms", fs.RetryDelay)
	}
	if !fs.FailFast {
		t.Error("graceful_degradation: false did not set FailFast")
	}
	if descs[1].FailFast {
		t.Error("FailFast set without graceful_degradation")
	}
	if descs[1].Transport != TransportWebSocket {
		t.Errorf("Transport = %q", descs[1].Transport)
	}
}

func TestEnvList(t *testing.T) {
	got := envList(map[string]string{"B": "2", "A": "1"})
	if len(got) != 2 || got[0] != "A=1" || got[1] != "B=2" {
		t.Errorf("envList = %v", got)
	}
}

func TestMerge_AgentOverridesGlobal(t *testing.T) {
	global := []ServerDescriptor{
		{Name: "FileSystem", Command: "fs-server", Args: []string{"/shared"}},
		{Name: "git", Command: "git-server"},
	}
	agent := []ServerDescriptor{
		{Name: "FileSystem", Command: "fs-server", Args: []string{"/private"}, Mode: ModeWrapper},
		{Name: "search", Transport: TransportStreamableHTTP, URL: "http://search.local/mcp"},
	}

	set, err := Merge(global, agent)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if set.Len() != 3 {
		t.Fatalf("Len = %d, want 3", set.Len())
	}
	names := set.Names()
	if names[0] != "FileSystem" || names[1] != "git" || names[2] != "search" {
		t.Errorf("Names = %v", names)
	}

	fs, ok := set.Get("FileSystem")
	if !ok {
		t.Fatal("FileSystem missing")
	}
	if len(fs.Args) != 1 || fs.Args[0] != "/private" {
		t.Errorf("FileSystem args = %v, want [/private]", fs.Args)
	}
	if fs.Mode != ModeWrapper {
		t.Errorf("FileSystem mode = %q, the agent entry must replace the global one in full", fs.Mode)
	}

	git, _ := set.Get("git")
	if git.Command != "git-server" {
		t.Errorf("git = %+v", git)
	}
}

func TestMerge_NoFieldwiseMerge(t *testing.T) {
	global := []ServerDescriptor{{Name: "fs", Command: "x", Env: map[string]string{"TOKEN": "global"}, Timeout: 5 * time.Second}}
	agent := []ServerDescriptor{{Name: "fs", Command: "x"}}

	set, err := Merge(global, agent)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	fs, _ := set.Get("fs")
	if len(fs.Env) != 0 {
		t.Errorf("Env = %v, want none inherited from global", fs.Env)
	}
	if fs.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want default", fs.Timeout)
	}
}

func TestMerge_Errors(t *testing.T) {
	tests := []struct {
		name          string
		global, agent []ServerDescriptor
	}{
		{"duplicate in global", []ServerDescriptor{{Name: "a", Command: "x"}, {Name: "a", Command: "y"}}, nil},
		{"duplicate in agent", nil, []ServerDescriptor{{Name: "a", Command: "x"}, {Name: "a", Command: "y"}}},
		{"invalid agent entry", nil, []ServerDescriptor{{Name: "a", Transport: "smoke-signal"}}},
		{"plugin collision", []ServerDescriptor{{Name: "a", Command: "x", PluginName: "p"}}, []ServerDescriptor{{Name: "b", Command: "y", PluginName: "p"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Merge(tt.global, tt.agent)
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Errorf("Merge error = %v, want *ConfigError", err)
			}
		})
	}
}

func TestMerge_AccessorsReturnCopies(t *testing.T) {
	set, err := Merge([]ServerDescriptor{{Name: "a", Command: "x", Args: []string{"1"}}}, nil)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	d, _ := set.Get("a")
	d.Args[0] = "mutated"
	set.Descriptors()[0].Args[0] = "mutated"

	again, _ := set.Get("a")
	if again.Args[0] != "1" {
		t.Error("EffectiveServerSet was mutated through an accessor")
	}
	if _, ok := set.Get("missing"); ok {
		t.Error("Get(missing) = ok")
	}
}

func TestMerge_Empty(t *testing.T) {
	set, err := Merge(nil, nil)
	if err != nil || set.Len() != 0 {
		t.Errorf("Merge(nil, nil) = %d servers, %v", set.Len(), err)
	}
}
