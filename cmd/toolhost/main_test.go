package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/nugget/toolhost/internal/mcp/mcptest"
)

// writeConfig starts a streamable HTTP tool server and writes a config
// pointing at it. It returns the config path.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	ts := httptest.NewServer(mcptest.NewServer(mcptest.WithName("fs-test")).StreamableHandler())
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	cfg := fmt.Sprintf(`
log_level: warn
data_dir: %s
mcp_servers:
  - name: filesystem
    transport: streamable_http
    url: %s/mcp
    plugin_name: FileSystem
    timeout: 5
%s`, filepath.Join(dir, "data"), ts.URL, extra)

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	err := run(ctx, &stdout, &stderr, args)
	if stderr.Len() > 0 {
		t.Logf("stderr: %s", stderr.String())
	}
	return stdout.String(), err
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		out, err := runCmd(t, args...)
		if err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out, "Usage: toolhost") {
			t.Errorf("run(%v) output missing usage:\n%s", args, out)
		}
	}
}

func TestRun_BadInvocations(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-verbose", "check"}, "unknown flag"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"call without name", []string{"call"}, "usage: toolhost call"},
		{"calls bad limit", []string{"calls", "many"}, "usage: toolhost calls"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "check"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCmd(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "go_version:") {
		t.Errorf("text version output missing go_version:\n%s", out)
	}

	out, err = runCmd(t, "-o", "json", "version")
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("json version output: %v\n%s", err, out)
	}
	if info["version"] == "" {
		t.Errorf("version missing from %v", info)
	}
}

func TestRun_Check(t *testing.T) {
	path := writeConfig(t, `
agents:
  - name: assistant
    mcp_servers:
      - name: search
        transport: websocket
        url: ws://127.0.0.1:1/ws
        integration_mode: wrapper
  - name: plain
`)

	out, err := runCmd(t, "-config", path, "check")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"is valid", "agent assistant:", "agent plain:", "search", "wrapper", "FileSystem"} {
		if !strings.Contains(out, want) {
			t.Errorf("check output missing %q:\n%s", want, out)
		}
	}

	out, err = runCmd(t, "-config", path, "-agent", "assistant", "-o", "json", "check")
	if err != nil {
		t.Fatal(err)
	}
	var report map[string][]struct {
		Name      string `json:"name"`
		Transport string `json:"transport"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("json check output: %v\n%s", err, out)
	}
	if len(report) != 1 || len(report["assistant"]) != 2 {
		t.Errorf("report = %+v, want only assistant with 2 servers", report)
	}

	if _, err := runCmd(t, "-config", path, "-agent", "nobody", "check"); err == nil {
		t.Error("check with unknown agent succeeded")
	}
}

func TestRun_CheckRejectsBadServer(t *testing.T) {
	path := writeConfig(t, `
  - name: filesystem
    transport: stdio
    command: cat
`)
	_, err := runCmd(t, "-config", path, "check")
	if err == nil || !strings.Contains(err.Error(), "filesystem") {
		t.Errorf("err = %v, want duplicate server error naming filesystem", err)
	}
}

func TestRun_Discover(t *testing.T) {
	path := writeConfig(t, "")

	out, err := runCmd(t, "-config", path, "discover")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"agent default", "filesystem", "ready", "FileSystem.echo(text: string)", "FileSystem.add(a: integer, b: integer)"} {
		if !strings.Contains(out, want) {
			t.Errorf("discover output missing %q:\n%s", want, out)
		}
	}

	out, err = runCmd(t, "-config", path, "-o", "json", "discover")
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Agent        string `json:"agent"`
		Capabilities []struct {
			Name string `json:"name"`
		} `json:"capabilities"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("json discover output: %v\n%s", err, out)
	}
	if got.Agent != "default" || len(got.Capabilities) != len(mcptest.DefaultTools()) {
		t.Errorf("discover = %+v", got)
	}
}

func TestRun_Call(t *testing.T) {
	path := writeConfig(t, "")

	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{"named", []string{"FileSystem.echo", "text=hello there"}, "hello there", false},
		{"json object", []string{"FileSystem.add", `{"a": 40, "b": 2}`}, "42", false},
		{"positional", []string{"FileSystem.add", "40", "2"}, "42", false},
		{"tool error", []string{"FileSystem.read_file", "/nonexistent/file"}, "Error [tool_error]", true},
		{"unknown capability", []string{"FileSystem.nope"}, "Error [call_error]", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runCmd(t, append([]string{"-config", path, "call"}, tt.args...)...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("output = %q, want containing %q", out, tt.want)
			}
		})
	}
}

func TestRun_CallsLog(t *testing.T) {
	path := writeConfig(t, `
call_log:
  enabled: true
`)

	if _, err := runCmd(t, "-config", path, "call", "FileSystem.echo", "text=logged"); err != nil {
		t.Fatal(err)
	}
	if _, err := runCmd(t, "-config", path, "call", "FileSystem.read_file", "/nonexistent/file"); err == nil {
		t.Fatal("read of missing file succeeded")
	}

	out, err := runCmd(t, "-config", path, "-o", "json", "calls")
	if err != nil {
		t.Fatal(err)
	}
	var recs []struct {
		Agent     string `json:"agent"`
		Server    string `json:"server"`
		Tool      string `json:"tool"`
		Succeeded bool   `json:"succeeded"`
		ErrorKind string `json:"error_kind"`
	}
	if err := json.Unmarshal([]byte(out), &recs); err != nil {
		t.Fatalf("json calls output: %v\n%s", err, out)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2: %s", len(recs), out)
	}
	// Newest first.
	if recs[0].Tool != "read_file" || recs[0].Succeeded || recs[0].ErrorKind != "tool_error" {
		t.Errorf("newest record = %+v", recs[0])
	}
	if recs[1].Tool != "echo" || !recs[1].Succeeded || recs[1].Server != "filesystem" || recs[1].Agent != "default" {
		t.Errorf("oldest record = %+v", recs[1])
	}

	out, err = runCmd(t, "-config", path, "calls", "1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "read_file") || strings.Contains(out, "echo") {
		t.Errorf("calls 1 output:\n%s", out)
	}
}

func TestParseCallArgs(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		wantPositional []any
		wantNamed      map[string]any
		wantErr        bool
	}{
		{"none", nil, nil, map[string]any{}, false},
		{"positional", []string{"a", "b"}, []any{"a", "b"}, map[string]any{}, false},
		{"named", []string{"k=v", "n=1"}, nil, map[string]any{"k": "v", "n": "1"}, false},
		{"mixed", []string{"a", "k=v"}, []any{"a"}, map[string]any{"k": "v"}, false},
		{"value with equals", []string{"q=a=b"}, nil, map[string]any{"q": "a=b"}, false},
		{"json", []string{`{"n": 1}`}, nil, map[string]any{"n": float64(1)}, false},
		{"bad json", []string{`{"n":`}, nil, nil, true},
		{"positional after named", []string{"k=v", "a"}, nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos, named, err := parseCallArgs(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !reflect.DeepEqual(pos, tt.wantPositional) {
				t.Errorf("positional = %#v, want %#v", pos, tt.wantPositional)
			}
			if !reflect.DeepEqual(named, tt.wantNamed) {
				t.Errorf("named = %#v, want %#v", named, tt.wantNamed)
			}
		})
	}
}
