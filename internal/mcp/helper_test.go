package mcp

import (
	"context"
	"net/http/httptest"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/nugget/toolhost/internal/mcp/mcptest"
)

// helperEnv switches the test binary into a stdio MCP server. Its value
// is a comma-separated list of helper modes.
const helperEnv = "TOOLHOST_MCPTEST_HELPER"

func TestMain(m *testing.M) {
	if modes := os.Getenv(helperEnv); modes != "" {
		os.Exit(runHelper(modes))
	}
	os.Exit(m.Run())
}

func runHelper(modes string) int {
	opts := []mcptest.Option{mcptest.WithName("helper"), mcptest.WithTools(mcptest.CrashTool())}
	var stdio mcptest.StdioOptions
	hang := false
	for _, mode := range strings.Split(modes, ",") {
		switch mode {
		case "content-length":
			stdio.ContentLength = true
		case "ping":
			opts = append(opts, mcptest.WithServerPing())
		case "unsupported":
			opts = append(opts, mcptest.WithTools(mcptest.UnsupportedSchemaTool()))
		case "paged":
			opts = append(opts, mcptest.WithPageSize(2))
		case "stubborn":
			signal.Ignore(syscall.SIGTERM)
			hang = true
		case "deaf":
			// Never read stdin, so the pipe fills up.
			time.Sleep(time.Hour)
			return 0
		}
	}

	err := mcptest.NewServer(opts...).ServeStdio(context.Background(), os.Stdin, os.Stdout, stdio)
	if mcptest.IsCrash(err) {
		return 3
	}
	if hang {
		time.Sleep(time.Hour)
	}
	return 0
}

// helperDescriptor describes a stdio server backed by this test binary.
func helperDescriptor(t *testing.T, name string, modes ...string) ServerDescriptor {
	t.Helper()
	if len(modes) == 0 {
		modes = []string{"default"}
	}
	return mustNormalize(t, ServerDescriptor{
		Name:      name,
		Transport: TransportStdio,
		Command:   os.Args[0],
		Args:      []string{"-test.run=^$"},
		Env:       map[string]string{helperEnv: strings.Join(modes, ",")},
	})
}

// serveNetwork starts srv over a network transport kind and returns a
// descriptor for it.
func serveNetwork(t *testing.T, kind TransportKind, name string, srv *mcptest.Server) ServerDescriptor {
	t.Helper()

	var ts *httptest.Server
	url := ""
	switch kind {
	case TransportSSE:
		ts = httptest.NewServer(srv.SSEHandler())
		url = ts.URL + "/sse"
	case TransportStreamableHTTP:
		ts = httptest.NewServer(srv.StreamableHandler())
		url = ts.URL + "/mcp"
	case TransportWebSocket:
		ts = httptest.NewServer(srv.WebSocketHandler())
		url = "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	default:
		t.Fatalf("serveNetwork: unsupported kind %q", kind)
	}
	t.Cleanup(ts.Close)

	return mustNormalize(t, ServerDescriptor{Name: name, Transport: kind, URL: url})
}

func mustNormalize(t *testing.T, d ServerDescriptor) ServerDescriptor {
	t.Helper()
	n, err := d.Normalize()
	if err != nil {
		t.Fatalf("Normalize(%s): %v", d.Name, err)
	}
	return n
}

// connectReady connects and discovers desc, closing the session at
// test cleanup.
func connectReady(t *testing.T, desc ServerDescriptor) (*Client, []ToolDescriptor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := Connect(ctx, desc, nil)
	if err != nil {
		t.Fatalf("Connect(%s): %v", desc.Name, err)
	}
	t.Cleanup(func() { _ = c.Close() })

	tds, err := Discover(ctx, c)
	if err != nil {
		t.Fatalf("Discover(%s): %v", desc.Name, err)
	}
	return c, tds
}
