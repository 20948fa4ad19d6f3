package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func listing(defs ...ToolDefinition) toolsListResult {
	return toolsListResult{Tools: defs}
}

func TestDiscover(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", listing(
		ToolDefinition{Name: "read_file", Description: "Read a file", InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`)},
		ToolDefinition{Name: "now", Description: "Current time"},
	))
	c := NewClient("fs", mt, nil)

	tds, err := Discover(context.Background(), c)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(tds) != 2 {
		t.Fatalf("got %d tools, want 2", len(tds))
	}
	if tds[0].Server != "fs" || tds[0].Name != "read_file" {
		t.Errorf("tds[0] = %+v", tds[0])
	}
	if string(tds[1].InputSchema) != string(emptyObjectSchema) {
		t.Errorf("missing schema became %s", tds[1].InputSchema)
	}
	if c.State() != StateReady {
		t.Errorf("state = %s, want ready", c.State())
	}
}

func TestDiscover_SkipsHandshakeWhenInitialized(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", listing())
	c := readyClient(t, "fs", mt)

	if _, err := Discover(context.Background(), c); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	n := 0
	for _, m := range mt.sentMethods() {
		if m == "initialize" {
			n++
		}
	}
	if n != 1 {
		t.Errorf("initialize sent %d times, want 1", n)
	}
}

func TestDiscover_Malformed(t *testing.T) {
	tests := []struct {
		name string
		defs []ToolDefinition
	}{
		{"empty name", []ToolDefinition{{Name: ""}}},
		{"duplicate", []ToolDefinition{{Name: "a"}, {Name: "a"}}},
		{"array schema", []ToolDefinition{{Name: "a", InputSchema: json.RawMessage(`[1,2]`)}}},
		{"string schema", []ToolDefinition{{Name: "a", InputSchema: json.RawMessage(`"object"`)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := newMockTransport()
			mt.addResponse("tools/list", listing(tt.defs...))

			_, err := Discover(context.Background(), NewClient("fs", mt, nil))
			var de *DiscoveryError
			if !errors.As(err, &de) {
				t.Fatalf("err = %v, want *DiscoveryError", err)
			}
			if !errors.Is(err, ErrMalformedResponse) {
				t.Errorf("err = %v, want ErrMalformedResponse", err)
			}
			if de.Server != "fs" {
				t.Errorf("Server = %q", de.Server)
			}
		})
	}
}

func TestDiscover_ErrorClassification(t *testing.T) {
	t.Run("rpc error on list", func(t *testing.T) {
		mt := newMockTransport()
		mt.addError("tools/list", CodeInternalError, "boom")
		_, err := Discover(context.Background(), NewClient("fs", mt, nil))
		var de *DiscoveryError
		if !errors.As(err, &de) {
			t.Errorf("err = %v, want *DiscoveryError", err)
		}
	})

	t.Run("rejected handshake", func(t *testing.T) {
		mt := newMockTransport()
		mt.addError("initialize", CodeInvalidRequest, "unsupported protocol")
		_, err := Discover(context.Background(), NewClient("fs", mt, nil))
		var de *DiscoveryError
		if !errors.As(err, &de) {
			t.Errorf("err = %v, want *DiscoveryError", err)
		}
	})

	t.Run("lost during handshake", func(t *testing.T) {
		mt := newMockTransport()
		mt.on("initialize", func(context.Context, *Request) (any, error) {
			return nil, lostf("process exited with status 1")
		})
		_, err := Discover(context.Background(), NewClient("fs", mt, nil))
		var ce *ConnectError
		if !errors.As(err, &ce) {
			t.Fatalf("err = %v, want *ConnectError", err)
		}
		if !errors.Is(err, ErrConnectionLost) {
			t.Errorf("err = %v, want ErrConnectionLost", err)
		}
	})

	t.Run("hung handshake", func(t *testing.T) {
		mt := newMockTransport()
		mt.on("initialize", func(ctx context.Context, _ *Request) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := Discover(ctx, NewClient("fs", mt, nil))
		var ce *ConnectError
		if !errors.As(err, &ce) {
			t.Errorf("err = %v, want *ConnectError", err)
		}
	})
}
