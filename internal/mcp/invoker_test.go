package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/toolhost/internal/tools"
)

type recordingObserver struct {
	mu      sync.Mutex
	records []CallRecord
}

func (o *recordingObserver) ObserveCall(r CallRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, r)
}

func (o *recordingObserver) all() []CallRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]CallRecord(nil), o.records...)
}

func TestInvoker_Success(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", CallResult{
		Content:           []ContentBlock{{Type: "text", Text: "3 entries"}, {Type: "image", MIMEType: "image/png", Data: "AAAA"}},
		StructuredContent: json.RawMessage(`{"count":3}`),
	})
	c := readyClient(t, "fs", mt)
	obs := &recordingObserver{}

	res := NewInvoker("researcher", nil, obs).Invoke(context.Background(), c, "list_directory", map[string]any{"path": "/tmp"}, time.Second)

	if !res.Succeeded {
		t.Fatalf("result = %+v, want success", res)
	}
	if res.Text() != "3 entries\n[image: image/png]" {
		t.Errorf("Text() = %q", res.Text())
	}
	if string(res.Structured) != `{"count":3}` {
		t.Errorf("Structured = %s", res.Structured)
	}

	recs := obs.all()
	if len(recs) != 1 {
		t.Fatalf("observed %d calls, want 1", len(recs))
	}
	r := recs[0]
	if r.Agent != "researcher" || r.Server != "fs" || r.Tool != "list_directory" || !r.Succeeded {
		t.Errorf("record = %+v", r)
	}
}

func TestInvoker_ToolErrorResult(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", CallResult{
		Content: []ContentBlock{{Type: "text", Text: "file not found: missing.txt"}},
		IsError: true,
	})
	c := readyClient(t, "fs", mt)

	res := NewInvoker("a", nil).Invoke(context.Background(), c, "read_file", nil, time.Second)

	if res.Succeeded || res.ErrorKind != tools.ErrorTool {
		t.Fatalf("result = %+v, want tool_error", res)
	}
	if !strings.Contains(res.Message, "not found") {
		t.Errorf("Message = %q", res.Message)
	}
	if c.State() != StateReady {
		t.Errorf("state = %s, want ready", c.State())
	}
}

func TestInvoker_RPCError(t *testing.T) {
	mt := newMockTransport()
	mt.addError("tools/call", CodeInvalidParams, "unknown tool: nope")
	c := readyClient(t, "fs", mt)

	res := NewInvoker("a", nil).Invoke(context.Background(), c, "nope", nil, time.Second)
	if res.ErrorKind != tools.ErrorTool || res.Message != "unknown tool: nope" {
		t.Errorf("result = %+v", res)
	}
}

func TestInvoker_TimeoutKeepsSession(t *testing.T) {
	mt := newMockTransport()
	mt.on("tools/call", func(ctx context.Context, req *Request) (any, error) {
		params, _ := req.Params.(map[string]any)
		if params["name"] == "slow" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return CallResult{Content: []ContentBlock{{Type: "text", Text: "fast"}}}, nil
	})
	c := readyClient(t, "fs", mt)
	inv := NewInvoker("a", nil)

	res := inv.Invoke(context.Background(), c, "slow", nil, 20*time.Millisecond)
	if res.ErrorKind != tools.ErrorTimeout {
		t.Fatalf("result = %+v, want timeout", res)
	}
	if c.State() != StateReady {
		t.Fatalf("state = %s, want ready", c.State())
	}

	res = inv.Invoke(context.Background(), c, "fast", nil, time.Second)
	if !res.Succeeded || res.Text() != "fast" {
		t.Errorf("follow-up result = %+v", res)
	}
}

func TestInvoker_Cancelled(t *testing.T) {
	mt := newMockTransport()
	mt.on("tools/call", func(ctx context.Context, _ *Request) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := readyClient(t, "fs", mt)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res := NewInvoker("a", nil).Invoke(ctx, c, "wait", nil, time.Minute)
	if res.ErrorKind != tools.ErrorCancelled {
		t.Errorf("result = %+v, want cancelled", res)
	}
}

func TestInvoker_ConnectionLost(t *testing.T) {
	mt := newMockTransport()
	mt.on("tools/call", func(context.Context, *Request) (any, error) {
		return nil, lostf("process exited")
	})
	c := readyClient(t, "fs", mt)
	inv := NewInvoker("a", nil)

	res := inv.Invoke(context.Background(), c, "read_file", nil, time.Second)
	if res.ErrorKind != tools.ErrorConnectionLost {
		t.Fatalf("result = %+v, want connection_lost", res)
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s, want failed", c.State())
	}

	before := len(mt.sentMethods())
	res = inv.Invoke(context.Background(), c, "read_file", nil, time.Second)
	if res.ErrorKind != tools.ErrorConnectionLost {
		t.Errorf("second result = %+v, want connection_lost", res)
	}
	if len(mt.sentMethods()) != before {
		t.Error("failed session was contacted again")
	}
}

func TestInvoker_NoSession(t *testing.T) {
	obs := &recordingObserver{}
	res := NewInvoker("a", nil, obs).Invoke(context.Background(), nil, "read_file", nil, time.Second)
	if res.ErrorKind != tools.ErrorConnectionLost {
		t.Errorf("result = %+v, want connection_lost", res)
	}
	if len(obs.all()) != 1 {
		t.Error("call without a session was not observed")
	}
}

func TestInvoker_ClosedSession(t *testing.T) {
	c := readyClient(t, "fs", newMockTransport())
	_ = c.Close()

	res := NewInvoker("a", nil).Invoke(context.Background(), c, "read_file", nil, time.Second)
	if res.ErrorKind != tools.ErrorConnectionLost {
		t.Errorf("result = %+v, want connection_lost", res)
	}
}

func TestInvoker_RateLimit(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", CallResult{})
	c := readyClient(t, "fs", mt)

	inv := NewInvoker("a", nil)
	inv.Limit("fs", 0.5)

	if res := inv.Invoke(context.Background(), c, "t", nil, time.Second); !res.Succeeded {
		t.Fatalf("first call = %+v", res)
	}
	// The next token is two seconds away, past the call timeout.
	if res := inv.Invoke(context.Background(), c, "t", nil, 50*time.Millisecond); res.ErrorKind != tools.ErrorTimeout {
		t.Errorf("rate-limited call = %+v, want timeout", res)
	}

	inv.Limit("fs", 0)
	if res := inv.Invoke(context.Background(), c, "t", nil, time.Second); !res.Succeeded {
		t.Errorf("call after removing limit = %+v", res)
	}
}

func TestConvertBlocks_Resource(t *testing.T) {
	blocks := convertBlocks([]ContentBlock{
		{Type: "resource", Resource: &EmbeddedResource{URI: "file:///tmp/a.txt", MIMEType: "text/plain", Text: "contents"}},
		{Type: "resource_link", URI: "file:///tmp/b.txt"},
	})
	if len(blocks) != 2 {
		t.Fatalf("len = %d", len(blocks))
	}
	if blocks[0].URI != "file:///tmp/a.txt" || blocks[0].Text != "contents" {
		t.Errorf("block 0 = %+v", blocks[0])
	}
	got := (&tools.Result{Succeeded: true, Content: blocks}).Text()
	if got != "contents\n[resource: file:///tmp/b.txt]" {
		t.Errorf("Text() = %q", got)
	}
}
