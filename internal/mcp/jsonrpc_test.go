package mcp

import (
	"encoding/json"
	"testing"
)

func TestNewRequest(t *testing.T) {
	req := NewRequest(42, "tools/list", map[string]any{"cursor": "abc"})

	if req.JSONRPC != "2.0" {
		t.Errorf("JSONRPC = %q, want %q", req.JSONRPC, "2.0")
	}
	if req.ID != 42 || req.Method != "tools/list" {
		t.Errorf("request = %+v", req)
	}
}

func TestRequestOmitsNilParams(t *testing.T) {
	data, err := json.Marshal(NewRequest(1, "ping", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["params"]; ok {
		t.Error("params should be omitted when nil")
	}
}

func TestNotificationHasNoID(t *testing.T) {
	data, err := json.Marshal(NewNotification("notifications/initialized", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["id"]; ok {
		t.Error("notification must not carry an id")
	}
	if m["method"] != "notifications/initialized" {
		t.Errorf("method = %v", m["method"])
	}
}

func TestRPCErrorString(t *testing.T) {
	e := &RPCError{Code: CodeInvalidRequest, Message: "Invalid Request"}
	want := "jsonrpc error -32600: Invalid Request"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestMessageClassification(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		response bool
		request  bool
	}{
		{"result", `{"jsonrpc":"2.0","id":1,"result":{}}`, true, false},
		{"error", `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"nope"}}`, true, false},
		{"server request", `{"jsonrpc":"2.0","id":"srv-1","method":"ping"}`, false, true},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/progress"}`, false, false},
		{"null id", `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse"}}`, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m message
			if err := json.Unmarshal([]byte(tt.raw), &m); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := m.isResponse(); got != tt.response {
				t.Errorf("isResponse() = %v, want %v", got, tt.response)
			}
			if got := m.isRequest(); got != tt.request {
				t.Errorf("isRequest() = %v, want %v", got, tt.request)
			}
		})
	}
}

func TestMessageResponseIDs(t *testing.T) {
	tests := []struct {
		raw    string
		wantID int64
		ok     bool
	}{
		{`{"id":7,"result":{}}`, 7, true},
		{`{"id":"8","result":{}}`, 8, true},
		{`{"id":"abc","result":{}}`, 0, false},
	}
	for _, tt := range tests {
		var m message
		if err := json.Unmarshal([]byte(tt.raw), &m); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.raw, err)
		}
		resp, ok := m.response()
		if ok != tt.ok {
			t.Errorf("%s: ok = %v, want %v", tt.raw, ok, tt.ok)
			continue
		}
		if ok && resp.ID != tt.wantID {
			t.Errorf("%s: ID = %d, want %d", tt.raw, resp.ID, tt.wantID)
		}
	}
}

func TestReplyTo(t *testing.T) {
	ping := &message{ID: json.RawMessage(`"srv-1"`), Method: "ping"}
	r := replyTo(ping)
	if r.Error != nil {
		t.Fatalf("ping reply error = %v", r.Error)
	}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(data), `{"jsonrpc":"2.0","id":"srv-1","result":{}}`; got != want {
		t.Errorf("ping reply = %s, want %s", got, want)
	}

	other := replyTo(&message{ID: json.RawMessage(`3`), Method: "sampling/createMessage"})
	if other.Error == nil || other.Error.Code != CodeMethodNotFound {
		t.Errorf("unsupported request reply = %+v, want method not found", other)
	}
	if string(other.ID) != "3" {
		t.Errorf("reply id = %s, want 3", other.ID)
	}
}
