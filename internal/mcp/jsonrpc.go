package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is non-nil in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// message is the envelope used to classify anything a server sends.
// The ID stays raw because server-initiated requests may use string
// ids, which must be echoed back verbatim.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (m *message) hasID() bool {
	return len(m.ID) > 0 && string(m.ID) != "null"
}

// isResponse reports whether m answers one of our requests.
func (m *message) isResponse() bool {
	return m.hasID() && m.Method == ""
}

// isRequest reports whether m is a server-initiated request.
func (m *message) isRequest() bool {
	return m.hasID() && m.Method != ""
}

// response converts m to a Response. Our request ids are always
// integers; a string id that holds an integer is accepted too.
func (m *message) response() (*Response, bool) {
	var id int64
	if err := json.Unmarshal(m.ID, &id); err != nil {
		var s string
		if err := json.Unmarshal(m.ID, &s); err != nil {
			return nil, false
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, false
		}
		id = n
	}
	return &Response{
		JSONRPC: m.JSONRPC,
		ID:      id,
		Result:  m.Result,
		Error:   m.Error,
	}, true
}

// rawResponse answers a server-initiated request, echoing its raw id.
type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// replyTo builds the answer to a server-initiated request. Only ping is
// supported; anything else is refused with method-not-found.
func replyTo(m *message) *rawResponse {
	if m.Method == "ping" {
		return &rawResponse{JSONRPC: jsonrpcVersion, ID: m.ID, Result: struct{}{}}
	}
	return &rawResponse{
		JSONRPC: jsonrpcVersion,
		ID:      m.ID,
		Error: &RPCError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method %q not supported by client", m.Method),
		},
	}
}
