package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ErrorKind classifies a failed tool call in a machine-readable way so
// the reasoning loop can react without parsing messages.
type ErrorKind string

// Error kinds carried on a failed [Result].
const (
	// ErrorTimeout means the server did not answer within the timeout.
	// The session stays usable.
	ErrorTimeout ErrorKind = "timeout"
	// ErrorTool means the server reported a failure executing the tool.
	ErrorTool ErrorKind = "tool_error"
	// ErrorConnectionLost means the session died mid-call. Further calls
	// to the same server fail fast until it is re-registered.
	ErrorConnectionLost ErrorKind = "connection_lost"
	// ErrorCall means the call was rejected locally (bad arguments,
	// unknown tool or server) without contacting any server.
	ErrorCall ErrorKind = "call_error"
	// ErrorCancelled means the caller's context was cancelled.
	ErrorCancelled ErrorKind = "cancelled"
)

// Block is one piece of tool output. Text blocks carry Text; image and
// audio blocks carry base64 Data with a MIMEType; resource blocks carry
// a URI and, when embedded, Text.
type Block struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// Result is the outcome of a single tool invocation.
type Result struct {
	Succeeded  bool            `json:"succeeded"`
	Content    []Block         `json:"content,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`
	ErrorKind  ErrorKind       `json:"error_kind,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// Success returns a successful result carrying the given blocks.
func Success(blocks ...Block) *Result {
	return &Result{Succeeded: true, Content: blocks}
}

// TextResult returns a successful result with a single text block.
func TextResult(text string) *Result {
	return Success(Block{Type: "text", Text: text})
}

// Failure returns a failed result of the given kind.
func Failure(kind ErrorKind, format string, args ...any) *Result {
	return &Result{ErrorKind: kind, Message: fmt.Sprintf(format, args...)}
}

// Text renders the result as plain text. Non-text blocks are replaced
// by short placeholders. A failed result renders as its error block.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	if !r.Succeeded {
		return fmt.Sprintf("Error [%s]: %s", r.ErrorKind, r.Message)
	}

	var parts []string
	for _, b := range r.Content {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image", "audio":
			parts = append(parts, fmt.Sprintf("[%s: %s]", b.Type, b.MIMEType))
		case "resource", "resource_link":
			if b.Text != "" {
				parts = append(parts, b.Text)
			} else {
				parts = append(parts, fmt.Sprintf("[resource: %s]", b.URI))
			}
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	if len(parts) == 0 && len(r.Structured) > 0 {
		return string(r.Structured)
	}
	return strings.Join(parts, "\n")
}
