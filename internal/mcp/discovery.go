package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ToolDescriptor is one tool a server advertised. It is read-only and
// only meaningful while its session lives.
type ToolDescriptor struct {
	Server      string          `json:"server_name"`
	Name        string          `json:"tool_name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"schema"`
}

// emptyObjectSchema stands in for tools that advertise no input schema.
var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// Discover performs the handshake (if it has not happened yet) and the
// tool listing over c. Transport failures, including a server that
// exits or hangs during the handshake, come back as *ConnectError;
// protocol errors and malformed payloads as *DiscoveryError.
func Discover(ctx context.Context, c *Client) ([]ToolDescriptor, error) {
	if !c.Initialized() {
		if err := c.Initialize(ctx); err != nil {
			return nil, classify(c.Name(), err)
		}
	}

	defs, err := c.ListTools(ctx)
	if err != nil {
		return nil, classify(c.Name(), err)
	}

	out := make([]ToolDescriptor, 0, len(defs))
	seen := make(map[string]bool, len(defs))
	for i, d := range defs {
		if d.Name == "" {
			return nil, &DiscoveryError{Server: c.Name(), Err: fmt.Errorf("%w: tool %d has no name", ErrMalformedResponse, i)}
		}
		if seen[d.Name] {
			return nil, &DiscoveryError{Server: c.Name(), Err: fmt.Errorf("%w: duplicate tool %q", ErrMalformedResponse, d.Name)}
		}
		seen[d.Name] = true

		schema := bytes.TrimSpace(d.InputSchema)
		switch {
		case len(schema) == 0 || bytes.Equal(schema, []byte("null")):
			schema = emptyObjectSchema
		case schema[0] != '{':
			return nil, &DiscoveryError{Server: c.Name(), Err: fmt.Errorf("%w: tool %q input schema is not an object", ErrMalformedResponse, d.Name)}
		}

		out = append(out, ToolDescriptor{
			Server:      c.Name(),
			Name:        d.Name,
			Description: d.Description,
			InputSchema: append(json.RawMessage(nil), schema...),
		})
	}
	return out, nil
}

// classify maps a handshake or listing failure onto the error
// taxonomy. A server that answered, but wrongly, failed discovery;
// anything else means it was never properly reachable.
func classify(server string, err error) error {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) || errors.Is(err, ErrMalformedResponse) {
		return &DiscoveryError{Server: server, Err: err}
	}
	return &ConnectError{Server: server, Err: err}
}
