// Package mcp connects an agent instance to external MCP (Model Context
// Protocol) tool servers and exposes their tools as capabilities.
//
// MCP is JSON-RPC 2.0 over one of four transports: stdio (subprocess),
// HTTP with server-sent events, streamable HTTP, and WebSocket. A
// [Client] drives one session over any [Transport]: the initialize
// handshake, tools/list discovery and tools/call invocation.
//
// Server descriptors come from configuration in two scopes, global and
// per agent, and are combined with [Merge]. A [Manager] brings every
// server of the merged set up in parallel, registers the discovered
// tools through a [Registrar] (direct mode: one capability per tool;
// wrapper mode: the shared call_tool/list_tools pair) and closes every
// session on teardown. Calls go through an [Invoker], which turns
// every outcome, including timeouts and lost connections, into a
// [tools.Result] instead of an error.
//
// This package is the client side only; toolhost does not act as an
// MCP server.
package mcp
