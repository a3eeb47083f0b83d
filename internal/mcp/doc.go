// Package mcp is the client side of the Model Context Protocol over
// stdio. Each configured tool server runs as a subprocess; JSON-RPC 2.0
// frames travel one per line on its stdin and stdout.
//
// A [StdioTransport] owns the subprocess and a single reader goroutine
// that routes responses to waiting callers by request id, so several
// tools/call requests can be in flight on one server at once. A
// [Client] layers the typed MCP methods (initialize, tools/list,
// tools/call, ping) on top of any [Transport].
package mcp
