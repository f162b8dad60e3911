// Package mcpscope implements the client side of the Model Context Protocol
// (MCP) for interactive inspection of servers: connecting over stdio, SSE, or
// streamable HTTP, correlating JSON-RPC requests with responses, answering
// server-initiated sampling, elicitation, and roots requests, driving
// task-augmented tool calls to completion, and running the authorization-code
// flow with PKCE against protected servers.
//
// The package is the protocol core behind the mcpscope command; higher level
// concerns such as connection orchestration and the CLI live under internal/.
package mcpscope
