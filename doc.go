// Package mcpbridge implements the transport and protocol core that lets a host
// application expose callable tools, readable resources, and templated prompts to
// an AI client over the Model Context Protocol (MCP), a JSON-RPC 2.0 based
// protocol. It follows the official specification from
// https://spec.modelcontextprotocol.io/specification/.
//
// The package is organized around a small set of composable components: a
// Framer that turns byte streams into discrete JSON-RPC messages (and
// back) using either line-delimited or Content-Length header framing, a
// CapabilityNegotiator that reconciles client and server capabilities against
// the set of registered components, a resilience layer (retry, circuit breaker,
// reconnection), batching and connection pooling for outgoing traffic, and a
// NotificationBroker that fans out asynchronous protocol notifications to
// subscribed peers, including an SSE-style streaming delivery mode.
//
// The Dispatcher and Server compose these pieces into the request/response
// flow a bridge runs per connection. Transports for stdio pipes and Server-Sent
// Events over HTTP are included.
package mcpbridge
