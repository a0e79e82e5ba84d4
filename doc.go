// Package bridge is the root of the mcp-bridge module, a resilient bridge
// between tool consumers and a remote MCP endpoint.
//
// The module is organized as a set of focused packages:
//
//   - pkg/protocol: JSON-RPC message types, endpoint primitives, and the
//     broker/consumer envelope protocol.
//   - pkg/transport: the reconnecting endpoint client with streamable HTTP
//     and legacy SSE transports, middleware, and Prometheus/OTel hooks.
//   - pkg/supervisor: connection lifecycle management with single-flight
//     dials, exponential backoff, and a permanent-failure budget.
//   - pkg/primitives: the cached view of the endpoint's tools, resources,
//     and prompts.
//   - pkg/broker: the multiplexing hub that serves consumer sessions over
//     WebSocket against the single endpoint connection.
//   - pkg/stub: the consumer-side client of the broker.
//   - pkg/configstore: persistent endpoint configuration.
//
// The bridge daemon itself lives in cmd/bridged.
package bridge
