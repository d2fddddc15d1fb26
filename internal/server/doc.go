// Package server provides the HTTP view of the embedded broker.
//
// It serves the topic tree as JSON, streams topic updates over Server-Sent
// Events and WebSocket, and exposes Prometheus metrics and a health check
// reporting the adapter state.
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
package server
