// Package ipc carries messages between the extension host and the privileged
// process that owns it.
//
// Transports move whole messages: StdioTransport (newline-delimited JSON),
// WebSocketTransport (one connected peer) and Pipe (in memory, for tests).
// Bridge sits on top of a transport and correlates outbound api:call
// messages with their responses. Each call settles exactly once, on the
// first of response, timeout, context cancellation or Cleanup.
package ipc
