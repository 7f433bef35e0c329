// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns a single persistent WebSocket to the collaboration server
//   - Queues outbound messages while disconnected, flushes FIFO on open
//   - Recovers unclean closes with bounded exponential backoff
//   - Emits lifecycle events through a held pubsub registry: open, message,
//     close, error, reconnecting, reconnected, reconnect_failed
package connection
