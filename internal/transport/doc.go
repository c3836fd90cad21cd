// Package transport owns the persistent connection to the remote
// frame-processing service.
//
// A Connector negotiates one of several strategies (websocket preferred,
// HTTP long-polling as fallback), runs a single read loop that dispatches
// server-pushed events in arrival order, and exposes fire-and-forget emits.
// Emits while disconnected are dropped, never queued: delivery is
// at-most-once and the next capture tick supersedes a lost frame.
package transport
