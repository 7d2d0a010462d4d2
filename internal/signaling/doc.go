// Package signaling is the WebSocket transport for the pairing relay.
//
// Each accepted socket becomes one device in the pairing hub. The reader
// goroutine forwards frames to the hub in arrival order; a writer goroutine
// drains a byte-bounded send queue so the hub never blocks on a slow peer.
package signaling
