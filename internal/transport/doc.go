// Package transport owns the single duplex websocket connection of a session.
//
// Ownership boundary:
// - dial, read loop and serialized writes for one connection attempt
// - connection state (idle, connecting, open, closing, closed)
// - the event stream: opened, data, errored, closed
//
// A Channel is single-use: every Open produces exactly one closed event, after
// which the event stream is closed. Reconnecting means a new Channel.
package transport
