// Package heartbeat owns periodic liveness probing of an established session.
//
// Ownership boundary:
// - probe cadence and the bounded wait for each pong
// - Idle / Armed / AwaitingPong state
// - declaring connection loss on probe timeout (force close + event)
// - latency banding for observability
//
// The monitor never reconnects; the close it forces flows to whoever owns
// reconnection.
package heartbeat
