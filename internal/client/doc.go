// Package client owns the session state machine exposed to the presentation
// layer.
//
// Ownership boundary:
// - connect / authenticate / call / disconnect
// - session identity and the active credential
// - one live transport at a time and the frame pump that feeds the correlator
// - wiring heartbeat, reconnect and refresh to the session and republishing
//   their events in order
//
// Subscribers are called from a single dispatcher goroutine in emission order
// and may call back into the Coordinator.
package client
