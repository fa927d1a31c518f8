// Package session owns client session reliability settings.
//
// Ownership boundary:
// - timeouts for handshake, writes, requests and heartbeat probes
// - reconnect backoff and attempt bounds
// - credential refresh mode, period and validity window
// - websocket address normalization and wss TLS settings
package session
