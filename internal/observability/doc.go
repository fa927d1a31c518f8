// Package observability owns process metrics and the local status endpoint.
//
// Ownership boundary:
// - prometheus collectors for session, heartbeat, reconnect and refresh events
// - gin middleware that logs and measures status endpoint requests
// - the /metrics, /healthz and /status router
package observability
