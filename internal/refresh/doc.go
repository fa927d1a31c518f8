// Package refresh owns proactive renewal of the session credential.
//
// Ownership boundary:
// - staleness policies (always stale, age based, JWT expiry)
// - the periodic check and the single outstanding refresh request
// - compare-and-swap of the active credential on success
// - stopping itself on an authorization-class failure
package refresh
