// Package protocol owns the chat wire contract.
//
// Ownership boundary:
// - envelope header/buffer encoding
// - protocol keys (main/sub numbers)
// - opaque payload handling with decode-at-use
// - status payloads shared by auth, refresh and request replies
//
// The buffer field is independently JSON-encoded before it is embedded in
// the envelope, so on the wire it is a JSON string holding JSON text.
package protocol
