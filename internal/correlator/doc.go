// Package correlator matches asynchronous responses to in-flight requests.
//
// Ownership boundary:
// - monotonic request id allocation (0 is reserved for pre-auth frames)
// - pending request table with per-request timeout timers
// - exactly-once completion: response, timeout, rejection or connection loss,
//   whichever happens first
//
// One Correlator is shared by every sender on a session; there is never a
// second counter or pending table.
package correlator
