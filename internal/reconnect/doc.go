// Package reconnect owns bounded automatic recovery after an unexpected close.
//
// Ownership boundary:
// - attempt counting and exponential backoff scheduling
// - a single in-flight redial at a time
// - terminal failure after the attempt bound, until Reset
// - cancellation of pending backoff timers and in-flight redials
package reconnect
