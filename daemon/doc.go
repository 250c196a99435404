// Package daemon ties the system together: one invocation takes the
// process lock, passes the sequence-number idempotency gate, restores
// mounts of registered volumes, then settles outstanding intent. Any
// in-flight checkpoint is finished first; a decryption mark then wins
// over a pending encryption mark. Marks are cleared only on success, so
// a failed run is retried by the next invocation, even one arriving at
// the same sequence number.
package daemon
