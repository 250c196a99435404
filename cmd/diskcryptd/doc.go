// Command diskcryptd is the disk encryption settlement daemon. One
// invocation records the requested command, takes the machine-wide lock
// and settles outstanding intent: resuming an interrupted in-place
// operation first, then running whatever mark is pending. The platform
// dispatch shell invokes it with a monotonically increasing sequence
// number; replayed sequence numbers return the recorded outcome instead
// of re-running.
package main
