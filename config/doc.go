// Package config implements the persisted configuration store that makes
// (de)cryption operations resumable across process crashes and VM reboots.
//
// Every record is a single JSON file under a well-known directory. Commits
// are write-temp-then-rename so a crash can never leave a half-written
// record; a torn record is treated identically to a missing one on the next
// read (clear-config semantics).
//
// Record types:
//
//   - CryptItem: durable identity of one encrypted volume (stored as a list).
//   - OngoingItem: the crash-resumption checkpoint for the single in-flight
//     operation. Its existence is itself the signal "resume required".
//   - EncryptionConfig: resolved key-wrapping metadata once a secret has been
//     escrowed.
//   - EncryptionMark / DecryptionMark: intent markers whose existence means a
//     run is owed.
//   - LastSequence: the idempotency gate's record of the last completed
//     invocation and its outcome.
//
// The store takes an afero.Fs so tests can run against an in-memory
// filesystem.
package config
