// Package interfaces defines the contracts between the encryption core and
// its collaborators, separating interface definitions from implementations.
//
// # Device Contract
//
// DevicePrimitives is the low-level device interface the phase state
// machines sequence over: LUKS format/open/close/key-slot operations,
// filesystem shrink/expand, mount and fstab manipulation, device
// enumeration, and the resumable block copy. The copy sub-contract is what
// makes the phases crash-safe: implementations must update the slice cursor
// in the OngoingItem checkpoint and commit it after every slice.
//
// # Secret Contract
//
// SecretStore is the external escrow for protector material. The core
// blocks destructive operations until the protector for the current
// sequence number has been durably stored ("stamped").
//
// # Types
//
// DeviceItem describes one enumerated block device. Sentinel errors for the
// failure taxonomy (fail-closed lock, unsupported filesystem, device
// mismatch) live here so every layer can classify errors with errors.Is.
package interfaces
