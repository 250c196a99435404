// Package diskutil implements the device primitive layer: LUKS operations
// through the cryptsetup binary, ext-family filesystem resizing, mount and
// fstab manipulation, block device enumeration, and the resumable slice
// copier that the in-place phase machines drive.
//
// The copier is the crash-safety workhorse: it copies a byte range in fixed
// slices and invokes a commit callback after every slice, so that the
// persisted cursor plus the on-disk state always identify the exact resume
// point. All other operations here are best-effort wrappers around system
// tools; sequencing and recovery live in the encryption package.
package diskutil
