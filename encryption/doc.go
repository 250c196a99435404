// Package encryption contains the phase state machines that apply and
// reverse LUKS encryption in place on live block devices, the selection
// policy deciding which devices a bulk command touches, and the bulk
// drivers sequencing volumes one at a time.
//
// Every machine advances through explicit phases and persists an
// OngoingItem checkpoint after each transition and each copied slice. A
// machine returns the phase it stopped in; PhaseDone means success, any
// other phase means the operation can be resumed from exactly that phase by
// re-running the machine with a freshly loaded checkpoint. The only
// exception is a failed preflight (unsupported filesystem, no shrink
// headroom), which clears the checkpoint entirely: re-running would fail
// the same way, so the operation must be re-requested from the top.
package encryption
