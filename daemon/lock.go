package daemon

import (
	"fmt"
	"log/slog"

	"github.com/gofrs/flock"

	"github.com/cloudvolt/diskcryptd/interfaces"
)

// ProcessLock serializes daemon invocations on one machine through an
// advisory file lock. Two concurrent daemons rewriting the same devices
// would corrupt them, so a held lock is fatal: the loser exits without
// touching any state.
type ProcessLock struct {
	flock *flock.Flock
	log   *slog.Logger
}

// NewProcessLock returns a lock over the given path.
func NewProcessLock(path string, log *slog.Logger) *ProcessLock {
	return &ProcessLock{flock: flock.New(path), log: log}
}

// Acquire takes the lock without blocking. A lock held elsewhere returns
// ErrLockHeld.
func (l *ProcessLock) Acquire() error {
	locked, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to take the process lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%s: %w", l.flock.Path(), interfaces.ErrLockHeld)
	}
	l.log.Debug("Acquired process lock", slog.String("path", l.flock.Path()))
	return nil
}

// Release drops the lock.
func (l *ProcessLock) Release() {
	if err := l.flock.Unlock(); err != nil {
		l.log.Warn("Could not release the process lock", "err", err)
	}
}
