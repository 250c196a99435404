package daemon

import (
	"log/slog"

	"github.com/cloudvolt/diskcryptd/config"
)

// Gate is the sequence-number idempotency gate. The platform retries
// invocations, always with the same or a higher sequence number; a
// sequence that already completed must replay its recorded outcome
// instead of re-running a destructive operation.
type Gate struct {
	store *config.Store
	log   *slog.Logger
}

// NewGate returns a gate over the config store.
func NewGate(store *config.Store, log *slog.Logger) *Gate {
	return &Gate{store: store, log: log}
}

// Check decides whether a sequence number should run. A sequence at or
// below the last completed one returns the recorded outcome to replay.
func (g *Gate) Check(seq int64) (replay *config.LastSequence, shouldRun bool, err error) {
	last, err := g.store.LoadLastSequence()
	if err != nil {
		return nil, false, err
	}
	if last == nil || seq > last.Sequence {
		return nil, true, nil
	}
	return last, false, nil
}

// Record persists the outcome of a completed run so a retried sequence
// can replay it.
func (g *Gate) Record(seq int64, operation string, runErr error) error {
	rec := &config.LastSequence{
		Sequence:  seq,
		Operation: operation,
		Succeeded: runErr == nil,
	}
	if runErr != nil {
		rec.Message = runErr.Error()
	}
	g.log.Info("Recorded invocation outcome",
		slog.Int64("seq", seq),
		slog.String("operation", operation),
		slog.Bool("succeeded", rec.Succeeded))
	return g.store.CommitLastSequence(rec)
}
