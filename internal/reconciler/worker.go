package reconciler

import (
	"context"

	"github.com/riverqueue/river"
)

// SweepArgs is the River job payload for a reconciler sweep. The job is
// inserted periodically; the payload carries no state because each sweep
// re-queries the store for what is currently expired.
type SweepArgs struct{}

func (SweepArgs) Kind() string { return "reservation_sweep" }

// SweepWorker runs a sweep per job. Concurrent or re-queued sweeps are safe
// because every closure is idempotent.
type SweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	sweeper *Sweeper
}

// NewSweepWorker wraps a sweeper as a River worker.
func NewSweepWorker(s *Sweeper) *SweepWorker {
	return &SweepWorker{sweeper: s}
}

func (w *SweepWorker) Work(ctx context.Context, job *river.Job[SweepArgs]) error {
	_, err := w.sweeper.Sweep(ctx)
	return err
}
