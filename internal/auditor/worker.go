package auditor

import (
	"context"

	"github.com/riverqueue/river"
)

// AuditArgs is the River job payload for an audit pass.
type AuditArgs struct{}

func (AuditArgs) Kind() string { return "wallet_audit" }

// AuditWorker runs one audit pass per job.
type AuditWorker struct {
	river.WorkerDefaults[AuditArgs]
	auditor *Auditor
}

// NewAuditWorker wraps an auditor as a River worker.
func NewAuditWorker(a *Auditor) *AuditWorker {
	return &AuditWorker{auditor: a}
}

func (w *AuditWorker) Work(ctx context.Context, job *river.Job[AuditArgs]) error {
	_, err := w.auditor.Run(ctx)
	return err
}
