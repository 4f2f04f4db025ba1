// Package auditor is the read-only safety net over the wallet engine: a
// low-frequency pass that recomputes every account's expected frozen total
// and reports drift. It never writes balances. Its bounded repair mode only
// closes overdue reservations through the engine's Release entry point, so
// every correction stays on the ledger event trail.
package auditor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/smsrent/wallet-engine/internal/metrics"
	"github.com/smsrent/wallet-engine/internal/models"
	"github.com/smsrent/wallet-engine/internal/wallet"
)

// Severity ranks a finding by drift magnitude and age.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Finding is one account's audit result with non-zero drift or overdue
// open reservations.
type Finding struct {
	Report   wallet.Report `json:"report"`
	Severity Severity      `json:"severity"`
	// OverdueAge is how long the oldest overdue reservation has been past
	// its deadline, zero if none.
	OverdueAge time.Duration `json:"overdue_age_seconds"`
}

// Engine is the slice of the wallet engine the auditor uses.
type Engine interface {
	Reconcile(ctx context.Context, accountID uuid.UUID) (*wallet.Report, error)
	Release(ctx context.Context, reservationID, reason string, policy models.RefundPolicy) (*wallet.CloseResult, error)
}

// AccountSource lists the accounts and open reservations to audit.
type AccountSource interface {
	ListAccountIDs(ctx context.Context) ([]uuid.UUID, error)
	ListOpenByAccount(ctx context.Context, accountID uuid.UUID) ([]models.Reservation, error)
}

// Auditor runs the cross-account health check.
type Auditor struct {
	store  AccountSource
	engine Engine
	log    *slog.Logger

	// RepairLimit bounds how many overdue reservations one pass may close.
	// Zero disables repair: the pass only reports.
	RepairLimit int

	Clock func() time.Time
}

// New creates an auditor. Repair is off unless RepairLimit is set.
func New(st AccountSource, engine Engine, log *slog.Logger) *Auditor {
	if log == nil {
		log = slog.Default()
	}
	return &Auditor{
		store:  st,
		engine: engine,
		log:    log,
		Clock:  func() time.Time { return time.Now().UTC() },
	}
}

// Run audits every account and returns the findings. Failures on one
// account are logged and skipped so one bad row cannot hide the rest.
func (a *Auditor) Run(ctx context.Context) ([]Finding, error) {
	ids, err := a.store.ListAccountIDs(ctx)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	var driftAbs int64
	repaired := 0

	for _, accountID := range ids {
		if err := ctx.Err(); err != nil {
			return findings, err
		}

		report, err := a.engine.Reconcile(ctx, accountID)
		if err != nil {
			a.log.Error("audit reconcile failed", "account_id", accountID, "error", err)
			continue
		}
		if report.Drift == 0 && report.OldestOverdue == nil {
			continue
		}

		f := a.finding(report)
		findings = append(findings, f)
		if report.Drift < 0 {
			driftAbs -= report.Drift
		} else {
			driftAbs += report.Drift
		}

		a.log.Warn("frozen balance drift",
			"account_id", report.AccountID,
			"stored_frozen", report.StoredFrozen,
			"expected_frozen", report.ExpectedFrozen,
			"drift", report.Drift,
			"open_reservations", report.OpenReservations,
			"overdue_age", f.OverdueAge,
			"severity", f.Severity)

		if a.RepairLimit > 0 && repaired < a.RepairLimit {
			n, err := a.repairOverdue(ctx, accountID, a.RepairLimit-repaired)
			if err != nil {
				a.log.Error("audit repair failed", "account_id", accountID, "error", err)
			}
			repaired += n
		}
	}

	metrics.AuditDriftAccounts.Set(float64(len(findings)))
	metrics.AuditDriftAbsTotal.Set(float64(driftAbs))
	return findings, nil
}

func (a *Auditor) finding(report *wallet.Report) Finding {
	var age time.Duration
	if report.OldestOverdue != nil {
		age = a.Clock().Sub(*report.OldestOverdue)
	}

	drift := report.Drift
	if drift < 0 {
		drift = -drift
	}
	severity := SeverityInfo
	switch {
	case drift >= 100 || age > 24*time.Hour:
		severity = SeverityCritical
	case drift > 0 || age > time.Hour:
		severity = SeverityWarning
	}

	return Finding{Report: *report, Severity: severity, OverdueAge: age}
}

// repairOverdue closes up to limit overdue open reservations through
// Release. Reservations still inside their deadline are left alone.
func (a *Auditor) repairOverdue(ctx context.Context, accountID uuid.UUID, limit int) (int, error) {
	open, err := a.store.ListOpenByAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}

	now := a.Clock()
	closed := 0
	for i := range open {
		if closed >= limit {
			break
		}
		if !open[i].Deadline.Before(now) {
			continue
		}
		result, err := a.engine.Release(ctx, open[i].ID, "audit repair", models.RefundToBalance)
		if err != nil {
			return closed, err
		}
		if !result.AlreadyClosed {
			closed++
			a.log.Info("audit repair released overdue reservation",
				"account_id", accountID, "reservation_id", open[i].ID, "amount", open[i].Amount)
		}
	}
	return closed, nil
}
