// Package reconciler closes reservations whose deadline passed without the
// order collaborator ever settling or releasing them (crashed process,
// missed provider callback, client disconnect). Safety comes from the
// idempotency of Settle/Release, not from mutual exclusion: overlapping
// sweeps simply observe AlreadyClosed on second contact.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/smsrent/wallet-engine/internal/metrics"
	"github.com/smsrent/wallet-engine/internal/models"
	"github.com/smsrent/wallet-engine/internal/wallet"
)

// DefaultBatchSize bounds how many expired reservations one sweep handles.
const DefaultBatchSize = 200

// Closer is the slice of the wallet engine a sweep needs.
type Closer interface {
	Settle(ctx context.Context, reservationID, reason string) (*wallet.CloseResult, error)
	Release(ctx context.Context, reservationID, reason string, policy models.RefundPolicy) (*wallet.CloseResult, error)
}

// ExpiredLister is the slice of the store a sweep needs.
type ExpiredLister interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error)
}

// Sweeper finds overdue open reservations and drives each through the
// normal engine entry points. It holds no lock across a batch; every
// closure is independently atomic.
type Sweeper struct {
	store     ExpiredLister
	engine    Closer
	log       *slog.Logger
	batchSize int

	Clock func() time.Time
}

// NewSweeper creates a sweeper. batchSize <= 0 uses DefaultBatchSize.
func NewSweeper(st ExpiredLister, engine Closer, log *slog.Logger, batchSize int) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Sweeper{
		store:     st,
		engine:    engine,
		log:       log,
		batchSize: batchSize,
		Clock:     func() time.Time { return time.Now().UTC() },
	}
}

// Stats summarizes one sweep.
type Stats struct {
	Scanned       int
	Released      int
	Settled       int
	AlreadyClosed int
	Failed        int
}

// Sweep closes expired reservations, one batch. A failure on one item is
// logged and skipped; the item stays open and eligible for the next tick.
// Cancellation is cooperative between items and never leaves partial state.
func (s *Sweeper) Sweep(ctx context.Context) (Stats, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var stats Stats
	expired, err := s.store.ListExpired(ctx, s.Clock(), s.batchSize)
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(expired)

	for i := range expired {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		res := &expired[i]

		var result *wallet.CloseResult
		var closeErr error
		switch res.OnTimeout {
		case models.TimeoutSettle:
			result, closeErr = s.engine.Settle(ctx, res.ID, "timeout")
		default:
			result, closeErr = s.engine.Release(ctx, res.ID, "timeout", models.RefundToBalance)
		}

		switch {
		case closeErr != nil:
			stats.Failed++
			s.log.Error("sweep item failed, will retry next tick",
				"reservation_id", res.ID, "account_id", res.AccountID, "error", closeErr)
		case result.AlreadyClosed:
			stats.AlreadyClosed++
		case res.OnTimeout == models.TimeoutSettle:
			stats.Settled++
			metrics.SweepClosedTotal.WithLabelValues("settle").Inc()
		default:
			stats.Released++
			metrics.SweepClosedTotal.WithLabelValues("release").Inc()
		}
	}

	if stats.Scanned > 0 {
		s.log.Info("sweep complete",
			"scanned", stats.Scanned, "released", stats.Released,
			"settled", stats.Settled, "already_closed", stats.AlreadyClosed,
			"failed", stats.Failed)
	}
	return stats, nil
}
