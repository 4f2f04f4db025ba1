package models

import (
	"time"

	"github.com/google/uuid"
)

// ReservationState is the closed set of states a reservation moves through.
// Open transitions to exactly one of Settled or Released and never back.
type ReservationState string

const (
	ReservationOpen     ReservationState = "open"
	ReservationSettled  ReservationState = "settled"
	ReservationReleased ReservationState = "released"
)

// Terminal reports whether the state admits no further transitions.
func (s ReservationState) Terminal() bool {
	return s == ReservationSettled || s == ReservationReleased
}

// TimeoutPolicy tells the reconciler how to close a reservation whose
// deadline passed without the caller ever settling or releasing it.
type TimeoutPolicy string

const (
	// TimeoutRelease un-freezes the amount on timeout (default).
	TimeoutRelease TimeoutPolicy = "release"
	// TimeoutSettle charges the amount on timeout (expired but delivered).
	TimeoutSettle TimeoutPolicy = "settle"
)

// RefundPolicy controls what Release does with the frozen amount.
type RefundPolicy string

const (
	// RefundToBalance un-freezes the amount; balance is untouched because
	// the credits were never debited, only earmarked.
	RefundToBalance RefundPolicy = "to_balance"
	// RefundConsumed un-freezes and debits: the service was partially
	// delivered, so the credits are spent even though the order failed.
	RefundConsumed RefundPolicy = "consumed"
)

// Reservation is an earmark of credits against an account, keyed by the
// caller's own order id so retries of the same logical order are idempotent.
// Amount is fixed at creation. While the state is Open the amount counts
// exactly once toward the owning account's Frozen total.
type Reservation struct {
	ID        string           `json:"id"`
	AccountID uuid.UUID        `json:"account_id"`
	Amount    int64            `json:"amount"`
	State     ReservationState `json:"state"`
	OnTimeout TimeoutPolicy    `json:"on_timeout"`
	Deadline  time.Time        `json:"deadline"`
	Version   int64            `json:"-"`
	CreatedAt time.Time        `json:"created_at"`
	ClosedAt  *time.Time       `json:"closed_at,omitempty"`
}
