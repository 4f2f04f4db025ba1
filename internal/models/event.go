package models

import (
	"time"

	"github.com/google/uuid"
)

// EventKind is the closed set of ledger event types.
type EventKind string

const (
	EventReserve EventKind = "reserve"
	EventSettle  EventKind = "settle"
	EventRelease EventKind = "release"
	EventDeposit EventKind = "deposit"
)

// LedgerEvent is an append-only audit record of one balance/frozen mutation.
// Events are never updated or deleted; the auditor recomputes expected
// account state from them independently of the account rows.
type LedgerEvent struct {
	ID            uuid.UUID `json:"id"`
	ReservationID string    `json:"reservation_id,omitempty"`
	AccountID     uuid.UUID `json:"account_id"`
	Kind          EventKind `json:"kind"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	FrozenBefore  int64     `json:"frozen_before"`
	FrozenAfter   int64     `json:"frozen_after"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}
