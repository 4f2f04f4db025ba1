// Package store is the persistence layer for wallet money state: account
// balances, per-order reservations, and the append-only ledger event log.
// PostgreSQL is the source of truth; Redis is an optional read-through cache
// for account rows; the in-memory store backs tests and local development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/smsrent/wallet-engine/internal/models"
)

var (
	// ErrAccountNotFound is returned for an unknown account id.
	ErrAccountNotFound = errors.New("account not found")
	// ErrReservationNotFound is returned for an unknown reservation id.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrConflict is returned when an optimistic version check fails:
	// a concurrent writer already changed the row. Nothing was applied.
	ErrConflict = errors.New("version conflict")
	// ErrDuplicateReservation is returned when inserting a reservation id
	// that already exists.
	ErrDuplicateReservation = errors.New("reservation already exists")
)

// AccountMutation sets an account's balance and frozen totals, guarded by
// the version read before the mutation was computed.
type AccountMutation struct {
	AccountID       uuid.UUID
	Balance         int64
	Frozen          int64
	ExpectedVersion int64
}

// ReservationMutation either inserts a new reservation (Create) or applies a
// version-checked state transition to an existing one (Update). Exactly one
// of the two is set.
type ReservationMutation struct {
	Create *models.Reservation
	Update *ReservationUpdate
}

// ReservationUpdate moves a reservation into a terminal state.
type ReservationUpdate struct {
	ReservationID   string
	State           models.ReservationState
	ClosedAt        time.Time
	ExpectedVersion int64
}

// Store is the durable ledger interface. Apply is the only write path for
// money state and commits the account mutation, the reservation mutation
// (if any), and the ledger event as one atomic unit: on ErrConflict nothing
// is applied, never a partial write.
type Store interface {
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)

	Apply(ctx context.Context, acc *AccountMutation, res *ReservationMutation, event *models.LedgerEvent) error

	// ListOpenByAccount returns the open reservations owned by the account.
	ListOpenByAccount(ctx context.Context, accountID uuid.UUID) ([]models.Reservation, error)
	// ListExpired returns up to limit open reservations whose deadline is
	// before now, oldest deadline first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error)
	// ListAccountIDs returns all account ids, for audit sweeps.
	ListAccountIDs(ctx context.Context) ([]uuid.UUID, error)

	EventsByReservation(ctx context.Context, reservationID string) ([]models.LedgerEvent, error)
	EventsByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]models.LedgerEvent, error)
}
