// Package wallet implements the transactional core of the credit ledger.
// Reserve, Settle, Release, and Deposit are the only ways money state
// changes; each commits as a single atomic unit against the store so a
// frozen amount is always either consumed or returned exactly once.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/smsrent/wallet-engine/internal/metrics"
	"github.com/smsrent/wallet-engine/internal/models"
	"github.com/smsrent/wallet-engine/internal/registry"
	"github.com/smsrent/wallet-engine/internal/store"
)

var (
	// ErrInsufficientFunds is returned when spendable credits are below the
	// requested reservation amount.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidAmount is returned for a zero or negative amount.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrReservationClosed is returned when a reserve reuses an id whose
	// reservation already reached a terminal state. Ids are never re-opened.
	ErrReservationClosed = errors.New("reservation id already closed")
	// ErrWrongAccount is returned when a reserve reuses an id that was
	// created under a different account. A caller bug: reservation ids are
	// the caller's order ids and an order belongs to one account.
	ErrWrongAccount = errors.New("reservation id belongs to another account")
	// ErrBusy is returned when conflict retries are exhausted. The outcome
	// is unknown: callers must re-query before retrying, never blind-retry
	// reserve with a fresh id.
	ErrBusy = errors.New("wallet busy, outcome unknown")

	// ErrAccountNotFound and ErrReservationNotFound are re-exported so
	// callers do not need to import the store package.
	ErrAccountNotFound     = store.ErrAccountNotFound
	ErrReservationNotFound = store.ErrReservationNotFound
)

// maxConflictRetries bounds how many times an operation re-reads and
// re-applies after a storage version conflict before surfacing ErrBusy.
const maxConflictRetries = 3

// Engine is the wallet engine. Safe for concurrent callers: operations on
// one account serialize through the registry guard, then commit through the
// store's optimistic version check.
type Engine struct {
	store    store.Store
	registry *registry.Registry
	log      *slog.Logger

	// Clock supplies the current time for event timestamps and close
	// times. Overridable in tests.
	Clock func() time.Time
}

// NewEngine creates a wallet engine.
func NewEngine(st store.Store, reg *registry.Registry, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:    st,
		registry: reg,
		log:      log,
		Clock:    func() time.Time { return time.Now().UTC() },
	}
}

// ReserveResult reports the outcome of a Reserve call. AlreadyOpen means an
// open reservation with this id existed and nothing changed.
type ReserveResult struct {
	AlreadyOpen bool
	Reservation *models.Reservation
	Account     *models.Account
}

// CloseResult reports the outcome of a Settle or Release call. AlreadyClosed
// means the reservation was in a terminal state and nothing changed.
type CloseResult struct {
	AlreadyClosed bool
	Reservation   *models.Reservation
	Account       *models.Account
}

// Report compares an account's stored frozen total against the sum of its
// open reservations. Drift is stored minus expected; zero means healthy.
type Report struct {
	AccountID        uuid.UUID  `json:"account_id"`
	StoredFrozen     int64      `json:"stored_frozen"`
	ExpectedFrozen   int64      `json:"expected_frozen"`
	Drift            int64      `json:"drift"`
	OpenReservations int        `json:"open_reservations"`
	OldestOverdue    *time.Time `json:"oldest_overdue,omitempty"`
}

// Reserve freezes amount against the account under the caller-supplied
// reservation id. Calling it again with the same id while the reservation
// is open is a no-op returning AlreadyOpen, so order-creation retries can
// never double-freeze.
func (e *Engine) Reserve(ctx context.Context, accountID uuid.UUID, reservationID string, amount int64, deadline time.Time, onTimeout models.TimeoutPolicy) (*ReserveResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if reservationID == "" {
		return nil, fmt.Errorf("reservation id is required")
	}
	if onTimeout == "" {
		onTimeout = models.TimeoutRelease
	}

	unlock := e.registry.Lock(accountID)
	defer unlock()

	// Fast idempotency check before touching storage.
	if e.registry.ContainsOpen(reservationID) {
		existing, err := e.store.GetReservation(ctx, reservationID)
		if err != nil {
			return nil, err
		}
		if existing.AccountID != accountID {
			return nil, fmt.Errorf("reserve %s for %s: %w", reservationID, accountID, ErrWrongAccount)
		}
		if existing.State == models.ReservationOpen {
			acc, err := e.store.GetAccount(ctx, accountID)
			if err != nil {
				return nil, err
			}
			metrics.WalletOpsTotal.WithLabelValues("reserve", "already_open").Inc()
			return &ReserveResult{AlreadyOpen: true, Reservation: existing, Account: acc}, nil
		}
		e.registry.MarkClosed(reservationID)
		return nil, ErrReservationClosed
	}

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		// Existing id: open means idempotent no-op, closed means the id
		// is burned for good.
		existing, err := e.store.GetReservation(ctx, reservationID)
		if err == nil {
			if existing.AccountID != accountID {
				return nil, fmt.Errorf("reserve %s for %s: %w", reservationID, accountID, ErrWrongAccount)
			}
			if existing.State == models.ReservationOpen {
				e.registry.MarkOpen(existing.ID, existing.AccountID)
				acc, accErr := e.store.GetAccount(ctx, accountID)
				if accErr != nil {
					return nil, accErr
				}
				metrics.WalletOpsTotal.WithLabelValues("reserve", "already_open").Inc()
				return &ReserveResult{AlreadyOpen: true, Reservation: existing, Account: acc}, nil
			}
			return nil, ErrReservationClosed
		}
		if !errors.Is(err, store.ErrReservationNotFound) {
			return nil, err
		}

		acc, err := e.store.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if acc.Spendable() < amount {
			metrics.WalletOpsTotal.WithLabelValues("reserve", "insufficient_funds").Inc()
			return nil, ErrInsufficientFunds
		}

		now := e.Clock()
		res := &models.Reservation{
			ID:        reservationID,
			AccountID: accountID,
			Amount:    amount,
			State:     models.ReservationOpen,
			OnTimeout: onTimeout,
			Deadline:  deadline,
			CreatedAt: now,
		}
		event := e.newEvent(res.ID, acc, models.EventReserve, amount, acc.Balance, acc.Frozen+amount, "reserve", now)

		err = e.store.Apply(ctx, &store.AccountMutation{
			AccountID:       accountID,
			Balance:         acc.Balance,
			Frozen:          acc.Frozen + amount,
			ExpectedVersion: acc.Version,
		}, &store.ReservationMutation{Create: res}, event)
		switch {
		case err == nil:
			e.registry.MarkOpen(res.ID, accountID)
			acc.Frozen += amount
			acc.Version++
			metrics.WalletOpsTotal.WithLabelValues("reserve", "ok").Inc()
			e.log.Info("reserved credits",
				"account_id", accountID, "reservation_id", reservationID,
				"amount", amount, "frozen", acc.Frozen, "deadline", deadline)
			return &ReserveResult{Reservation: res, Account: acc}, nil
		case errors.Is(err, store.ErrDuplicateReservation):
			// Lost a race with another process; loop re-reads the row.
			continue
		case errors.Is(err, store.ErrConflict):
			metrics.ConflictRetriesTotal.Inc()
			continue
		default:
			return nil, err
		}
	}

	metrics.WalletOpsTotal.WithLabelValues("reserve", "busy").Inc()
	return nil, fmt.Errorf("reserve %s: %w", reservationID, ErrBusy)
}

// Settle closes the reservation as consumed: the frozen amount becomes a
// real balance debit. Idempotent on an already-closed reservation.
func (e *Engine) Settle(ctx context.Context, reservationID, reason string) (*CloseResult, error) {
	return e.close(ctx, reservationID, reason, models.ReservationSettled, true)
}

// Release closes the reservation as abandoned, un-freezing the amount. With
// RefundConsumed the amount is debited as well (partial service delivered).
// Idempotent on an already-closed reservation.
func (e *Engine) Release(ctx context.Context, reservationID, reason string, policy models.RefundPolicy) (*CloseResult, error) {
	if policy == "" {
		policy = models.RefundToBalance
	}
	return e.close(ctx, reservationID, reason, models.ReservationReleased, policy == models.RefundConsumed)
}

// close drives the single Open -> terminal transition. debit controls
// whether balance decreases along with frozen.
func (e *Engine) close(ctx context.Context, reservationID, reason string, target models.ReservationState, debit bool) (*CloseResult, error) {
	op := "settle"
	kind := models.EventSettle
	if target == models.ReservationReleased {
		op = "release"
		kind = models.EventRelease
	}

	res, err := e.store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	unlock := e.registry.Lock(res.AccountID)
	defer unlock()

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		res, err = e.store.GetReservation(ctx, reservationID)
		if err != nil {
			return nil, err
		}
		if res.State.Terminal() {
			e.registry.MarkClosed(res.ID)
			metrics.WalletOpsTotal.WithLabelValues(op, "already_closed").Inc()
			return &CloseResult{AlreadyClosed: true, Reservation: res}, nil
		}

		acc, err := e.store.GetAccount(ctx, res.AccountID)
		if err != nil {
			return nil, err
		}

		newFrozen := acc.Frozen - res.Amount
		newBalance := acc.Balance
		if debit {
			newBalance -= res.Amount
		}
		if newFrozen < 0 || newBalance < 0 {
			// Stored totals disagree with this reservation; closing it
			// blindly would corrupt further. Surface for the auditor.
			return nil, fmt.Errorf("%s %s: account %s frozen=%d balance=%d cannot absorb amount %d",
				op, reservationID, res.AccountID, acc.Frozen, acc.Balance, res.Amount)
		}

		now := e.Clock()
		event := e.newEvent(res.ID, acc, kind, res.Amount, newBalance, newFrozen, reason, now)

		err = e.store.Apply(ctx, &store.AccountMutation{
			AccountID:       res.AccountID,
			Balance:         newBalance,
			Frozen:          newFrozen,
			ExpectedVersion: acc.Version,
		}, &store.ReservationMutation{Update: &store.ReservationUpdate{
			ReservationID:   res.ID,
			State:           target,
			ClosedAt:        now,
			ExpectedVersion: res.Version,
		}}, event)
		switch {
		case err == nil:
			e.registry.MarkClosed(res.ID)
			res.State = target
			res.ClosedAt = &now
			acc.Balance = newBalance
			acc.Frozen = newFrozen
			acc.Version++
			metrics.WalletOpsTotal.WithLabelValues(op, "ok").Inc()
			e.log.Info("closed reservation",
				"op", op, "reservation_id", res.ID, "account_id", res.AccountID,
				"amount", res.Amount, "reason", reason,
				"balance", newBalance, "frozen", newFrozen)
			return &CloseResult{Reservation: res, Account: acc}, nil
		case errors.Is(err, store.ErrConflict):
			metrics.ConflictRetriesTotal.Inc()
			continue
		default:
			return nil, err
		}
	}

	metrics.WalletOpsTotal.WithLabelValues(op, "busy").Inc()
	return nil, fmt.Errorf("%s %s: %w", op, reservationID, ErrBusy)
}

// Deposit adds credits to the account balance. Frozen is untouched.
func (e *Engine) Deposit(ctx context.Context, accountID uuid.UUID, amount int64, reason string) (*models.Account, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	unlock := e.registry.Lock(accountID)
	defer unlock()

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		acc, err := e.store.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}

		now := e.Clock()
		event := e.newEvent("", acc, models.EventDeposit, amount, acc.Balance+amount, acc.Frozen, reason, now)

		err = e.store.Apply(ctx, &store.AccountMutation{
			AccountID:       accountID,
			Balance:         acc.Balance + amount,
			Frozen:          acc.Frozen,
			ExpectedVersion: acc.Version,
		}, nil, event)
		switch {
		case err == nil:
			acc.Balance += amount
			acc.Version++
			metrics.WalletOpsTotal.WithLabelValues("deposit", "ok").Inc()
			e.log.Info("deposit", "account_id", accountID, "amount", amount, "balance", acc.Balance)
			return acc, nil
		case errors.Is(err, store.ErrConflict):
			metrics.ConflictRetriesTotal.Inc()
			continue
		default:
			return nil, err
		}
	}

	metrics.WalletOpsTotal.WithLabelValues("deposit", "busy").Inc()
	return nil, fmt.Errorf("deposit to %s: %w", accountID, ErrBusy)
}

// CreateAccount creates an account, optionally seeded with an initial
// deposit so the opening balance has an event trail.
func (e *Engine) CreateAccount(ctx context.Context, initialBalance int64) (*models.Account, error) {
	if initialBalance < 0 {
		return nil, ErrInvalidAmount
	}
	acc := &models.Account{ID: uuid.New()}
	if err := e.store.CreateAccount(ctx, acc); err != nil {
		return nil, err
	}
	if initialBalance > 0 {
		return e.Deposit(ctx, acc.ID, initialBalance, "initial balance")
	}
	return acc, nil
}

// Reconcile recomputes the expected frozen total from open reservations and
// compares it to the stored value. Read-only: correction happens separately
// through Release/Settle so it stays on the event trail.
func (e *Engine) Reconcile(ctx context.Context, accountID uuid.UUID) (*Report, error) {
	acc, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	open, err := e.store.ListOpenByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var expected int64
	var oldestOverdue *time.Time
	now := e.Clock()
	for i := range open {
		expected += open[i].Amount
		if open[i].Deadline.Before(now) {
			if oldestOverdue == nil || open[i].Deadline.Before(*oldestOverdue) {
				d := open[i].Deadline
				oldestOverdue = &d
			}
		}
	}

	return &Report{
		AccountID:        accountID,
		StoredFrozen:     acc.Frozen,
		ExpectedFrozen:   expected,
		Drift:            acc.Frozen - expected,
		OpenReservations: len(open),
		OldestOverdue:    oldestOverdue,
	}, nil
}

func (e *Engine) newEvent(reservationID string, acc *models.Account, kind models.EventKind, amount, balanceAfter, frozenAfter int64, reason string, now time.Time) *models.LedgerEvent {
	return &models.LedgerEvent{
		ID:            uuid.New(),
		ReservationID: reservationID,
		AccountID:     acc.ID,
		Kind:          kind,
		Amount:        amount,
		BalanceBefore: acc.Balance,
		BalanceAfter:  balanceAfter,
		FrozenBefore:  acc.Frozen,
		FrozenAfter:   frozenAfter,
		Reason:        reason,
		CreatedAt:     now,
	}
}
