// Package registry is the in-process serialization layer for wallet
// operations: a per-account critical section plus an index of open
// reservation ids. It turns storage-level version conflicts into ordered,
// retried application-level decisions and lets the engine reject a repeat
// reserve on an id that is already open before touching storage.
//
// The registry is not durable and never the source of truth; it is rebuilt
// from the store on startup.
package registry

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/smsrent/wallet-engine/internal/models"
)

// Warmer is the slice of the store the registry needs to rebuild its index.
type Warmer interface {
	ListAccountIDs(ctx context.Context) ([]uuid.UUID, error)
	ListOpenByAccount(ctx context.Context, accountID uuid.UUID) ([]models.Reservation, error)
}

// Registry serializes concurrent calls touching the same account and tracks
// which reservation ids are currently open.
type Registry struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
	open  map[string]uuid.UUID // reservation id -> owning account
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		locks: make(map[uuid.UUID]*sync.Mutex),
		open:  make(map[string]uuid.UUID),
	}
}

// Lock acquires the account's critical section and returns the unlock
// function. Callers must release on every exit path, typically via defer.
// Operations on different accounts never block each other.
func (r *Registry) Lock(accountID uuid.UUID) func() {
	r.mu.Lock()
	m, ok := r.locks[accountID]
	if !ok {
		m = &sync.Mutex{}
		r.locks[accountID] = m
	}
	r.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// ContainsOpen reports whether a reservation with this id is currently open.
func (r *Registry) ContainsOpen(reservationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.open[reservationID]
	return ok
}

// MarkOpen records a reservation as open. Called after a successful reserve.
func (r *Registry) MarkOpen(reservationID string, accountID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open[reservationID] = accountID
}

// MarkClosed removes a reservation from the open index. Safe to call for
// ids the registry never saw (e.g. closed by another process).
func (r *Registry) MarkClosed(reservationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.open, reservationID)
}

// OpenCount returns the number of open reservations the registry knows of.
func (r *Registry) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// WarmUp rebuilds the open index from the store. Run once at startup before
// the engine starts taking traffic.
func (r *Registry) WarmUp(ctx context.Context, st Warmer) error {
	ids, err := st.ListAccountIDs(ctx)
	if err != nil {
		return err
	}
	for _, accountID := range ids {
		reservations, err := st.ListOpenByAccount(ctx, accountID)
		if err != nil {
			return err
		}
		r.mu.Lock()
		for _, res := range reservations {
			r.open[res.ID] = accountID
		}
		r.mu.Unlock()
	}
	return nil
}
