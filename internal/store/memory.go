package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smsrent/wallet-engine/internal/models"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// local development. Apply takes the same all-or-nothing semantics as the
// PostgreSQL implementation: version checks run before any write.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[uuid.UUID]*models.Account
	reservations map[string]*models.Reservation
	events       []models.LedgerEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[uuid.UUID]*models.Account),
		reservations: make(map[string]*models.Reservation),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	a.Version = 1
	a.CreatedAt = now
	a.UpdatedAt = now
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id uuid.UUID) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetReservation(_ context.Context, id string) (*models.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) Apply(_ context.Context, acc *AccountMutation, res *ReservationMutation, event *models.LedgerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[acc.AccountID]
	if !ok {
		return ErrAccountNotFound
	}
	if a.Version != acc.ExpectedVersion {
		return ErrConflict
	}

	// Validate the reservation mutation before touching anything.
	if res != nil {
		switch {
		case res.Create != nil:
			if _, exists := s.reservations[res.Create.ID]; exists {
				return ErrDuplicateReservation
			}
		case res.Update != nil:
			r, exists := s.reservations[res.Update.ReservationID]
			if !exists {
				return ErrReservationNotFound
			}
			if r.Version != res.Update.ExpectedVersion || r.State != models.ReservationOpen {
				return ErrConflict
			}
		}
	}

	a.Balance = acc.Balance
	a.Frozen = acc.Frozen
	a.Version++
	a.UpdatedAt = time.Now().UTC()

	if res != nil {
		switch {
		case res.Create != nil:
			cp := *res.Create
			cp.Version = 1
			s.reservations[cp.ID] = &cp
		case res.Update != nil:
			r := s.reservations[res.Update.ReservationID]
			r.State = res.Update.State
			closedAt := res.Update.ClosedAt
			r.ClosedAt = &closedAt
			r.Version++
		}
	}

	s.events = append(s.events, *event)
	return nil
}

func (s *MemoryStore) ListOpenByAccount(_ context.Context, accountID uuid.UUID) ([]models.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []models.Reservation
	for _, r := range s.reservations {
		if r.AccountID == accountID && r.State == models.ReservationOpen {
			list = append(list, *r)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []models.Reservation
	for _, r := range s.reservations {
		if r.State == models.ReservationOpen && r.Deadline.Before(now) {
			list = append(list, *r)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Deadline.Before(list[j].Deadline) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *MemoryStore) ListAccountIDs(_ context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (s *MemoryStore) EventsByReservation(_ context.Context, reservationID string) ([]models.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []models.LedgerEvent
	for _, e := range s.events {
		if e.ReservationID == reservationID {
			list = append(list, e)
		}
	}
	return list, nil
}

func (s *MemoryStore) EventsByAccount(_ context.Context, accountID uuid.UUID, limit int) ([]models.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []models.LedgerEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].AccountID == accountID {
			list = append(list, s.events[i])
			if limit > 0 && len(list) == limit {
				break
			}
		}
	}
	return list, nil
}
