package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/smsrent/wallet-engine/internal/models"
)

// RedisClient is the slice of the go-redis API the cache needs. *redis.Client
// satisfies it; tests substitute an in-memory fake.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CachedStore wraps a primary Store with a Redis read-through cache for
// account rows. Reads of balance/frozen stay cheap and available even while
// the write path is under contention; writes go to the primary and
// invalidate the cached row. Everything else passes straight through.
//
// The write path must not read through the cache: a stale cached version
// would fail the primary's optimistic check on every retry. WriteView hands
// out a view with fresh reads and invalidating writes for that side.
type CachedStore struct {
	primary Store
	rdb     RedisClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb RedisClient, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

// WriteView returns the store the engine should write through: account reads
// go straight to the primary, while Apply and CreateAccount keep the cached
// row coherent.
func (s *CachedStore) WriteView() Store { return writeView{s} }

func accountKey(id uuid.UUID) string { return "wallet:account:" + id.String() }

func (s *CachedStore) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(id)).Bytes()
	if err == nil {
		var a models.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheAccount(ctx, a)
	return a, nil
}

func (s *CachedStore) Apply(ctx context.Context, acc *AccountMutation, res *ReservationMutation, event *models.LedgerEvent) error {
	if err := s.primary.Apply(ctx, acc, res, event); err != nil {
		return err
	}
	// Invalidate; next read re-populates from the primary.
	s.rdb.Del(ctx, accountKey(acc.AccountID))
	return nil
}

func (s *CachedStore) CreateAccount(ctx context.Context, a *models.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.cacheAccount(ctx, a)
	return nil
}

func (s *CachedStore) cacheAccount(ctx context.Context, a *models.Account) {
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(a.ID), data, s.ttl)
	}
}

// --- Pass-through reads ---

func (s *CachedStore) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	return s.primary.GetReservation(ctx, id)
}

func (s *CachedStore) ListOpenByAccount(ctx context.Context, accountID uuid.UUID) ([]models.Reservation, error) {
	return s.primary.ListOpenByAccount(ctx, accountID)
}

func (s *CachedStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	return s.primary.ListExpired(ctx, now, limit)
}

func (s *CachedStore) ListAccountIDs(ctx context.Context) ([]uuid.UUID, error) {
	return s.primary.ListAccountIDs(ctx)
}

func (s *CachedStore) EventsByReservation(ctx context.Context, reservationID string) ([]models.LedgerEvent, error) {
	return s.primary.EventsByReservation(ctx, reservationID)
}

func (s *CachedStore) EventsByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]models.LedgerEvent, error) {
	return s.primary.EventsByAccount(ctx, accountID, limit)
}

// writeView is the engine-facing side of a CachedStore. GetAccount bypasses
// the cache so version checks always see the committed row.
type writeView struct {
	c *CachedStore
}

func (v writeView) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return v.c.primary.GetAccount(ctx, id)
}

func (v writeView) Apply(ctx context.Context, acc *AccountMutation, res *ReservationMutation, event *models.LedgerEvent) error {
	return v.c.Apply(ctx, acc, res, event)
}

func (v writeView) CreateAccount(ctx context.Context, a *models.Account) error {
	return v.c.CreateAccount(ctx, a)
}

func (v writeView) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	return v.c.primary.GetReservation(ctx, id)
}

func (v writeView) ListOpenByAccount(ctx context.Context, accountID uuid.UUID) ([]models.Reservation, error) {
	return v.c.primary.ListOpenByAccount(ctx, accountID)
}

func (v writeView) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	return v.c.primary.ListExpired(ctx, now, limit)
}

func (v writeView) ListAccountIDs(ctx context.Context) ([]uuid.UUID, error) {
	return v.c.primary.ListAccountIDs(ctx)
}

func (v writeView) EventsByReservation(ctx context.Context, reservationID string) ([]models.LedgerEvent, error) {
	return v.c.primary.EventsByReservation(ctx, reservationID)
}

func (v writeView) EventsByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]models.LedgerEvent, error) {
	return v.c.primary.EventsByAccount(ctx, accountID, limit)
}
