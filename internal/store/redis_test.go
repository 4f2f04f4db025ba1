package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smsrent/wallet-engine/internal/store"
)

// fakeRedis is an in-memory stand-in for the account cache.
type fakeRedis struct {
	data map[string][]byte
	sets int
	dels int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string][]byte{}}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if b, ok := f.data[key]; ok {
		return redis.NewStringResult(string(b), nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		f.data[key] = v
	case string:
		f.data[key] = []byte(v)
	}
	f.sets++
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	f.dels++
	return redis.NewIntResult(n, nil)
}

func TestCachedStore_ReadThrough(t *testing.T) {
	ms := store.NewMemoryStore()
	rdb := newFakeRedis()
	cs := store.NewCachedStore(ms, rdb, time.Minute)
	ctx := context.Background()
	acc := newAccount(t, ms, 100)

	// First read misses and populates the cache.
	got, err := cs.GetAccount(ctx, acc.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.Balance != 100 || rdb.sets != 1 {
		t.Fatalf("balance=%d sets=%d, want 100 and 1", got.Balance, rdb.sets)
	}

	// Mutate the primary behind the cache's back; the cached row must win
	// until it is invalidated.
	if err := ms.Apply(ctx, &store.AccountMutation{
		AccountID: acc.ID, Balance: 250, Frozen: 0, ExpectedVersion: acc.Version,
	}, nil, reserveEvent(acc, "", 0)); err != nil {
		t.Fatalf("raw apply: %v", err)
	}
	got, _ = cs.GetAccount(ctx, acc.ID)
	if got.Balance != 100 {
		t.Fatalf("balance = %d, want 100 (cached)", got.Balance)
	}
}

func TestCachedStore_ApplyInvalidatesCachedRow(t *testing.T) {
	ms := store.NewMemoryStore()
	rdb := newFakeRedis()
	cs := store.NewCachedStore(ms, rdb, time.Minute)
	ctx := context.Background()
	acc := newAccount(t, ms, 100)

	if _, err := cs.GetAccount(ctx, acc.ID); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	// A write through the cache evicts the row, so the next read sees the
	// committed balance instead of the stale copy.
	if err := cs.Apply(ctx, &store.AccountMutation{
		AccountID: acc.ID, Balance: 160, Frozen: 0, ExpectedVersion: acc.Version,
	}, nil, reserveEvent(acc, "", 0)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if rdb.dels == 0 {
		t.Fatal("apply did not evict the cached account")
	}
	got, _ := cs.GetAccount(ctx, acc.ID)
	if got.Balance != 160 {
		t.Fatalf("balance = %d, want 160 after invalidation", got.Balance)
	}
}

func TestCachedStore_WriteViewBypassesCacheOnReads(t *testing.T) {
	ms := store.NewMemoryStore()
	rdb := newFakeRedis()
	cs := store.NewCachedStore(ms, rdb, time.Minute)
	wv := cs.WriteView()
	ctx := context.Background()
	acc := newAccount(t, ms, 100)

	// Poison the cache with a stale copy, then bump the primary.
	if _, err := cs.GetAccount(ctx, acc.ID); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	if err := ms.Apply(ctx, &store.AccountMutation{
		AccountID: acc.ID, Balance: 300, Frozen: 0, ExpectedVersion: acc.Version,
	}, nil, reserveEvent(acc, "", 0)); err != nil {
		t.Fatalf("raw apply: %v", err)
	}

	// The write view must see the committed row, not the cached one, or
	// its version check would never pass.
	got, err := wv.GetAccount(ctx, acc.ID)
	if err != nil {
		t.Fatalf("write view get: %v", err)
	}
	if got.Balance != 300 || got.Version != acc.Version+1 {
		t.Fatalf("balance=%d version=%d, want 300 and %d (fresh read)", got.Balance, got.Version, acc.Version+1)
	}

	// Writes through the view still keep the cache coherent.
	if err := wv.Apply(ctx, &store.AccountMutation{
		AccountID: acc.ID, Balance: 350, Frozen: 0, ExpectedVersion: got.Version,
	}, nil, reserveEvent(acc, "", 0)); err != nil {
		t.Fatalf("write view apply: %v", err)
	}
	cached, _ := cs.GetAccount(ctx, acc.ID)
	if cached.Balance != 350 {
		t.Fatalf("cached read = %d, want 350 after write view apply", cached.Balance)
	}
}
