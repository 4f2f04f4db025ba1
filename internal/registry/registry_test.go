package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/smsrent/wallet-engine/internal/models"
	"github.com/smsrent/wallet-engine/internal/registry"
	"github.com/smsrent/wallet-engine/internal/store"
)

func TestLock_SerializesSameAccount(t *testing.T) {
	reg := registry.New()
	accountID := uuid.New()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := reg.Lock(accountID)
			defer unlock()
			// Unsynchronized increment; only the guard protects it.
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50 (guard not exclusive)", counter)
	}
}

func TestLock_DifferentAccountsDoNotBlock(t *testing.T) {
	reg := registry.New()
	a, b := uuid.New(), uuid.New()

	unlockA := reg.Lock(a)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := reg.Lock(b)
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on account B blocked behind account A")
	}
}

func TestOpenIndex(t *testing.T) {
	reg := registry.New()
	accountID := uuid.New()

	if reg.ContainsOpen("ord-1") {
		t.Error("empty registry claims ord-1 open")
	}
	reg.MarkOpen("ord-1", accountID)
	if !reg.ContainsOpen("ord-1") {
		t.Error("ord-1 not reported open after MarkOpen")
	}
	reg.MarkClosed("ord-1")
	if reg.ContainsOpen("ord-1") {
		t.Error("ord-1 still open after MarkClosed")
	}
	// Closing an unknown id is a no-op.
	reg.MarkClosed("never-seen")
}

func TestWarmUp_RebuildsOpenIndex(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	acc := &models.Account{ID: uuid.New(), Balance: 100}
	if err := ms.CreateAccount(ctx, acc); err != nil {
		t.Fatalf("create account: %v", err)
	}

	deadline := time.Now().UTC().Add(time.Minute)
	for i, id := range []string{"ord-1", "ord-2"} {
		err := ms.Apply(ctx, &store.AccountMutation{
			AccountID:       acc.ID,
			Balance:         100,
			Frozen:          int64(10 * (i + 1)),
			ExpectedVersion: acc.Version + int64(i),
		}, &store.ReservationMutation{Create: &models.Reservation{
			ID:        id,
			AccountID: acc.ID,
			Amount:    10,
			State:     models.ReservationOpen,
			OnTimeout: models.TimeoutRelease,
			Deadline:  deadline,
			CreatedAt: time.Now().UTC(),
		}}, &models.LedgerEvent{
			ID: uuid.New(), ReservationID: id, AccountID: acc.ID,
			Kind: models.EventReserve, Amount: 10, CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("apply %s: %v", id, err)
		}
	}

	reg := registry.New()
	if err := reg.WarmUp(ctx, ms); err != nil {
		t.Fatalf("warm up: %v", err)
	}
	if !reg.ContainsOpen("ord-1") || !reg.ContainsOpen("ord-2") {
		t.Error("warm-up missed open reservations")
	}
	if reg.OpenCount() != 2 {
		t.Errorf("open count = %d, want 2", reg.OpenCount())
	}
}
