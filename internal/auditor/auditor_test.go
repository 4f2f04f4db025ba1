package auditor_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/smsrent/wallet-engine/internal/auditor"
	"github.com/smsrent/wallet-engine/internal/models"
	"github.com/smsrent/wallet-engine/internal/registry"
	"github.com/smsrent/wallet-engine/internal/store"
	"github.com/smsrent/wallet-engine/internal/wallet"
)

func newEnv(t *testing.T) (*wallet.Engine, *store.MemoryStore, *auditor.Auditor) {
	t.Helper()
	ms := store.NewMemoryStore()
	engine := wallet.NewEngine(ms, registry.New(), nil)
	return engine, ms, auditor.New(ms, engine, nil)
}

func seed(t *testing.T, e *wallet.Engine, balance int64) uuid.UUID {
	t.Helper()
	acc, err := e.CreateAccount(context.Background(), balance)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return acc.ID
}

// seedDrift bumps stored frozen without any matching reservation, the way
// the legacy raw-column updates used to.
func seedDrift(t *testing.T, ms *store.MemoryStore, accountID uuid.UUID, frozen int64) {
	t.Helper()
	ctx := context.Background()
	acc, err := ms.GetAccount(ctx, accountID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	err = ms.Apply(ctx, &store.AccountMutation{
		AccountID:       accountID,
		Balance:         acc.Balance,
		Frozen:          frozen,
		ExpectedVersion: acc.Version,
	}, nil, &models.LedgerEvent{
		ID: uuid.New(), AccountID: accountID, Kind: models.EventDeposit,
		Reason: "seeded drift", CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed drift: %v", err)
	}
}

func TestRun_HealthyAccountsProduceNoFindings(t *testing.T) {
	engine, _, aud := newEnv(t)
	ctx := context.Background()
	accID := seed(t, engine, 100)

	if _, err := engine.Reserve(ctx, accID, "ord-1", 30, time.Now().UTC().Add(time.Hour), ""); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	findings, err := aud.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("findings = %d, want 0", len(findings))
	}
}

func TestRun_FlagsDrift(t *testing.T) {
	engine, ms, aud := newEnv(t)
	ctx := context.Background()
	accID := seed(t, engine, 100)
	seedDrift(t, ms, accID, 15)

	findings, err := aud.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(findings))
	}
	f := findings[0]
	if f.Report.AccountID != accID || f.Report.Drift != 15 {
		t.Errorf("finding = %+v, want drift 15 on %s", f.Report, accID)
	}
	if f.Severity == auditor.SeverityInfo {
		t.Errorf("severity = %s, want at least warning for non-zero drift", f.Severity)
	}

	// The auditor must never fix drift by writing balances.
	acc, _ := ms.GetAccount(ctx, accID)
	if acc.Frozen != 15 {
		t.Errorf("auditor mutated frozen to %d", acc.Frozen)
	}
}

func TestRun_SeverityScalesWithMagnitude(t *testing.T) {
	engine, ms, aud := newEnv(t)
	ctx := context.Background()
	accID := seed(t, engine, 500)
	seedDrift(t, ms, accID, 250)

	findings, err := aud.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(findings) != 1 || findings[0].Severity != auditor.SeverityCritical {
		t.Errorf("findings = %+v, want one critical", findings)
	}
}

func TestRun_RepairClosesOverdueThroughRelease(t *testing.T) {
	engine, ms, aud := newEnv(t)
	ctx := context.Background()
	accID := seed(t, engine, 100)

	past := time.Now().UTC().Add(-2 * time.Hour)
	if _, err := engine.Reserve(ctx, accID, "orphan", 40, past, models.TimeoutRelease); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	aud.RepairLimit = 10
	findings, err := aud.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1 (overdue reservation)", len(findings))
	}

	// Repair went through Release: reservation closed, frozen returned,
	// and the correction is on the event trail.
	res, _ := ms.GetReservation(ctx, "orphan")
	if res.State != models.ReservationReleased {
		t.Errorf("state = %s, want released", res.State)
	}
	acc, _ := ms.GetAccount(ctx, accID)
	if acc.Frozen != 0 || acc.Balance != 100 {
		t.Errorf("frozen=%d balance=%d, want 0/100", acc.Frozen, acc.Balance)
	}
	events, _ := ms.EventsByReservation(ctx, "orphan")
	releases := 0
	for _, ev := range events {
		if ev.Kind == models.EventRelease && ev.Reason == "audit repair" {
			releases++
		}
	}
	if releases != 1 {
		t.Errorf("audit repair release events = %d, want 1", releases)
	}
}

func TestRun_RepairOffByDefault(t *testing.T) {
	engine, ms, aud := newEnv(t)
	ctx := context.Background()
	accID := seed(t, engine, 100)

	past := time.Now().UTC().Add(-time.Hour)
	if _, err := engine.Reserve(ctx, accID, "orphan", 40, past, models.TimeoutRelease); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if _, err := aud.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	res, _ := ms.GetReservation(ctx, "orphan")
	if res.State != models.ReservationOpen {
		t.Errorf("state = %s, want open (repair disabled)", res.State)
	}
}

func TestRun_RepairLimitBoundsClosures(t *testing.T) {
	engine, ms, aud := newEnv(t)
	ctx := context.Background()
	accID := seed(t, engine, 100)

	past := time.Now().UTC().Add(-time.Hour)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := engine.Reserve(ctx, accID, id, 10, past, models.TimeoutRelease); err != nil {
			t.Fatalf("reserve %s: %v", id, err)
		}
	}

	aud.RepairLimit = 2
	if _, err := aud.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	open, _ := ms.ListOpenByAccount(ctx, accID)
	if len(open) != 1 {
		t.Errorf("open = %d, want 1 (limit 2 of 3 closed)", len(open))
	}
}
