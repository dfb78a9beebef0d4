package ledger

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestCreditEscrow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.CreditEscrow(ctx, "payer1", "100.00"); err != nil {
		t.Fatalf("CreditEscrow failed: %v", err)
	}

	bal, err := store.GetBalance(ctx, "payer1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal.TotalSpent != "100.000000" {
		t.Errorf("TotalSpent = %s, want 100.000000", bal.TotalSpent)
	}
	if bal.HeldInEscrow != "100.000000" {
		t.Errorf("HeldInEscrow = %s, want 100.000000", bal.HeldInEscrow)
	}
}

func TestCreditEscrowRejectsBadAmounts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, amount := range []string{"0", "-5", "abc"} {
		if err := store.CreditEscrow(ctx, "payer1", amount); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("CreditEscrow(%q) = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestReleaseMilestone(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.CreditEscrow(ctx, "payer1", "1000.00"); err != nil {
		t.Fatalf("CreditEscrow failed: %v", err)
	}

	hold := &PayoutHold{
		ID:         "hold_1",
		UserID:     "earner1",
		ProjectRef: "proj_1",
		Amount:     "510.00",
		HoldUntil:  time.Now().Add(7 * 24 * time.Hour),
		CreatedAt:  time.Now(),
	}
	if err := store.ReleaseMilestone(ctx, "payer1", "earner1", "600.00", "510.00", hold); err != nil {
		t.Fatalf("ReleaseMilestone failed: %v", err)
	}

	payer, _ := store.GetBalance(ctx, "payer1")
	if payer.HeldInEscrow != "400.000000" {
		t.Errorf("payer HeldInEscrow = %s, want 400.000000", payer.HeldInEscrow)
	}
	if payer.TotalSpent != "1000.000000" {
		t.Errorf("payer TotalSpent = %s, want 1000.000000 (unchanged by release)", payer.TotalSpent)
	}

	earner, _ := store.GetBalance(ctx, "earner1")
	if earner.CurrentBalance != "510.000000" {
		t.Errorf("earner CurrentBalance = %s, want 510.000000", earner.CurrentBalance)
	}
	if earner.TotalEarnings != "510.000000" {
		t.Errorf("earner TotalEarnings = %s, want 510.000000", earner.TotalEarnings)
	}
	if earner.AvailableForPayout != "0.000000" {
		t.Errorf("earner AvailableForPayout = %s, want 0.000000 before maturity", earner.AvailableForPayout)
	}

	holds, _ := store.ListHolds(ctx, "earner1", 10)
	if len(holds) != 1 || holds[0].Released {
		t.Errorf("expected one unreleased hold, got %+v", holds)
	}
}

func TestReleaseMilestoneShortfall(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.CreditEscrow(ctx, "payer1", "100.00"); err != nil {
		t.Fatalf("CreditEscrow failed: %v", err)
	}

	hold := &PayoutHold{ID: "hold_1", UserID: "earner1", Amount: "170.00", HoldUntil: time.Now(), CreatedAt: time.Now()}
	err := store.ReleaseMilestone(ctx, "payer1", "earner1", "200.00", "170.00", hold)
	if !errors.Is(err, ErrEscrowShortfall) {
		t.Fatalf("expected ErrEscrowShortfall, got %v", err)
	}

	// No partial mutation: payer escrow untouched, earner never created.
	payer, _ := store.GetBalance(ctx, "payer1")
	if payer.HeldInEscrow != "100.000000" {
		t.Errorf("payer HeldInEscrow = %s, want 100.000000 after aborted release", payer.HeldInEscrow)
	}
	earner, _ := store.GetBalance(ctx, "earner1")
	if earner.CurrentBalance != "0.000000" {
		t.Errorf("earner CurrentBalance = %s, want 0.000000 after aborted release", earner.CurrentBalance)
	}
}

func TestSweepMaturedHoldsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	seedRelease(t, store, "payer1", "earner1", "300.00", "255.00", now.Add(-time.Minute))
	seedRelease(t, store, "payer1", "earner1", "200.00", "170.00", now.Add(48*time.Hour))

	// First sweep releases only the matured hold.
	result, err := store.SweepMaturedHolds(ctx, "earner1", now)
	if err != nil {
		t.Fatalf("SweepMaturedHolds failed: %v", err)
	}
	if result.Matured != 1 || result.Swept != "255.000000" {
		t.Errorf("first sweep = %+v, want 1 hold / 255.000000", result)
	}

	bal, _ := store.GetBalance(ctx, "earner1")
	afterFirst := bal.AvailableForPayout

	// Second sweep with no time passing is a no-op.
	result, err = store.SweepMaturedHolds(ctx, "earner1", now)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if result.Matured != 0 {
		t.Errorf("second sweep matured %d holds, want 0", result.Matured)
	}

	bal, _ = store.GetBalance(ctx, "earner1")
	if bal.AvailableForPayout != afterFirst {
		t.Errorf("AvailableForPayout changed across idempotent sweeps: %s != %s", bal.AvailableForPayout, afterFirst)
	}
}

func TestSweepConcurrent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	seedRelease(t, store, "payer1", "earner1", "100.00", "85.00", now.Add(-time.Minute))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.SweepMaturedHolds(ctx, "earner1", now)
		}()
	}
	wg.Wait()

	bal, _ := store.GetBalance(ctx, "earner1")
	if bal.AvailableForPayout != "85.000000" {
		t.Errorf("AvailableForPayout = %s after concurrent sweeps, want 85.000000", bal.AvailableForPayout)
	}
}

func TestDebitAndRestoreTransfer(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	seedRelease(t, store, "payer1", "earner1", "100.00", "85.00", now.Add(-time.Minute))
	if _, err := store.SweepMaturedHolds(ctx, "earner1", now); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	before, _ := store.GetBalance(ctx, "earner1")

	if err := store.DebitForTransfer(ctx, "earner1", "85.00"); err != nil {
		t.Fatalf("DebitForTransfer failed: %v", err)
	}
	mid, _ := store.GetBalance(ctx, "earner1")
	if mid.CurrentBalance != "0.000000" || mid.AvailableForPayout != "0.000000" {
		t.Errorf("after debit: current=%s available=%s, want both 0", mid.CurrentBalance, mid.AvailableForPayout)
	}

	// Transfer failed externally: compensation restores exactly.
	if err := store.RestoreTransferDebit(ctx, "earner1", "85.00"); err != nil {
		t.Fatalf("RestoreTransferDebit failed: %v", err)
	}
	after, _ := store.GetBalance(ctx, "earner1")
	if after.CurrentBalance != before.CurrentBalance || after.AvailableForPayout != before.AvailableForPayout {
		t.Errorf("compensation did not restore: before=%s/%s after=%s/%s",
			before.CurrentBalance, before.AvailableForPayout, after.CurrentBalance, after.AvailableForPayout)
	}
}

func TestDebitForTransferInsufficient(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	seedRelease(t, store, "payer1", "earner1", "100.00", "85.00", now.Add(-time.Minute))
	// Not swept: availableForPayout is still zero.
	err := store.DebitForTransfer(ctx, "earner1", "85.00")
	if !errors.Is(err, ErrInsufficientAvailable) {
		t.Fatalf("expected ErrInsufficientAvailable, got %v", err)
	}
}

// TestConservation drives a mixed sequence of operations and verifies no
// money is created or destroyed: escrow credited equals escrow remaining
// plus gross released, and every release's net lands either in a hold or
// in a balance.
func TestConservation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	if err := store.CreditEscrow(ctx, "payer1", "1000.00"); err != nil {
		t.Fatal(err)
	}
	if err := store.CreditEscrow(ctx, "payer2", "500.00"); err != nil {
		t.Fatal(err)
	}

	seedReleaseFrom(t, store, "payer1", "earner1", "600.00", "510.00", now.Add(-time.Minute))
	seedReleaseFrom(t, store, "payer1", "earner2", "400.00", "340.00", now.Add(-time.Minute))
	seedReleaseFrom(t, store, "payer2", "earner1", "100.00", "85.00", now.Add(48*time.Hour))

	if _, err := store.SweepMaturedHolds(ctx, "earner1", now); err != nil {
		t.Fatal(err)
	}

	totals, err := store.SumAllBalances(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// 1500 credited, 1100 gross released → 400 still held.
	if totals.HeldInEscrow != "400.000000" {
		t.Errorf("HeldInEscrow = %s, want 400.000000", totals.HeldInEscrow)
	}
	// Net credited to earners: 510 + 340 + 85 = 935.
	if totals.CurrentBalance != "935.000000" {
		t.Errorf("CurrentBalance = %s, want 935.000000", totals.CurrentBalance)
	}
	if totals.TotalEarnings != "935.000000" {
		t.Errorf("TotalEarnings = %s, want 935.000000", totals.TotalEarnings)
	}
	// Only earner1's matured hold was swept.
	if totals.AvailableForPayout != "510.000000" {
		t.Errorf("AvailableForPayout = %s, want 510.000000", totals.AvailableForPayout)
	}
	if totals.TotalSpent != "1500.000000" {
		t.Errorf("TotalSpent = %s, want 1500.000000", totals.TotalSpent)
	}
}

func TestHoldSchedule(t *testing.T) {
	store := NewMemoryStore()
	l := New(store)
	ctx := context.Background()
	now := time.Now()

	seedRelease(t, store, "payer1", "earner1", "100.00", "85.00", now.Add(6*24*time.Hour+time.Hour))

	entries, err := l.HoldSchedule(ctx, "earner1", 10)
	if err != nil {
		t.Fatalf("HoldSchedule failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].DaysUntilRelease != 7 {
		t.Errorf("DaysUntilRelease = %d, want 7", entries[0].DaysUntilRelease)
	}
}

var holdSeq int

// seedRelease credits payer escrow and releases a milestone so the
// earner ends up with one hold maturing at holdUntil.
func seedRelease(t *testing.T, store Store, payer, earner, gross, net string, holdUntil time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := store.CreditEscrow(ctx, payer, gross); err != nil {
		t.Fatalf("seed CreditEscrow failed: %v", err)
	}
	seedReleaseFrom(t, store, payer, earner, gross, net, holdUntil)
}

// seedReleaseFrom releases against escrow the payer already holds.
func seedReleaseFrom(t *testing.T, store Store, payer, earner, gross, net string, holdUntil time.Time) {
	t.Helper()
	holdSeq++
	hold := &PayoutHold{
		ID:         "hold_" + earner + "_" + strconv.Itoa(holdSeq),
		UserID:     earner,
		ProjectRef: "proj_seed",
		Amount:     net,
		HoldUntil:  holdUntil,
		CreatedAt:  time.Now(),
	}
	if err := store.ReleaseMilestone(context.Background(), payer, earner, gross, net, hold); err != nil {
		t.Fatalf("seed ReleaseMilestone failed: %v", err)
	}
}
