package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigstack/paycore/internal/testutil"
)

// Integration tests against a real PostgreSQL instance. Skipped unless
// POSTGRES_URL is set.

func TestPostgresEscrowCycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.CreditEscrow(ctx, "payer_1", "108.345000"))

	hold := &PayoutHold{
		ID:         "hold_pg_1",
		UserID:     "earner_1",
		ProjectRef: "proj_1",
		Amount:     "91.655000",
		HoldUntil:  time.Now().Add(-time.Minute),
		CreatedAt:  time.Now(),
	}
	require.NoError(t, store.ReleaseMilestone(ctx, "payer_1", "earner_1", "100.000000", "91.655000", hold))

	payer, err := store.GetBalance(ctx, "payer_1")
	require.NoError(t, err)
	assert.Equal(t, "8.345000", payer.HeldInEscrow)
	assert.Equal(t, "108.345000", payer.TotalSpent)

	earner, err := store.GetBalance(ctx, "earner_1")
	require.NoError(t, err)
	assert.Equal(t, "91.655000", earner.CurrentBalance)
	assert.Equal(t, "0.000000", earner.AvailableForPayout)

	// Sweep promotes the matured hold.
	result, err := store.SweepMaturedHolds(ctx, "earner_1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Matured)

	earner, err = store.GetBalance(ctx, "earner_1")
	require.NoError(t, err)
	assert.Equal(t, "91.655000", earner.AvailableForPayout)

	// Second sweep finds nothing.
	result, err = store.SweepMaturedHolds(ctx, "earner_1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Matured)
}

func TestPostgresShortfallLeavesRowsUntouched(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.CreditEscrow(ctx, "payer_1", "50.000000"))

	hold := &PayoutHold{
		ID:         "hold_pg_2",
		UserID:     "earner_1",
		ProjectRef: "proj_1",
		Amount:     "90.000000",
		HoldUntil:  time.Now().Add(time.Hour),
		CreatedAt:  time.Now(),
	}
	err := store.ReleaseMilestone(ctx, "payer_1", "earner_1", "100.000000", "90.000000", hold)
	require.ErrorIs(t, err, ErrEscrowShortfall)

	payer, err := store.GetBalance(ctx, "payer_1")
	require.NoError(t, err)
	assert.Equal(t, "50.000000", payer.HeldInEscrow)

	earner, err := store.GetBalance(ctx, "earner_1")
	require.NoError(t, err)
	assert.Equal(t, "0", earner.CurrentBalance)

	holds, err := store.ListHolds(ctx, "earner_1", 10)
	require.NoError(t, err)
	assert.Empty(t, holds)
}

func TestPostgresTransferDebitAndRestore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.CreditEscrow(ctx, "payer_1", "200.000000"))
	hold := &PayoutHold{
		ID:         "hold_pg_3",
		UserID:     "earner_1",
		ProjectRef: "proj_1",
		Amount:     "150.000000",
		HoldUntil:  time.Now().Add(-time.Minute),
		CreatedAt:  time.Now(),
	}
	require.NoError(t, store.ReleaseMilestone(ctx, "payer_1", "earner_1", "160.000000", "150.000000", hold))
	_, err := store.SweepMaturedHolds(ctx, "earner_1", time.Now())
	require.NoError(t, err)

	require.NoError(t, store.DebitForTransfer(ctx, "earner_1", "100.000000"))

	bal, err := store.GetBalance(ctx, "earner_1")
	require.NoError(t, err)
	assert.Equal(t, "50.000000", bal.CurrentBalance)
	assert.Equal(t, "50.000000", bal.AvailableForPayout)

	// Over-draw is rejected.
	err = store.DebitForTransfer(ctx, "earner_1", "60.000000")
	require.ErrorIs(t, err, ErrInsufficientAvailable)

	require.NoError(t, store.RestoreTransferDebit(ctx, "earner_1", "100.000000"))
	bal, err = store.GetBalance(ctx, "earner_1")
	require.NoError(t, err)
	assert.Equal(t, "150.000000", bal.CurrentBalance)
	assert.Equal(t, "150.000000", bal.AvailableForPayout)
}
