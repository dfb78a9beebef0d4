package payouts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigstack/paycore/internal/circuitbreaker"
	"github.com/gigstack/paycore/internal/ledger"
	"github.com/gigstack/paycore/internal/processor"
)

type fixture struct {
	ledger  *ledger.MemoryStore
	store   *MemoryStore
	proc    *processor.MockClient
	service *Service
	holdSeq int
}

func newFixture() *fixture {
	f := &fixture{
		ledger: ledger.NewMemoryStore(),
		store:  NewMemoryStore(),
		proc:   processor.NewMockClient(),
	}
	f.service = NewService(f.store, f.ledger, f.proc)
	return f
}

// fund gives a user a matured balance by releasing a milestone whose
// hold is already past maturity. RequestTransfer's sweep promotes it.
func (f *fixture) fund(t *testing.T, userID, amount string) {
	t.Helper()
	ctx := context.Background()
	f.holdSeq++

	require.NoError(t, f.ledger.CreditEscrow(ctx, "funder", amount))
	hold := &ledger.PayoutHold{
		ID:         "hold_" + userID + "_" + strconv.Itoa(f.holdSeq),
		UserID:     userID,
		ProjectRef: "proj_fund",
		Amount:     amount,
		HoldUntil:  time.Now().Add(-time.Hour),
		CreatedAt:  time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, f.ledger.ReleaseMilestone(ctx, "funder", userID, amount, amount, hold))
}

func (f *fixture) balance(t *testing.T, userID string) *ledger.Balance {
	t.Helper()
	bal, err := f.ledger.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return bal
}

func TestRequestTransferDefaultsToFullAvailable(t *testing.T) {
	f := newFixture()
	f.fund(t, "earner_1", "100.123456")

	p, err := f.service.RequestTransfer(context.Background(), TransferRequest{
		UserID:      "earner_1",
		Destination: "acct_1",
	})
	require.NoError(t, err)

	// 100.123456 truncates to 10012 whole cents; the residue stays
	// available.
	assert.Equal(t, int64(10012), p.AmountCents)
	assert.Equal(t, "100.120000", p.Amount)
	assert.Equal(t, StatusPending, p.Status)
	assert.NotEmpty(t, p.ExternalID)

	// No deduction at request time.
	bal := f.balance(t, "earner_1")
	assert.Equal(t, "100.123456", bal.CurrentBalance)
	assert.Equal(t, "100.123456", bal.AvailableForPayout)
}

func TestRequestTransferSweepsBeforeReading(t *testing.T) {
	f := newFixture()
	f.fund(t, "earner_1", "50.00")

	// Nothing swept yet: available reads zero until a sweep runs.
	bal := f.balance(t, "earner_1")
	require.Equal(t, "0.000000", bal.AvailableForPayout)

	p, err := f.service.RequestTransfer(context.Background(), TransferRequest{
		UserID:      "earner_1",
		Destination: "acct_1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), p.AmountCents)
}

func TestRequestTransferValidation(t *testing.T) {
	f := newFixture()
	f.fund(t, "earner_1", "100.00")
	ctx := context.Background()

	_, err := f.service.RequestTransfer(ctx, TransferRequest{UserID: "earner_1"})
	assert.ErrorIs(t, err, ErrNoDestination)

	_, err = f.service.RequestTransfer(ctx, TransferRequest{
		UserID: "earner_1", Destination: "acct_1", Amount: "abc",
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.service.RequestTransfer(ctx, TransferRequest{
		UserID: "earner_1", Destination: "acct_1", Amount: "200.00",
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientAvailable)

	_, err = f.service.RequestTransfer(ctx, TransferRequest{
		UserID: "earner_2", Destination: "acct_1",
	})
	assert.ErrorIs(t, err, ErrNothingAvailable)
}

func TestWebhookLifecyclePaid(t *testing.T) {
	f := newFixture()
	f.fund(t, "earner_1", "100.00")
	ctx := context.Background()

	p, err := f.service.RequestTransfer(ctx, TransferRequest{
		UserID: "earner_1", Destination: "acct_1",
	})
	require.NoError(t, err)

	// First in_transit observation commits the money.
	require.NoError(t, f.service.HandleTransferEvent(ctx, &processor.WebhookEvent{
		TransferID: p.ExternalID, Status: processor.StatusInTransit,
	}))

	bal := f.balance(t, "earner_1")
	assert.Equal(t, "0.000000", bal.CurrentBalance)
	assert.Equal(t, "0.000000", bal.AvailableForPayout)

	got, err := f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInTransit, got.Status)

	// Paid finalizes with no further balance change.
	require.NoError(t, f.service.HandleTransferEvent(ctx, &processor.WebhookEvent{
		TransferID: p.ExternalID, Status: processor.StatusPaid,
	}))

	got, err = f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)
	require.NotNil(t, got.CompletedAt)

	bal = f.balance(t, "earner_1")
	assert.Equal(t, "0.000000", bal.CurrentBalance)
}

func TestWebhookReplayIsIdempotent(t *testing.T) {
	f := newFixture()
	f.fund(t, "earner_1", "100.00")
	ctx := context.Background()

	p, err := f.service.RequestTransfer(ctx, TransferRequest{
		UserID: "earner_1", Destination: "acct_1",
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.service.HandleTransferEvent(ctx, &processor.WebhookEvent{
			TransferID: p.ExternalID, Status: processor.StatusInTransit,
		}))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, f.service.HandleTransferEvent(ctx, &processor.WebhookEvent{
			TransferID: p.ExternalID, Status: processor.StatusPaid,
		}))
	}

	// One deduction, no double-counting.
	bal := f.balance(t, "earner_1")
	assert.Equal(t, "0.000000", bal.CurrentBalance)
	assert.Equal(t, "0.000000", bal.AvailableForPayout)
}

func TestWebhookConcurrentInTransitDeliveries(t *testing.T) {
	f := newFixture()
	f.fund(t, "earner_1", "100.00")
	ctx := context.Background()

	p, err := f.service.RequestTransfer(ctx, TransferRequest{
		UserID: "earner_1", Destination: "acct_1",
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.service.HandleTransferEvent(ctx, &processor.WebhookEvent{
				TransferID: p.ExternalID, Status: processor.StatusInTransit,
			})
		}()
	}
	wg.Wait()

	bal := f.balance(t, "earner_1")
	assert.Equal(t, "0.000000", bal.CurrentBalance)
}

func TestWebhookCompensationRestoresBalance(t *testing.T) {
	f := newFixture()
	f.fund(t, "earner_1", "150.55")
	ctx := context.Background()

	p, err := f.service.RequestTransfer(ctx, TransferRequest{
		UserID: "earner_1", Destination: "acct_1", Amount: "100.00",
	})
	require.NoError(t, err)

	require.NoError(t, f.service.HandleTransferEvent(ctx, &processor.WebhookEvent{
		TransferID: p.ExternalID, Status: processor.StatusInTransit,
	}))

	bal := f.balance(t, "earner_1")
	require.Equal(t, "50.550000", bal.CurrentBalance)
	require.Equal(t, "50.550000", bal.AvailableForPayout)

	require.NoError(t, f.service.HandleTransferEvent(ctx, &processor.WebhookEvent{
		TransferID:     p.ExternalID,
		Status:         processor.StatusFailed,
		FailureCode:    "account_closed",
		FailureMessage: "destination account closed",
	}))

	// Balances equal their values before the in_transit deduction.
	bal = f.balance(t, "earner_1")
	assert.Equal(t, "150.550000", bal.CurrentBalance)
	assert.Equal(t, "150.550000", bal.AvailableForPayout)

	got, err := f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "account_closed: destination account closed", got.FailureReason)
}

func TestWebhookOutOfOrderPaidBeforeInTransit(t *testing.T) {
	f := newFixture()
	f.fund(t, "earner_1", "100.00")
	ctx := context.Background()

	p, err := f.service.RequestTransfer(ctx, TransferRequest{
		UserID: "earner_1", Destination: "acct_1",
	})
	require.NoError(t, err)

	// Paid arrives first: the deduction still applies exactly once.
	require.NoError(t, f.service.HandleTransferEvent(ctx, &processor.WebhookEvent{
		TransferID: p.ExternalID, Status: processor.StatusPaid,
	}))

	got, err := f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)

	bal := f.balance(t, "earner_1")
	assert.Equal(t, "0.000000", bal.CurrentBalance)

	// A straggling in_transit after paid is a no-op.
	require.NoError(t, f.service.HandleTransferEvent(ctx, &processor.WebhookEvent{
		TransferID: p.ExternalID, Status: processor.StatusInTransit,
	}))
	bal = f.balance(t, "earner_1")
	assert.Equal(t, "0.000000", bal.CurrentBalance)
}

func TestWebhookFailureAfterPaidIsNoOp(t *testing.T) {
	f := newFixture()
	f.fund(t, "earner_1", "100.00")
	ctx := context.Background()

	p, err := f.service.RequestTransfer(ctx, TransferRequest{
		UserID: "earner_1", Destination: "acct_1",
	})
	require.NoError(t, err)

	require.NoError(t, f.service.HandleTransferEvent(ctx, &processor.WebhookEvent{
		TransferID: p.ExternalID, Status: processor.StatusInTransit,
	}))
	require.NoError(t, f.service.HandleTransferEvent(ctx, &processor.WebhookEvent{
		TransferID: p.ExternalID, Status: processor.StatusPaid,
	}))

	// A late failure event must not restore anything.
	require.NoError(t, f.service.HandleTransferEvent(ctx, &processor.WebhookEvent{
		TransferID: p.ExternalID, Status: processor.StatusFailed,
	}))

	got, err := f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)

	bal := f.balance(t, "earner_1")
	assert.Equal(t, "0.000000", bal.CurrentBalance)
}

func TestWebhookUnknownTransfer(t *testing.T) {
	f := newFixture()

	err := f.service.HandleTransferEvent(context.Background(), &processor.WebhookEvent{
		TransferID: "tr_forged", Status: processor.StatusPaid,
	})
	assert.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestProcessorTimeoutLeavesPayoutPending(t *testing.T) {
	f := newFixture()
	f.fund(t, "earner_1", "100.00")
	ctx := context.Background()

	f.proc.FailCreatesWith(fmt.Errorf("%w: connection timed out", processor.ErrUnavailable))

	p, err := f.service.RequestTransfer(ctx, TransferRequest{
		UserID: "earner_1", Destination: "acct_1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status)
	assert.Empty(t, p.ExternalID)

	// No deduction for a payout that never reached the processor.
	bal := f.balance(t, "earner_1")
	assert.Equal(t, "100.000000", bal.AvailableForPayout)
}

func TestProcessorRejectionFailsPayout(t *testing.T) {
	f := newFixture()
	f.fund(t, "earner_1", "100.00")
	ctx := context.Background()

	f.proc.FailCreatesWith(errors.New("processor: create transfer rejected: no such destination"))

	_, err := f.service.RequestTransfer(ctx, TransferRequest{
		UserID: "earner_1", Destination: "acct_bogus",
	})
	require.Error(t, err)

	list, lerr := f.store.ListByUser(ctx, "earner_1", 10)
	require.NoError(t, lerr)
	require.Len(t, list, 1)
	assert.Equal(t, StatusFailed, list[0].Status)
}

func TestCircuitBreakerSuspendsTransfers(t *testing.T) {
	f := newFixture()
	f.service.WithBreaker(circuitbreaker.New(2, time.Minute))
	f.fund(t, "earner_1", "300.00")
	ctx := context.Background()

	f.proc.FailCreatesWith(fmt.Errorf("%w: 502", processor.ErrUnavailable))

	for i := 0; i < 2; i++ {
		_, err := f.service.RequestTransfer(ctx, TransferRequest{
			UserID: "earner_1", Destination: "acct_1", Amount: "10.00",
		})
		require.NoError(t, err) // pending, awaiting reconciliation
	}

	_, err := f.service.RequestTransfer(ctx, TransferRequest{
		UserID: "earner_1", Destination: "acct_1", Amount: "10.00",
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestReconcilerRecoversStuckPayout(t *testing.T) {
	f := newFixture()
	f.fund(t, "earner_1", "100.00")
	ctx := context.Background()

	// Creation times out: local payout stays pending without an
	// external id.
	f.proc.FailCreatesWith(fmt.Errorf("%w: connection timed out", processor.ErrUnavailable))
	p, err := f.service.RequestTransfer(ctx, TransferRequest{
		UserID: "earner_1", Destination: "acct_1",
	})
	require.NoError(t, err)
	require.Empty(t, p.ExternalID)

	f.proc.FailCreatesWith(nil)

	r := NewReconciler(f.service, f.service.logger).WithSchedule(time.Minute, time.Nanosecond)
	time.Sleep(10 * time.Millisecond) // move the payout past the grace window
	r.reconcilePending(ctx)

	got, err := f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ExternalID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, f.proc.Created())

	// Processor settles the transfer; the next pass replays truth
	// through the normal event path.
	f.proc.SetStatus(got.ExternalID, processor.StatusPaid, "", "")
	r.reconcilePending(ctx)

	got, err = f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)

	bal := f.balance(t, "earner_1")
	assert.Equal(t, "0.000000", bal.CurrentBalance)
}

func TestReconcilerIdempotentCreation(t *testing.T) {
	f := newFixture()
	f.fund(t, "earner_1", "100.00")
	ctx := context.Background()

	f.proc.FailCreatesWith(fmt.Errorf("%w: timeout", processor.ErrUnavailable))
	p, err := f.service.RequestTransfer(ctx, TransferRequest{
		UserID: "earner_1", Destination: "acct_1",
	})
	require.NoError(t, err)

	f.proc.FailCreatesWith(nil)

	r := NewReconciler(f.service, f.service.logger).WithSchedule(time.Minute, time.Nanosecond)
	time.Sleep(10 * time.Millisecond)

	// Two passes must not create two transfers: the idempotency key is
	// the payout id.
	r.reconcilePending(ctx)
	r.reconcilePending(ctx)
	assert.Equal(t, 1, f.proc.Created())

	got, err := f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ExternalID)
}
