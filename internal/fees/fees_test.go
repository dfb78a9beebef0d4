package fees

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateWith(t *testing.T) {
	engine := NewEngine(NewMemoryStore())
	cfg := &Config{ID: "cfg_test", BuyerFeeBPS: 500, EarnerFeeBPS: 500}

	b, err := engine.CalculateWith("100.00", cfg)
	require.NoError(t, err)

	// platformFee = 100 * 5% = 5.00
	// processorFee = 105 * 2.9% + 0.30 = 3.045 + 0.30 = 3.345
	// payerTotal = 105 + 3.345 = 108.345
	// earnerNet = 100 - 5 - 3.345 = 91.655
	assert.Equal(t, "5.000000", b.PlatformFee)
	assert.Equal(t, "5.000000", b.BuyerFee)
	assert.Equal(t, "3.345000", b.ProcessorFee)
	assert.Equal(t, "108.345000", b.PayerTotal)
	assert.Equal(t, "91.655000", b.EarnerNet)
	assert.Equal(t, "cfg_test", b.FeeConfigID)
}

func TestCalculateDeterministic(t *testing.T) {
	engine := NewEngine(NewMemoryStore())
	cfg := &Config{ID: "cfg", BuyerFeeBPS: 500, EarnerFeeBPS: 500}

	first, err := engine.CalculateWith("100.00", cfg)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		b, err := engine.CalculateWith("100.00", cfg)
		require.NoError(t, err)
		assert.Equal(t, first.EarnerNet, b.EarnerNet)
		assert.Equal(t, first.PayerTotal, b.PayerTotal)
	}
}

func TestCalculateRejectsNonPositive(t *testing.T) {
	engine := NewEngine(NewMemoryStore())
	cfg := DefaultConfig()

	for _, amount := range []string{"0", "0.000000", "-5.00", "bogus"} {
		_, err := engine.CalculateWith(amount, cfg)
		assert.ErrorIs(t, err, ErrInvalidAmount, "amount %q", amount)
	}
}

func TestEarnerNetClampedAtZero(t *testing.T) {
	engine := NewEngine(NewMemoryStore())
	// 99% earner fee on a tiny amount drives the net negative before clamping.
	cfg := &Config{ID: "cfg", BuyerFeeBPS: 0, EarnerFeeBPS: 9900}

	b, err := engine.CalculateWith("0.10", cfg)
	require.NoError(t, err)
	assert.Equal(t, "0.000000", b.EarnerNet)
}

func TestCalculateRejectsBadRates(t *testing.T) {
	engine := NewEngine(NewMemoryStore())

	_, err := engine.CalculateWith("100.00", &Config{BuyerFeeBPS: 10001})
	assert.ErrorIs(t, err, ErrInvalidRate)

	_, err = engine.CalculateWith("100.00", &Config{EarnerFeeBPS: -1})
	assert.ErrorIs(t, err, ErrInvalidRate)
}

func TestActiveConfigVersioning(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store)
	ctx := context.Background()

	// No rows yet: hard-coded default applies.
	cfg, err := engine.ActiveConfig(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.ID)

	old := &Config{ID: "fee_old", BuyerFeeBPS: 300, EarnerFeeBPS: 800, Active: true, CreatedAt: time.Now().Add(-48 * time.Hour)}
	cur := &Config{ID: "fee_new", BuyerFeeBPS: 500, EarnerFeeBPS: 1000, Active: true, CreatedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, store.Create(ctx, old))
	require.NoError(t, store.Create(ctx, cur))

	// Now: newest active row wins.
	cfg, err = engine.ActiveConfig(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "fee_new", cfg.ID)

	// At a point before the new row existed: the old rate is in force.
	cfg, err = engine.ActiveConfig(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "fee_old", cfg.ID)

	// Inactive rows are never selected.
	inactive := &Config{ID: "fee_off", BuyerFeeBPS: 0, EarnerFeeBPS: 0, Active: false, CreatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, inactive))
	cfg, err = engine.ActiveConfig(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "fee_new", cfg.ID)
}
