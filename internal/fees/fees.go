// Package fees computes platform and processor fees for payments.
//
// Fee rates are versioned: a rate change creates a new Config row, it
// never mutates an existing one. Each Payment records the fee numbers
// resolved at capture time, so historical records are immune to later
// rate changes. Rates are carried as basis points; all arithmetic is
// fixed-point via the money package.
package fees

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/gigstack/paycore/internal/money"
)

var (
	ErrInvalidAmount  = errors.New("fees: amount must be greater than zero")
	ErrInvalidRate    = errors.New("fees: rate must be between 0 and 10000 bps")
	ErrNoActiveConfig = errors.New("fees: no active fee config")
)

// Default rates applied when no Config row exists yet.
const (
	DefaultBuyerFeeBPS  = 500  // 5% charged on top of the base amount
	DefaultEarnerFeeBPS = 1000 // 10% deducted from the earner's side
)

// Processor pricing. Fixed per-transaction fee plus a percentage of the
// charged total (base + platform fee).
const (
	ProcessorFeeBPS   = 290 // 2.9%
	ProcessorFixedFee = "0.30"
)

// Config is a versioned, immutable fee configuration. The most recently
// created row with Active=true is current.
type Config struct {
	ID           string    `json:"id"`
	BuyerFeeBPS  int64     `json:"buyerFeeBps"`
	EarnerFeeBPS int64     `json:"earnerFeeBps"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
}

// DefaultConfig returns the hard-coded fallback used when no row exists.
func DefaultConfig() *Config {
	return &Config{
		ID:           "default",
		BuyerFeeBPS:  DefaultBuyerFeeBPS,
		EarnerFeeBPS: DefaultEarnerFeeBPS,
		Active:       true,
	}
}

// Store persists fee configurations.
type Store interface {
	Create(ctx context.Context, cfg *Config) error
	// ActiveAt returns the most recently created active config with
	// CreatedAt <= at. Returns ErrNoActiveConfig when none exists.
	ActiveAt(ctx context.Context, at time.Time) (*Config, error)
	List(ctx context.Context, limit int) ([]*Config, error)
}

// Breakdown is the result of a fee calculation. All amounts are decimal
// strings with 6 fractional digits.
type Breakdown struct {
	BaseAmount     string `json:"baseAmount"`
	BuyerFee       string `json:"buyerFee"`
	EarnerFee      string `json:"earnerFee"`
	PlatformFee    string `json:"platformFee"`
	ProcessorFee   string `json:"processorFee"`
	PayerTotal     string `json:"payerTotal"`
	EarnerNet      string `json:"earnerNet"`
	FeeConfigID    string `json:"feeConfigId"`
	EarnerNetMicro *big.Int `json:"-"`
	GrossMicro     *big.Int `json:"-"`
}

// Engine performs fee calculations against the versioned config store.
type Engine struct {
	store          Store
	processorBPS   int64
	processorFixed *big.Int
}

// NewEngine creates a fee engine backed by the given config store.
func NewEngine(store Store) *Engine {
	fixed, _ := money.Parse(ProcessorFixedFee)
	return &Engine{
		store:          store,
		processorBPS:   ProcessorFeeBPS,
		processorFixed: fixed,
	}
}

// ActiveConfig resolves the config in force at the given time, falling
// back to the hard-coded default when no row exists.
func (e *Engine) ActiveConfig(ctx context.Context, at time.Time) (*Config, error) {
	cfg, err := e.store.ActiveAt(ctx, at)
	if errors.Is(err, ErrNoActiveConfig) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Calculate computes the fee breakdown for a base amount using the
// currently active config.
func (e *Engine) Calculate(ctx context.Context, baseAmount string) (*Breakdown, error) {
	cfg, err := e.ActiveConfig(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	return e.CalculateWith(baseAmount, cfg)
}

// CalculateAt computes the fee breakdown using the config in force at
// the given time. Used to re-price releases for projects captured under
// an older rate.
func (e *Engine) CalculateAt(ctx context.Context, baseAmount string, at time.Time) (*Breakdown, error) {
	cfg, err := e.ActiveConfig(ctx, at)
	if err != nil {
		return nil, err
	}
	return e.CalculateWith(baseAmount, cfg)
}

// CalculateWith computes the fee breakdown for a base amount with an
// explicit config. Pure function: no I/O, no hidden state.
//
// Model:
//
//	platformFee  = base * buyerFeeBPS
//	processorFee = (base + platformFee) * processorBPS + processorFixed
//	payerTotal   = base + platformFee + processorFee
//	earnerNet    = base - earnerFee - processorFee   (clamped at 0)
//
// The platform fee charged to the payer is part of the processor-fee
// base; the earner-side fee is a separate deduction.
func (e *Engine) CalculateWith(baseAmount string, cfg *Config) (*Breakdown, error) {
	base, ok := money.Parse(baseAmount)
	if !ok || base.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := validateRate(cfg.BuyerFeeBPS); err != nil {
		return nil, err
	}
	if err := validateRate(cfg.EarnerFeeBPS); err != nil {
		return nil, err
	}

	platformFee := money.ApplyBPS(base, cfg.BuyerFeeBPS)
	earnerFee := money.ApplyBPS(base, cfg.EarnerFeeBPS)

	charged := new(big.Int).Add(base, platformFee)
	processorFee := money.ApplyBPS(charged, e.processorBPS)
	processorFee.Add(processorFee, e.processorFixed)

	payerTotal := new(big.Int).Add(charged, processorFee)

	earnerNet := new(big.Int).Sub(base, earnerFee)
	earnerNet.Sub(earnerNet, processorFee)
	earnerNet = money.ClampNonNegative(earnerNet)

	return &Breakdown{
		BaseAmount:     money.Format(base),
		BuyerFee:       money.Format(platformFee),
		EarnerFee:      money.Format(earnerFee),
		PlatformFee:    money.Format(platformFee),
		ProcessorFee:   money.Format(processorFee),
		PayerTotal:     money.Format(payerTotal),
		EarnerNet:      money.Format(earnerNet),
		FeeConfigID:    cfg.ID,
		EarnerNetMicro: earnerNet,
		GrossMicro:     base,
	}, nil
}

func validateRate(bps int64) error {
	if bps < 0 || bps > money.BPSDenominator {
		return ErrInvalidRate
	}
	return nil
}
