// Package money provides fixed-point monetary arithmetic.
//
// All amounts are stored as big.Int in micro-units (6 decimal places,
// 1.00 = 1,000,000 units). Percentages are expressed in basis points
// (1 bps = 0.01%). Floating point is never used: fee drift compounds
// across thousands of milestone releases.
package money

import (
	"math/big"
	"strings"
)

// Decimals is the number of fractional digits carried internally.
const Decimals = 6

// BPSDenominator converts basis points to a ratio (10000 bps = 100%).
const BPSDenominator = 10000

// MicrosPerCent is the number of micro-units in one cent.
const MicrosPerCent = 10000

// Zero returns a fresh zero amount.
func Zero() *big.Int {
	return new(big.Int)
}

// Parse converts a decimal string (e.g. "1.50") to its micro-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a micro-unit big.Int to a decimal string with exactly
// 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// ApplyBPS returns amount * bps / 10000, rounded down.
func ApplyBPS(amount *big.Int, bps int64) *big.Int {
	result := new(big.Int).Mul(amount, big.NewInt(bps))
	return result.Quo(result, big.NewInt(BPSDenominator))
}

// ScaleRatio returns amount * num / den, rounded down. den must be > 0.
// Used to scale a milestone amount by a payment's recorded net factor
// without ever materializing the ratio as a float.
func ScaleRatio(amount, num, den *big.Int) *big.Int {
	result := new(big.Int).Mul(amount, num)
	return result.Quo(result, den)
}

// ClampNonNegative returns amount, or zero if amount is negative.
func ClampNonNegative(amount *big.Int) *big.Int {
	if amount.Sign() < 0 {
		return big.NewInt(0)
	}
	return amount
}

// ToCents converts a micro-unit amount to whole cents, rounded down.
// External processors bill in the currency's smallest unit.
func ToCents(amount *big.Int) int64 {
	c := new(big.Int).Quo(amount, big.NewInt(MicrosPerCent))
	return c.Int64()
}

// FromCents converts whole cents to a micro-unit amount.
func FromCents(cents int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(cents), big.NewInt(MicrosPerCent))
}

// TruncateToCents drops any sub-cent residue from a micro-unit amount.
func TruncateToCents(amount *big.Int) *big.Int {
	return FromCents(ToCents(amount))
}
