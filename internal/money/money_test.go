package money

import (
	"math/big"
	"testing"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantOK  bool
		whenBad string
	}{
		{in: "1.50", want: "1.500000", wantOK: true},
		{in: "0", want: "0.000000", wantOK: true},
		{in: "", want: "0.000000", wantOK: true},
		{in: "1000", want: "1000.000000", wantOK: true},
		{in: "0.0000019", want: "0.000001", wantOK: true}, // truncated, not rounded
		{in: "-1.00", wantOK: false, whenBad: "negative"},
		{in: "1.2.3", wantOK: false, whenBad: "double decimal point"},
		{in: "abc", wantOK: false, whenBad: "non-numeric"},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if ok != tt.wantOK {
			t.Errorf("Parse(%q) ok = %v, want %v (%s)", tt.in, ok, tt.wantOK, tt.whenBad)
			continue
		}
		if !ok {
			continue
		}
		if Format(got) != tt.want {
			t.Errorf("Format(Parse(%q)) = %q, want %q", tt.in, Format(got), tt.want)
		}
	}
}

func TestApplyBPS(t *testing.T) {
	base, _ := Parse("100.00")

	// 5% of 100.00 = 5.00
	fee := ApplyBPS(base, 500)
	if Format(fee) != "5.000000" {
		t.Errorf("ApplyBPS(100, 500) = %s, want 5.000000", Format(fee))
	}

	// 2.9% of 105.00 = 3.045
	withPlatform, _ := Parse("105.00")
	proc := ApplyBPS(withPlatform, 290)
	if Format(proc) != "3.045000" {
		t.Errorf("ApplyBPS(105, 290) = %s, want 3.045000", Format(proc))
	}

	// Rounds down, never up
	tiny := big.NewInt(1) // 0.000001
	if ApplyBPS(tiny, 500).Sign() != 0 {
		t.Error("expected sub-unit fee to round down to zero")
	}
}

func TestScaleRatio(t *testing.T) {
	// 600 * 850/1000 = 510 — the net-factor milestone case
	amount, _ := Parse("600")
	num, _ := Parse("850")
	den, _ := Parse("1000")

	got := ScaleRatio(amount, num, den)
	if Format(got) != "510.000000" {
		t.Errorf("ScaleRatio(600, 850, 1000) = %s, want 510.000000", Format(got))
	}
}

func TestCents(t *testing.T) {
	amount, _ := Parse("12.345678")

	if ToCents(amount) != 1234 {
		t.Errorf("ToCents = %d, want 1234", ToCents(amount))
	}
	if Format(TruncateToCents(amount)) != "12.340000" {
		t.Errorf("TruncateToCents = %s, want 12.340000", Format(TruncateToCents(amount)))
	}
	if Format(FromCents(1234)) != "12.340000" {
		t.Errorf("FromCents = %s, want 12.340000", Format(FromCents(1234)))
	}
}

func TestClampNonNegative(t *testing.T) {
	if ClampNonNegative(big.NewInt(-5)).Sign() != 0 {
		t.Error("negative amount should clamp to zero")
	}
	if ClampNonNegative(big.NewInt(5)).Int64() != 5 {
		t.Error("positive amount should pass through")
	}
}
