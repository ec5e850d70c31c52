// internal/math/fixedpoint.go
package math

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DecimalConfig defines the precision used when a value leaves the engine
// (persistence, wire formats, projections).
type DecimalConfig struct {
	DecimalPrecision int32 // Number of decimal places
}

var (
	// Standard configs
	AmountConfig = DecimalConfig{DecimalPrecision: 18} // underlying token units
	PriceConfig  = DecimalConfig{DecimalPrecision: 18} // reference unit per token
	FactorConfig = DecimalConfig{DecimalPrecision: 6}  // collateral/borrow factors
	RateConfig   = DecimalConfig{DecimalPrecision: 27} // per-second interest rates
)

// DivisionPrecision is the number of decimal places kept by every division
// inside the risk computations.
const DivisionPrecision int32 = 27

var (
	Zero = decimal.Zero
	One  = decimal.NewFromInt(1)
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// Round applies the rounding mode at the config precision.
func (c DecimalConfig) Round(v decimal.Decimal, mode RoundingMode) decimal.Decimal {
	switch mode {
	case RoundDown:
		return v.RoundFloor(c.DecimalPrecision)
	case RoundUp:
		return v.RoundCeil(c.DecimalPrecision)
	default:
		return v.RoundBank(c.DecimalPrecision)
	}
}

// Format renders v at the config precision with banker's rounding.
func (c DecimalConfig) Format(v decimal.Decimal) string {
	return v.RoundBank(c.DecimalPrecision).String()
}

// Div divides with the engine's division precision.
// Division by zero returns zero; callers guard the cases where that matters.
func Div(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	return a.DivRound(b, DivisionPrecision)
}

// MulDiv computes a * b / c.
func MulDiv(a, b, c decimal.Decimal) decimal.Decimal {
	return Div(a.Mul(b), c)
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	return Min(Max(v, lo), hi)
}

// ParseAmount parses a non-negative decimal string.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount must be non-negative, got %s", s)
	}
	return d, nil
}

// ParseFraction parses a decimal string constrained to [0, 1].
func ParseFraction(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse fraction %q: %w", s, err)
	}
	if d.IsNegative() || d.GreaterThan(One) {
		return decimal.Zero, fmt.Errorf("fraction must be within [0, 1], got %s", s)
	}
	return d, nil
}

// IsDust reports whether v is too small to matter at amount precision.
func IsDust(v decimal.Decimal) bool {
	return v.Abs().LessThan(dustThreshold)
}

var dustThreshold = decimal.New(1, -AmountConfig.DecimalPrecision)
