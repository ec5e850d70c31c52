package math

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// SecondsPerYear is used to turn annualised rates into per-second rates.
const SecondsPerYear int64 = 365 * 24 * 60 * 60

var (
	ErrMinAllowedIR = errors.New("interest rate below minimum allowed")
	ErrMaxAllowedIR = errors.New("interest rate above maximum allowed")
	ErrInvalidKink  = errors.New("kink must be within [0, 1]")
)

var (
	// MinAllowedAPR is -100% per year.
	MinAllowedAPR = decimal.NewFromInt(-1)
	// MaxAllowedAPR is 500% per year.
	MaxAllowedAPR = decimal.NewFromInt(5)

	secondsPerYear = decimal.NewFromInt(SecondsPerYear)
)

// KinkParams are the annualised parameters of a linear-kink curve.
// Persisted per asset.
type KinkParams struct {
	BaseRate decimal.Decimal `json:"base_rate" toml:"base_rate"`
	Slope1   decimal.Decimal `json:"slope1" toml:"slope1"`
	Slope2   decimal.Decimal `json:"slope2" toml:"slope2"`
	Kink     decimal.Decimal `json:"kink" toml:"kink"`
}

// DefaultKinkParams: 0% base, 4% at 80% utilisation, 79% at full utilisation.
var DefaultKinkParams = KinkParams{
	BaseRate: decimal.Zero,
	Slope1:   decimal.RequireFromString("0.05"),
	Slope2:   decimal.RequireFromString("3.75"),
	Kink:     decimal.RequireFromString("0.8"),
}

// KinkModel is a piecewise-linear interest rate curve. Below the kink the rate
// rises from BaseRate to KinkRate; above it, from KinkRate to MaxRate at 100%
// utilisation. All rates are annualised; Rate returns per-second values.
type KinkModel struct {
	params   KinkParams
	kinkRate decimal.Decimal
	maxRate  decimal.Decimal
}

// NewKinkFromSlopes builds a model from base rate, slopes and kink, enforcing
// the allowed rate bounds.
func NewKinkFromSlopes(params KinkParams) (*KinkModel, error) {
	if params.Kink.IsNegative() || params.Kink.GreaterThan(One) {
		return nil, fmt.Errorf("%w, got %s", ErrInvalidKink, params.Kink)
	}

	kinkRate := params.BaseRate.Add(params.Kink.Mul(params.Slope1))
	maxRate := kinkRate.Add(One.Sub(params.Kink).Mul(params.Slope2))

	lowest := Min(params.BaseRate, Min(kinkRate, maxRate))
	highest := Max(params.BaseRate, Max(kinkRate, maxRate))

	if lowest.LessThan(MinAllowedAPR) {
		return nil, fmt.Errorf("%w: %s < %s", ErrMinAllowedIR, lowest, MinAllowedAPR)
	}
	if highest.GreaterThan(MaxAllowedAPR) {
		return nil, fmt.Errorf("%w: %s > %s", ErrMaxAllowedIR, highest, MaxAllowedAPR)
	}

	return &KinkModel{
		params:   params,
		kinkRate: kinkRate,
		maxRate:  maxRate,
	}, nil
}

// NewLinearKink builds a model from the three anchor rates of the curve.
func NewLinearKink(baseRate, kinkRate, maxRate, kink decimal.Decimal) (*KinkModel, error) {
	if kink.IsNegative() || kink.GreaterThan(One) {
		return nil, fmt.Errorf("%w, got %s", ErrInvalidKink, kink)
	}

	params := KinkParams{BaseRate: baseRate, Kink: kink}
	if kink.IsPositive() {
		params.Slope1 = Div(kinkRate.Sub(baseRate), kink)
	}
	if kink.LessThan(One) {
		params.Slope2 = Div(maxRate.Sub(kinkRate), One.Sub(kink))
	}
	return NewKinkFromSlopes(params)
}

// Params returns the slope form of the model.
func (m *KinkModel) Params() KinkParams { return m.params }

// KinkRate returns the annualised rate at the kink.
func (m *KinkModel) KinkRate() decimal.Decimal { return m.kinkRate }

// MaxRate returns the annualised rate at 100% utilisation.
func (m *KinkModel) MaxRate() decimal.Decimal { return m.maxRate }

// AnnualRate returns the annualised borrow rate at the given utilisation.
func (m *KinkModel) AnnualRate(utilisation decimal.Decimal) decimal.Decimal {
	u := Clamp(utilisation, Zero, One)
	if u.LessThanOrEqual(m.params.Kink) {
		return m.params.BaseRate.Add(u.Mul(m.params.Slope1))
	}
	excess := u.Sub(m.params.Kink)
	return m.kinkRate.Add(excess.Mul(m.params.Slope2))
}

// Rate returns the per-second borrow rate at the given utilisation.
func (m *KinkModel) Rate(utilisation decimal.Decimal) decimal.Decimal {
	return ToPerSecond(m.AnnualRate(utilisation))
}

// ToPerSecond converts an annualised rate into a per-second rate.
func ToPerSecond(apr decimal.Decimal) decimal.Decimal {
	return apr.DivRound(secondsPerYear, RateConfig.DecimalPrecision)
}

// Utilisation = borrows / (borrows + balances - reserves).
// Zero when nothing is borrowed or the denominator is not positive; capped at 1.
func Utilisation(totalBorrows, totalBalances, reserves decimal.Decimal) decimal.Decimal {
	if !totalBorrows.IsPositive() {
		return decimal.Zero
	}
	denominator := totalBorrows.Add(totalBalances).Sub(reserves)
	if !denominator.IsPositive() {
		return decimal.Zero
	}
	return Min(Div(totalBorrows, denominator), One)
}
