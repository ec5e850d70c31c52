package math

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrInvalidBonusCurve = errors.New("invalid liquidation bonus curve")

// BonusCurve decays the liquidation bonus multiplier linearly from Max to 1x
// over Window seconds since the violator's last activity.
type BonusCurve struct {
	Max    decimal.Decimal `json:"max" toml:"max"`
	Window int64           `json:"window_seconds" toml:"window_seconds"`
}

var DefaultBonusCurve = BonusCurve{
	Max:    decimal.NewFromInt(4),
	Window: 120,
}

func (b BonusCurve) Validate() error {
	if b.Max.LessThan(One) {
		return fmt.Errorf("%w: max multiplier %s < 1", ErrInvalidBonusCurve, b.Max)
	}
	if b.Window <= 0 {
		return fmt.Errorf("%w: window must be > 0, got %d", ErrInvalidBonusCurve, b.Window)
	}
	return nil
}

// Multiplier returns the bonus after elapsed seconds. Non-increasing in
// elapsed; Max at 0, exactly 1 from Window on.
func (b BonusCurve) Multiplier(elapsed int64) decimal.Decimal {
	if elapsed <= 0 {
		return b.Max
	}
	if elapsed >= b.Window {
		return One
	}
	decay := b.Max.Sub(One).Mul(decimal.NewFromInt(elapsed))
	return b.Max.Sub(Div(decay, decimal.NewFromInt(b.Window)))
}
