package state

import (
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrCollateralViolation      = errors.New("collateral violation")
	ErrBorrowIsolationViolation = errors.New("borrow isolation violation")
	ErrOutstandingBorrow        = errors.New("outstanding borrow")
	ErrInvalidRiskConfig        = errors.New("invalid risk config")
)

// MaxHealthScore is reported for accounts with no liability.
var MaxHealthScore = decimal.New(1, 18)

// RiskConfig holds the protocol-wide risk constants.
type RiskConfig struct {
	SelfCollateralFactor  decimal.Decimal   `json:"self_collateral_factor" toml:"self_collateral_factor"`
	Bonus                 fpmath.BonusCurve `json:"bonus" toml:"bonus"`
	MaxDiscount           decimal.Decimal   `json:"max_discount" toml:"max_discount"`
	LiquidationReserveFee decimal.Decimal   `json:"liquidation_reserve_fee" toml:"liquidation_reserve_fee"`
}

var DefaultRiskConfig = RiskConfig{
	SelfCollateralFactor:  decimal.RequireFromString("0.95"),
	Bonus:                 fpmath.DefaultBonusCurve,
	MaxDiscount:           decimal.RequireFromString("0.20"),
	LiquidationReserveFee: decimal.RequireFromString("0.02"),
}

func (c RiskConfig) Validate() error {
	if !c.SelfCollateralFactor.IsPositive() || c.SelfCollateralFactor.GreaterThan(fpmath.One) {
		return fmt.Errorf("%w: self_collateral_factor must be in (0, 1], got %s", ErrInvalidRiskConfig, c.SelfCollateralFactor)
	}
	if c.MaxDiscount.IsNegative() || !c.MaxDiscount.LessThan(fpmath.One) {
		return fmt.Errorf("%w: max_discount must be in [0, 1), got %s", ErrInvalidRiskConfig, c.MaxDiscount)
	}
	if c.LiquidationReserveFee.IsNegative() {
		return fmt.Errorf("%w: liquidation_reserve_fee must be >= 0, got %s", ErrInvalidRiskConfig, c.LiquidationReserveFee)
	}
	if err := c.Bonus.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRiskConfig, err)
	}
	return nil
}

// LiquidityStatus is the risk-adjusted value of an account (or one of its
// assets) in the reference unit. Derived on every check, never stored.
type LiquidityStatus struct {
	CollateralValue decimal.Decimal `json:"collateral_value"`
	LiabilityValue  decimal.Decimal `json:"liability_value"`
	NumBorrows      int             `json:"num_borrows"`
	BorrowIsolated  bool            `json:"borrow_isolated"`
	OverrideEnabled bool            `json:"override_enabled"`
}

// HealthScore returns collateral / liability, MaxHealthScore without liability.
func (s LiquidityStatus) HealthScore() decimal.Decimal {
	if !s.LiabilityValue.IsPositive() {
		return MaxHealthScore
	}
	return fpmath.Min(fpmath.Div(s.CollateralValue, s.LiabilityValue), MaxHealthScore)
}

// IsViolation reports whether collateral is below liability.
func (s LiquidityStatus) IsViolation() bool {
	return s.CollateralValue.LessThan(s.LiabilityValue)
}

// AssetLiquidity is the per-asset contribution to an account's liquidity.
type AssetLiquidity struct {
	Asset            common.Address  `json:"asset"`
	Balance          decimal.Decimal `json:"balance"`
	Owed             decimal.Decimal `json:"owed"`
	Price            decimal.Decimal `json:"price"`
	CollateralFactor decimal.Decimal `json:"collateral_factor"` // after override
	Entered          bool            `json:"entered"`
	Status           LiquidityStatus `json:"status"`
}

// RiskEngine computes account liquidity as of a fixed timestamp. It never
// writes to the view.
type RiskEngine struct {
	view   ledger.View
	prices PriceSource
	config RiskConfig
	now    int64
}

func NewRiskEngine(view ledger.View, prices PriceSource, config RiskConfig, now int64) *RiskEngine {
	return &RiskEngine{view: view, prices: prices, config: config, now: now}
}

type holding struct {
	rec     ledger.AssetRecord
	balance decimal.Decimal
	owed    decimal.Decimal
	entered bool
}

// holdings returns the account's entered markets plus every market it holds
// a non-trivial balance or debt in, in asset address order. Held markets are
// always examined even after an explicit exit.
func (r *RiskEngine) holdings(account common.Address) []holding {
	state, _ := r.view.Account(account)

	var out []holding
	for _, asset := range r.view.AssetAddresses() {
		rec, balance, owed, ok := ledger.CurrentBalances(r.view, account, asset, r.now)
		if !ok {
			continue
		}
		entered := state.IsEntered(asset)
		if !entered && fpmath.IsDust(balance) && fpmath.IsDust(owed) {
			continue
		}
		out = append(out, holding{rec: rec, balance: balance, owed: owed, entered: entered})
	}
	return out
}

// Markets returns the assets a liquidity check examines for account.
func (r *RiskEngine) Markets(account common.Address) []common.Address {
	hs := r.holdings(account)
	out := make([]common.Address, len(hs))
	for i, h := range hs {
		out[i] = h.rec.Asset
	}
	return out
}

// applicableOverride returns the override collateral factor when the account
// is a single pair: exactly one asset with debt and exactly one other asset
// with a balance. Any other shape falls back to default factors.
func (r *RiskEngine) applicableOverride(hs []holding) (common.Address, decimal.Decimal, bool) {
	var debts, collaterals []common.Address
	for _, h := range hs {
		if !fpmath.IsDust(h.owed) {
			debts = append(debts, h.rec.Asset)
		}
		if !fpmath.IsDust(h.balance) {
			collaterals = append(collaterals, h.rec.Asset)
		}
	}
	if len(debts) != 1 || len(collaterals) != 1 || debts[0] == collaterals[0] {
		return common.Address{}, decimal.Zero, false
	}
	o, ok := r.view.Override(ledger.OverrideKey{Liability: debts[0], Collateral: collaterals[0]})
	if !ok || !o.Enabled {
		return common.Address{}, decimal.Zero, false
	}
	return collaterals[0], o.CollateralFactor, true
}

// ComputeAssetLiquidity returns the per-asset breakdown of account's liquidity.
func (r *RiskEngine) ComputeAssetLiquidity(account common.Address) ([]AssetLiquidity, error) {
	hs := r.holdings(account)
	overrideAsset, overrideCF, overrideOn := r.applicableOverride(hs)

	out := make([]AssetLiquidity, 0, len(hs))
	for _, h := range hs {
		cf := h.rec.Config.CollateralFactor
		if overrideOn && h.rec.Asset == overrideAsset {
			cf = overrideCF
		}

		al := AssetLiquidity{
			Asset:            h.rec.Asset,
			Balance:          h.balance,
			Owed:             h.owed,
			Price:            decimal.Zero,
			CollateralFactor: cf,
			Entered:          h.entered,
			Status: LiquidityStatus{
				CollateralValue: decimal.Zero,
				LiabilityValue:  decimal.Zero,
				OverrideEnabled: overrideOn,
			},
		}

		if fpmath.IsDust(h.balance) && fpmath.IsDust(h.owed) {
			out = append(out, al)
			continue
		}

		price, ok := r.prices.Price(h.rec.Asset)
		if !ok || !price.IsPositive() {
			return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, h.rec.Asset.Hex())
		}
		al.Price = price

		coll, liab := r.assetValues(h.balance, h.owed, cf, h.rec.Config.BorrowFactor)
		al.Status.CollateralValue = fpmath.PriceConfig.Round(price.Mul(coll), fpmath.RoundDown)
		al.Status.LiabilityValue = fpmath.PriceConfig.Round(price.Mul(liab), fpmath.RoundUp)

		if !fpmath.IsDust(h.owed) {
			al.Status.NumBorrows = 1
			al.Status.BorrowIsolated = h.rec.Config.BorrowIsolated
		}
		out = append(out, al)
	}
	return out, nil
}

// assetValues returns unpriced risk-adjusted collateral and liability for one
// asset. Debt matched by balance in the same asset is offset at the
// self-collateral factor: up to balance × scf of it counts on both sides at
// face value, consuming scf⁻¹ of balance per unit. The rest is valued at the
// regular collateral and borrow factors.
func (r *RiskEngine) assetValues(balance, owed, cf, bf decimal.Decimal) (collateral, liability decimal.Decimal) {
	scf := r.config.SelfCollateralFactor

	self := decimal.Zero
	consumed := decimal.Zero
	if balance.IsPositive() && owed.IsPositive() && scf.IsPositive() {
		self = fpmath.Min(owed, balance.Mul(scf))
		consumed = fpmath.Min(balance, fpmath.Div(self, scf))
	}

	collateral = self.Add(balance.Sub(consumed).Mul(cf))
	liability = self.Add(fpmath.Div(owed.Sub(self), bf))
	return collateral, liability
}

// ComputeLiquidity sums the account's per-asset liquidity.
func (r *RiskEngine) ComputeLiquidity(account common.Address) (LiquidityStatus, error) {
	assets, err := r.ComputeAssetLiquidity(account)
	if err != nil {
		return LiquidityStatus{}, err
	}

	total := LiquidityStatus{CollateralValue: decimal.Zero, LiabilityValue: decimal.Zero}
	for _, al := range assets {
		total.CollateralValue = total.CollateralValue.Add(al.Status.CollateralValue)
		total.LiabilityValue = total.LiabilityValue.Add(al.Status.LiabilityValue)
		total.NumBorrows += al.Status.NumBorrows
		total.BorrowIsolated = total.BorrowIsolated || al.Status.BorrowIsolated
		total.OverrideEnabled = total.OverrideEnabled || al.Status.OverrideEnabled
	}
	return total, nil
}

// CheckLiquidity fails when account holds debt in a borrow-isolated asset
// alongside any other debt, or when its collateral is below its liability.
func (r *RiskEngine) CheckLiquidity(account common.Address) error {
	status, err := r.ComputeLiquidity(account)
	if err != nil {
		return err
	}
	if status.BorrowIsolated && status.NumBorrows > 1 {
		return fmt.Errorf("%w: %s has %d borrows", ErrBorrowIsolationViolation, account.Hex(), status.NumBorrows)
	}
	if status.IsViolation() {
		return fmt.Errorf("%w: %s collateral=%s liability=%s",
			ErrCollateralViolation, account.Hex(), status.CollateralValue, status.LiabilityValue)
	}
	return nil
}
