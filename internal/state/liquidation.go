// internal/state/liquidation.go
package state

import (
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrSelfLiquidation              = errors.New("self liquidation")
	ErrSameAsset                    = errors.New("liability and collateral must differ")
	ErrViolatorNotEnteredCollateral = errors.New("violator holds no collateral in asset")
	ErrNoLiability                  = errors.New("violator has no liability in asset")
	ErrExcessiveRepayAmount         = errors.New("excessive repay amount")
	ErrMinYieldNotMet               = errors.New("min yield not met")
	ErrLiquidationOvershoot         = errors.New("liquidation overshoot")
)

// overshootTolerance bounds how far above 1 a violator's health may land
// after liquidation because of rounding.
var overshootTolerance = decimal.New(1, -6)

// LiquidationOpportunity is what a liquidator may do against a violator for
// one (liability, collateral) pair right now.
type LiquidationOpportunity struct {
	HealthScore    decimal.Decimal `json:"health_score"`
	Repay          decimal.Decimal `json:"repay"` // liability units, reserve fee included
	Yield          decimal.Decimal `json:"yield"` // collateral units
	Bonus          decimal.Decimal `json:"bonus"`
	BaseDiscount   decimal.Decimal `json:"base_discount"`
	Discount       decimal.Decimal `json:"discount"`
	ConversionRate decimal.Decimal `json:"conversion_rate"` // collateral per liability unit
}

// LiquidationRequest names the pair and amounts of one liquidation.
type LiquidationRequest struct {
	Liquidator common.Address  `json:"liquidator"`
	Violator   common.Address  `json:"violator"`
	Liability  common.Address  `json:"liability"`
	Collateral common.Address  `json:"collateral"`
	Repay      decimal.Decimal `json:"repay"`
	MinYield   decimal.Decimal `json:"min_yield"`
}

// LiquidationResult records an executed liquidation.
type LiquidationResult struct {
	LiquidationID uuid.UUID              `json:"liquidation_id"`
	Request       LiquidationRequest     `json:"request"`
	Opportunity   LiquidationOpportunity `json:"opportunity"`
	DebtMoved     decimal.Decimal        `json:"debt_moved"` // removed from the violator
	ReserveFee    decimal.Decimal        `json:"reserve_fee"`
	Yield         decimal.Decimal        `json:"yield"`
	HealthBefore  decimal.Decimal        `json:"health_before"`
	HealthAfter   decimal.Decimal        `json:"health_after"`
	Timestamp     int64                  `json:"timestamp"`
}

// LiquidationEngine prices liquidations of violators as of a fixed timestamp.
type LiquidationEngine struct {
	view   ledger.View
	prices PriceSource
	config RiskConfig
	now    int64
	risk   *RiskEngine
}

func NewLiquidationEngine(view ledger.View, prices PriceSource, config RiskConfig, now int64) *LiquidationEngine {
	return &LiquidationEngine{
		view:   view,
		prices: prices,
		config: config,
		now:    now,
		risk:   NewRiskEngine(view, prices, config, now),
	}
}

// CheckLiquidation computes the maximum repay and corresponding yield that
// bring the violator back to a health score of 1. A healthy violator yields
// a zero opportunity.
func (le *LiquidationEngine) CheckLiquidation(liquidator, violator, liability, collateral common.Address) (LiquidationOpportunity, error) {
	if ledger.SameBaseAddress(liquidator, violator) {
		return LiquidationOpportunity{}, fmt.Errorf("%w: %s", ErrSelfLiquidation, violator.Hex())
	}
	if liability == collateral {
		return LiquidationOpportunity{}, fmt.Errorf("%w: %s", ErrSameAsset, liability.Hex())
	}
	for _, asset := range []common.Address{liability, collateral} {
		if _, ok := le.view.Asset(asset); !ok {
			return LiquidationOpportunity{}, fmt.Errorf("%w: %s", ledger.ErrAssetNotActivated, asset.Hex())
		}
	}

	assets, err := le.risk.ComputeAssetLiquidity(violator)
	if err != nil {
		return LiquidationOpportunity{}, err
	}

	var total LiquidityStatus
	total.CollateralValue, total.LiabilityValue = decimal.Zero, decimal.Zero
	var liab, coll *AssetLiquidity
	for i := range assets {
		al := &assets[i]
		total.CollateralValue = total.CollateralValue.Add(al.Status.CollateralValue)
		total.LiabilityValue = total.LiabilityValue.Add(al.Status.LiabilityValue)
		switch al.Asset {
		case liability:
			liab = al
		case collateral:
			coll = al
		}
	}

	opp := LiquidationOpportunity{
		HealthScore:    total.HealthScore(),
		Repay:          decimal.Zero,
		Yield:          decimal.Zero,
		Bonus:          fpmath.One,
		BaseDiscount:   decimal.Zero,
		Discount:       decimal.Zero,
		ConversionRate: decimal.Zero,
	}
	if !opp.HealthScore.LessThan(fpmath.One) {
		return opp, nil
	}

	if liab == nil || fpmath.IsDust(liab.Owed) {
		return opp, fmt.Errorf("%w: %s", ErrNoLiability, liability.Hex())
	}
	if coll == nil || fpmath.IsDust(coll.Balance) {
		return opp, fmt.Errorf("%w: %s", ErrViolatorNotEnteredCollateral, collateral.Hex())
	}

	// Step 1: discount from severity, boosted by the time-decaying bonus
	acct, _ := le.view.Account(violator)
	opp.Bonus = le.config.Bonus.Multiplier(le.now - acct.LastActivity)
	opp.BaseDiscount = fpmath.One.Sub(opp.HealthScore)
	opp.Discount = fpmath.Min(opp.BaseDiscount.Mul(opp.Bonus), le.config.MaxDiscount)

	// Step 2: collateral units paid per liability unit repaid
	oneMinusDiscount := fpmath.One.Sub(opp.Discount)
	opp.ConversionRate = fpmath.Div(liab.Price, coll.Price.Mul(oneMinusDiscount))

	// Step 3: repay that closes the gap between liability and collateral.
	// Each unit repaid removes pL/bf of liability and pL·cf/(1-d) of collateral.
	borrowFactor := le.liabilityBorrowFactor(liability)
	perUnit := liab.Price.Mul(fpmath.Div(fpmath.One, borrowFactor).Sub(fpmath.Div(coll.CollateralFactor, oneMinusDiscount)))

	repay := liab.Owed
	if perUnit.IsPositive() {
		gap := total.LiabilityValue.Sub(total.CollateralValue)
		repay = fpmath.Min(fpmath.Div(gap, perUnit), liab.Owed)
	}
	repay = fpmath.AmountConfig.Round(repay, fpmath.RoundDown)

	// Step 4: yield bounded by what the violator holds
	yield := fpmath.AmountConfig.Round(repay.Mul(opp.ConversionRate), fpmath.RoundDown)
	if yield.GreaterThan(coll.Balance) {
		yield = coll.Balance
		repay = fpmath.AmountConfig.Round(fpmath.Div(yield, opp.ConversionRate), fpmath.RoundDown)
	}

	// Step 5: liquidator also pays the reserve fee
	opp.Repay = fpmath.AmountConfig.Round(repay.Mul(fpmath.One.Add(le.config.LiquidationReserveFee)), fpmath.RoundDown)
	opp.Yield = yield
	return opp, nil
}

func (le *LiquidationEngine) liabilityBorrowFactor(asset common.Address) decimal.Decimal {
	rec, _ := le.view.Asset(asset)
	return rec.Config.BorrowFactor
}

// Liquidate executes req. bk must write to the view the engine reads.
// The violator's debt drops by the repay net of the reserve fee; the
// liquidator takes on the full repay and receives the proportional yield.
// The liquidator's own liquidity is left to the caller.
func (le *LiquidationEngine) Liquidate(bk *ledger.Bookkeeper, req LiquidationRequest) (LiquidationResult, error) {
	opp, err := le.CheckLiquidation(req.Liquidator, req.Violator, req.Liability, req.Collateral)
	if err != nil {
		return LiquidationResult{}, err
	}
	if !req.Repay.IsPositive() {
		return LiquidationResult{}, ledger.ErrNonPositiveAmount
	}
	if req.Repay.GreaterThan(opp.Repay) {
		return LiquidationResult{}, fmt.Errorf("%w: requested=%s, max=%s", ErrExcessiveRepayAmount, req.Repay, opp.Repay)
	}

	yield := fpmath.AmountConfig.Round(fpmath.MulDiv(opp.Yield, req.Repay, opp.Repay), fpmath.RoundDown)
	if yield.LessThan(req.MinYield) {
		return LiquidationResult{}, fmt.Errorf("%w: yield=%s, min=%s", ErrMinYieldNotMet, yield, req.MinYield)
	}

	debt := fpmath.AmountConfig.Round(fpmath.Div(req.Repay, fpmath.One.Add(le.config.LiquidationReserveFee)), fpmath.RoundDown)
	fee := req.Repay.Sub(debt)

	if err := bk.TransferDebt(req.Violator, req.Liquidator, req.Liability, debt, ledger.JournalTypeLiquidationDebt); err != nil {
		return LiquidationResult{}, fmt.Errorf("transfer debt: %w", err)
	}
	if err := bk.ChargeReserveFee(req.Liquidator, req.Liability, fee); err != nil {
		return LiquidationResult{}, fmt.Errorf("reserve fee: %w", err)
	}
	if yield.IsPositive() {
		if err := bk.TransferBalance(req.Violator, req.Liquidator, req.Collateral, yield, ledger.JournalTypeLiquidationCollateral); err != nil {
			return LiquidationResult{}, fmt.Errorf("transfer collateral: %w", err)
		}
	}
	// The violator's clock is left alone so repeated partial liquidations
	// keep decaying the bonus.
	bk.MarkActive(req.Liquidator)

	after, err := le.risk.ComputeLiquidity(req.Violator)
	if err != nil {
		return LiquidationResult{}, err
	}
	healthAfter := after.HealthScore()
	if after.LiabilityValue.IsPositive() && healthAfter.GreaterThan(fpmath.One.Add(overshootTolerance)) {
		return LiquidationResult{}, fmt.Errorf("%w: health after=%s", ErrLiquidationOvershoot, healthAfter)
	}

	return LiquidationResult{
		LiquidationID: uuid.New(),
		Request:       req,
		Opportunity:   opp,
		DebtMoved:     debt,
		ReserveFee:    fee,
		Yield:         yield,
		HealthBefore:  opp.HealthScore,
		HealthAfter:   healthAfter,
		Timestamp:     le.now,
	}, nil
}
