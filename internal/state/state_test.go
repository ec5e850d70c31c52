package state_test

import (
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/state"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const t0 int64 = 1_700_000_000

var (
	alice  = common.HexToAddress("0xa1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a100")
	bob    = common.HexToAddress("0xb0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b000")
	lender = common.HexToAddress("0x1e1e1e1e1e1e1e1e1e1e1e1e1e1e1e1e1e1e1e00")

	assetA = common.HexToAddress("0x000000000000000000000000000000000000000a")
	assetB = common.HexToAddress("0x000000000000000000000000000000000000000b")
	assetC = common.HexToAddress("0x000000000000000000000000000000000000000c")
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// zeroIRM keeps balances constant across time in tests.
var zeroIRM = fpmath.KinkParams{
	BaseRate: decimal.Zero,
	Slope1:   decimal.Zero,
	Slope2:   decimal.Zero,
	Kink:     decimal.Zero,
}

func cfg(cf, bf string, isolated bool) ledger.AssetConfig {
	return ledger.AssetConfig{
		CollateralFactor: d(cf),
		BorrowFactor:     d(bf),
		BorrowIsolated:   isolated,
		ReserveFee:       decimal.Zero,
		IRM:              zeroIRM,
	}
}

func mustActivate(t *testing.T, tx *ledger.Tx, asset common.Address, c ledger.AssetConfig) {
	t.Helper()
	if err := state.ActivateAsset(tx, asset, "", c, ledger.AssetPolicy{}, t0); err != nil {
		t.Fatalf("activate %s: %v", asset.Hex(), err)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ============================================================================
// Test: Asset config validation
// ============================================================================

func TestValidateAssetConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ledger.AssetConfig
		wantErr bool
	}{
		{"valid", cfg("0.75", "0.9", false), false},
		{"cf above one", cfg("1.1", "0.9", false), true},
		{"negative cf", cfg("-0.1", "0.9", false), true},
		{"zero bf", cfg("0.5", "0", false), true},
		{"bf above one", cfg("0.5", "1.5", false), true},
		{"default", state.DefaultAssetConfig, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := state.ValidateAssetConfig(tc.cfg)
			if (err != nil) != tc.wantErr {
				t.Errorf("got err=%v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestActivateAsset_Twice(t *testing.T) {
	tx := ledger.NewStore().Begin()
	mustActivate(t, tx, assetA, cfg("0.5", "1", false))
	err := state.ActivateAsset(tx, assetA, "", cfg("0.5", "1", false), ledger.AssetPolicy{}, t0)
	if !errors.Is(err, state.ErrAssetAlreadyActivated) {
		t.Errorf("got %v, want ErrAssetAlreadyActivated", err)
	}
}

func TestValidateAssetPolicy_UnknownBits(t *testing.T) {
	err := state.ValidateAssetPolicy(ledger.AssetPolicy{PauseBitmask: 1 << 10})
	if !errors.Is(err, state.ErrInvalidAssetPolicy) {
		t.Errorf("got %v, want ErrInvalidAssetPolicy", err)
	}
}

func TestSetOverride_RejectsSamePair(t *testing.T) {
	tx := ledger.NewStore().Begin()
	mustActivate(t, tx, assetA, cfg("0.5", "1", false))
	err := state.SetOverride(tx, ledger.OverrideKey{Liability: assetA, Collateral: assetA},
		ledger.Override{Enabled: true, CollateralFactor: d("0.9")})
	if !errors.Is(err, state.ErrInvalidOverride) {
		t.Errorf("got %v, want ErrInvalidOverride", err)
	}
}

func TestRiskConfig_Validate(t *testing.T) {
	if err := state.DefaultRiskConfig.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := state.DefaultRiskConfig
	bad.SelfCollateralFactor = d("1.2")
	if err := bad.Validate(); !errors.Is(err, state.ErrInvalidRiskConfig) {
		t.Errorf("got %v, want ErrInvalidRiskConfig", err)
	}
}

// ============================================================================
// Test: Price book
// ============================================================================

func TestPriceBook_IgnoresStaleSequence(t *testing.T) {
	pb := state.NewPriceBook()
	if applied, err := pb.UpdatePrice(assetA, d("2"), 5, t0); err != nil || !applied {
		t.Fatalf("first update: applied=%v err=%v", applied, err)
	}
	if applied, _ := pb.UpdatePrice(assetA, d("3"), 5, t0); applied {
		t.Error("duplicate sequence should be ignored")
	}
	if applied, _ := pb.UpdatePrice(assetA, d("3"), 9, t0); !applied {
		t.Error("gap should be accepted")
	}
	if p, _ := pb.Price(assetA); !p.Equal(d("3")) {
		t.Errorf("price: got %s, want 3", p)
	}
	if _, err := pb.UpdatePrice(assetA, d("0"), 10, t0); err == nil {
		t.Error("expected error for zero price")
	}

	restored := state.NewPriceBook()
	restored.Load(pb.Dump())
	if ps, ok := restored.State(assetA); !ok || ps.Sequence != 9 {
		t.Errorf("restored state: got %+v, ok=%v", ps, ok)
	}
}

// ============================================================================
// Test: Policy
// ============================================================================

func TestCheckPause(t *testing.T) {
	tx := ledger.NewStore().Begin()
	mustActivate(t, tx, assetA, cfg("0.5", "1", false))
	must(t, state.SetAssetPolicy(tx, assetA, ledger.AssetPolicy{
		PauseBitmask: uint32(state.OpBorrow | state.OpWithdraw),
	}))

	p := state.NewPolicyEnforcer(tx)
	if err := p.CheckPause(assetA, state.OpDeposit); err != nil {
		t.Errorf("deposit should not be paused: %v", err)
	}
	if err := p.CheckPause(assetA, state.OpBorrow); !errors.Is(err, state.ErrMarketOperationPaused) {
		t.Errorf("borrow: got %v, want ErrMarketOperationPaused", err)
	}
	if err := p.CheckBalanceTransferPause(assetA); !errors.Is(err, state.ErrMarketOperationPaused) {
		t.Errorf("balance transfer: got %v, want ErrMarketOperationPaused (withdraw leg)", err)
	}
	if err := p.CheckDebtTransferPause(assetA); !errors.Is(err, state.ErrMarketOperationPaused) {
		t.Errorf("debt transfer: got %v, want ErrMarketOperationPaused (borrow leg)", err)
	}
}

func TestCheckCaps(t *testing.T) {
	rec := func(supplyCap, total string) ledger.AssetRecord {
		r := ledger.AssetRecord{Asset: assetA, Status: ledger.NewMarketStatus(t0)}
		r.Policy.SupplyCap = d(supplyCap)
		r.Policy.BorrowCap = decimal.Zero
		r.Status.TotalBalances = d(total)
		return r
	}
	snap := func(total string) state.CapSnapshot {
		return state.CapSnapshot{TotalBalances: d(total), TotalBorrows: decimal.Zero}
	}

	tests := []struct {
		name    string
		rec     ledger.AssetRecord
		snap    state.CapSnapshot
		wantErr error
	}{
		{"under cap", rec("11", "10"), snap("0"), nil},
		{"over cap and grew", rec("11", "12"), snap("10"), state.ErrSupplyCapExceeded},
		{"raised cap", rec("13", "12"), snap("10"), nil},
		{"over cap but reduced", rec("5", "9"), snap("12"), nil},
		{"over cap unchanged", rec("5", "9"), snap("9"), nil},
		{"uncapped", rec("0", "1000000"), snap("0"), nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := state.CheckCaps(tc.rec, tc.snap)
			if tc.wantErr == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("got %v, want %v", err, tc.wantErr)
			}
		})
	}

	borrow := ledger.AssetRecord{Asset: assetB, Status: ledger.NewMarketStatus(t0)}
	borrow.Policy.SupplyCap = decimal.Zero
	borrow.Policy.BorrowCap = d("5")
	borrow.Status.TotalBorrows = d("6")
	err := state.CheckCaps(borrow, state.CapSnapshot{TotalBalances: decimal.Zero, TotalBorrows: decimal.Zero})
	if !errors.Is(err, state.ErrBorrowCapExceeded) {
		t.Errorf("borrow cap: got %v, want ErrBorrowCapExceeded", err)
	}
}

// ============================================================================
// Test: Liquidity
// ============================================================================

// fixture: A is collateral (cf 0.75, price 2), B is borrowable (bf 0.5, price 1),
// C is a second collateral (cf 0.5, price 1). The lender seeds every pool.
func newFixture(t *testing.T) (*ledger.Tx, state.StaticPrices) {
	t.Helper()
	tx := ledger.NewStore().Begin()
	mustActivate(t, tx, assetA, cfg("0.75", "1", false))
	mustActivate(t, tx, assetB, cfg("0", "0.5", false))
	mustActivate(t, tx, assetC, cfg("0.5", "1", false))

	bk := ledger.NewBookkeeper(tx, t0)
	for _, asset := range []common.Address{assetA, assetB, assetC} {
		must(t, bk.Deposit(lender, asset, d("1000")))
	}

	prices := state.StaticPrices{assetA: d("2"), assetB: d("1"), assetC: d("1")}
	return tx, prices
}

func TestComputeLiquidity_FactorsAndPrices(t *testing.T) {
	tx, prices := newFixture(t)
	bk := ledger.NewBookkeeper(tx, t0)
	must(t, bk.Deposit(alice, assetA, d("10")))
	must(t, bk.Borrow(alice, assetB, d("5")))

	risk := state.NewRiskEngine(tx, prices, state.DefaultRiskConfig, t0)
	status, err := risk.ComputeLiquidity(alice)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	// 10 × 2 × 0.75 = 15; 5 × 1 / 0.5 = 10
	if !status.CollateralValue.Equal(d("15")) {
		t.Errorf("collateral: got %s, want 15", status.CollateralValue)
	}
	if !status.LiabilityValue.Equal(d("10")) {
		t.Errorf("liability: got %s, want 10", status.LiabilityValue)
	}
	if status.NumBorrows != 1 {
		t.Errorf("num borrows: got %d, want 1", status.NumBorrows)
	}
	if !status.HealthScore().Equal(d("1.5")) {
		t.Errorf("health: got %s, want 1.5", status.HealthScore())
	}
	if err := risk.CheckLiquidity(alice); err != nil {
		t.Errorf("check: %v", err)
	}

	must(t, bk.Borrow(alice, assetB, d("3")))
	if err := risk.CheckLiquidity(alice); !errors.Is(err, state.ErrCollateralViolation) {
		t.Errorf("after extra borrow: got %v, want ErrCollateralViolation", err)
	}
}

func TestComputeLiquidity_NoLiability(t *testing.T) {
	tx, prices := newFixture(t)
	risk := state.NewRiskEngine(tx, prices, state.DefaultRiskConfig, t0)
	status, err := risk.ComputeLiquidity(bob)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !status.HealthScore().Equal(state.MaxHealthScore) {
		t.Errorf("health: got %s, want max", status.HealthScore())
	}
}

func TestComputeLiquidity_SelfCollateralBound(t *testing.T) {
	tx, prices := newFixture(t)
	bk := ledger.NewBookkeeper(tx, t0)
	risk := state.NewRiskEngine(tx, prices, state.DefaultRiskConfig, t0)

	// 1 deposited covers the unmatched 5% of every minted unit up to 19.
	must(t, bk.Deposit(alice, assetA, d("1")))
	for i := 0; i < 19; i++ {
		must(t, bk.Mint(alice, assetA, d("1")))
		if err := risk.CheckLiquidity(alice); err != nil {
			t.Fatalf("after mint %d: %v", i+1, err)
		}
	}

	status, _ := risk.ComputeLiquidity(alice)
	// balance 20, owed 19: all 19 offset at face value, all 20 consumed.
	if !status.CollateralValue.Equal(d("38")) || !status.LiabilityValue.Equal(d("38")) {
		t.Errorf("got collateral=%s liability=%s, want 38/38", status.CollateralValue, status.LiabilityValue)
	}

	must(t, bk.Mint(alice, assetA, d("1")))
	if err := risk.CheckLiquidity(alice); !errors.Is(err, state.ErrCollateralViolation) {
		t.Errorf("beyond bound: got %v, want ErrCollateralViolation", err)
	}
}

func TestComputeLiquidity_Override(t *testing.T) {
	tx, prices := newFixture(t)
	bk := ledger.NewBookkeeper(tx, t0)
	must(t, bk.Deposit(alice, assetC, d("10")))
	must(t, bk.Borrow(alice, assetB, d("2.8")))

	risk := state.NewRiskEngine(tx, prices, state.DefaultRiskConfig, t0)
	// 10 × 0.5 = 5 < 2.8 / 0.5 = 5.6
	if err := risk.CheckLiquidity(alice); !errors.Is(err, state.ErrCollateralViolation) {
		t.Fatalf("without override: got %v, want ErrCollateralViolation", err)
	}

	must(t, state.SetOverride(tx, ledger.OverrideKey{Liability: assetB, Collateral: assetC},
		ledger.Override{Enabled: true, CollateralFactor: d("0.9")}))
	status, err := risk.ComputeLiquidity(alice)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !status.OverrideEnabled {
		t.Error("override should apply to a single pair")
	}
	if !status.CollateralValue.Equal(d("9")) {
		t.Errorf("collateral with override: got %s, want 9", status.CollateralValue)
	}

	// A second collateral disables the override.
	must(t, bk.Deposit(alice, assetA, d("0.1")))
	status, _ = risk.ComputeLiquidity(alice)
	if status.OverrideEnabled {
		t.Error("override must not apply with two collaterals")
	}
	if !status.CollateralValue.Equal(d("5.15")) {
		t.Errorf("collateral: got %s, want 5.15", status.CollateralValue)
	}
}

func TestComputeLiquidity_OverrideFlagWithEmptyMarket(t *testing.T) {
	tx, prices := newFixture(t)
	bk := ledger.NewBookkeeper(tx, t0)
	// C stays entered with nothing in it and sorts after the pair.
	must(t, bk.Deposit(alice, assetC, d("1")))
	must(t, bk.Withdraw(alice, assetC, d("1")))
	must(t, bk.Deposit(alice, assetA, d("10")))
	must(t, bk.Borrow(alice, assetB, d("5")))
	must(t, state.SetOverride(tx, ledger.OverrideKey{Liability: assetB, Collateral: assetA},
		ledger.Override{Enabled: true, CollateralFactor: d("0.9")}))

	risk := state.NewRiskEngine(tx, prices, state.DefaultRiskConfig, t0)
	assets, err := risk.ComputeAssetLiquidity(alice)
	if err != nil {
		t.Fatalf("compute assets: %v", err)
	}
	if len(assets) != 3 || assets[2].Asset != assetC {
		t.Fatalf("got %d assets, want A, B and an empty C", len(assets))
	}
	status, err := risk.ComputeLiquidity(alice)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !status.OverrideEnabled {
		t.Error("override should apply to the A/B pair")
	}
	// 10 × 2 × 0.9
	if !status.CollateralValue.Equal(d("18")) {
		t.Errorf("collateral: got %s, want 18", status.CollateralValue)
	}
}

func TestCheckLiquidity_BorrowIsolation(t *testing.T) {
	tx := ledger.NewStore().Begin()
	mustActivate(t, tx, assetA, cfg("0.9", "1", false))
	mustActivate(t, tx, assetB, cfg("0", "1", true))
	mustActivate(t, tx, assetC, cfg("0", "1", false))
	prices := state.StaticPrices{assetA: d("1"), assetB: d("1"), assetC: d("1")}

	bk := ledger.NewBookkeeper(tx, t0)
	must(t, bk.Deposit(lender, assetB, d("100")))
	must(t, bk.Deposit(lender, assetC, d("100")))
	must(t, bk.Deposit(alice, assetA, d("100")))
	must(t, bk.Borrow(alice, assetB, d("1")))

	risk := state.NewRiskEngine(tx, prices, state.DefaultRiskConfig, t0)
	if err := risk.CheckLiquidity(alice); err != nil {
		t.Fatalf("single isolated borrow: %v", err)
	}
	must(t, bk.Borrow(alice, assetC, d("1")))
	if err := risk.CheckLiquidity(alice); !errors.Is(err, state.ErrBorrowIsolationViolation) {
		t.Errorf("got %v, want ErrBorrowIsolationViolation", err)
	}
}

func TestComputeLiquidity_PriceUnavailable(t *testing.T) {
	tx, prices := newFixture(t)
	must(t, ledger.NewBookkeeper(tx, t0).Deposit(alice, assetA, d("1")))
	delete(prices, assetA)

	_, err := state.NewRiskEngine(tx, prices, state.DefaultRiskConfig, t0).ComputeLiquidity(alice)
	if !errors.Is(err, state.ErrPriceUnavailable) {
		t.Errorf("got %v, want ErrPriceUnavailable", err)
	}
}

func TestRiskEngine_ExitedMarketStillExamined(t *testing.T) {
	tx, prices := newFixture(t)
	must(t, ledger.NewBookkeeper(tx, t0).Deposit(alice, assetA, d("10")))

	acct, _ := tx.Account(alice)
	tx.PutAccount(alice, acct.WithoutEntered(assetA))

	markets := state.NewRiskEngine(tx, prices, state.DefaultRiskConfig, t0).Markets(alice)
	if len(markets) != 1 || markets[0] != assetA {
		t.Errorf("markets: got %v, want [%s]", markets, assetA.Hex())
	}
}

// ============================================================================
// Test: Liquidation
// ============================================================================

// newViolator builds bob: 100 C (cf 0.8) against 75 B (bf 1), then drops C
// to 0.9 so health is 72 / 75 = 0.96.
func newViolator(t *testing.T) (*ledger.Tx, state.StaticPrices) {
	t.Helper()
	tx := ledger.NewStore().Begin()
	mustActivate(t, tx, assetB, cfg("0", "1", false))
	mustActivate(t, tx, assetC, cfg("0.8", "1", false))

	bk := ledger.NewBookkeeper(tx, t0)
	must(t, bk.Deposit(lender, assetB, d("1000")))
	must(t, bk.Deposit(bob, assetC, d("100")))
	must(t, bk.Borrow(bob, assetB, d("75")))

	prices := state.StaticPrices{assetB: d("1"), assetC: d("0.9")}
	return tx, prices
}

func TestCheckLiquidation_Healthy(t *testing.T) {
	tx, prices := newViolator(t)
	prices[assetC] = d("1")

	le := state.NewLiquidationEngine(tx, prices, state.DefaultRiskConfig, t0)
	opp, err := le.CheckLiquidation(alice, bob, assetB, assetC)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !opp.Repay.IsZero() || !opp.Yield.IsZero() {
		t.Errorf("healthy violator: repay=%s yield=%s, want 0/0", opp.Repay, opp.Yield)
	}
}

func TestCheckLiquidation_Terms(t *testing.T) {
	tx, prices := newViolator(t)
	now := t0 + state.DefaultRiskConfig.Bonus.Window

	le := state.NewLiquidationEngine(tx, prices, state.DefaultRiskConfig, now)
	opp, err := le.CheckLiquidation(alice, bob, assetB, assetC)
	if err != nil {
		t.Fatalf("check: %v", err)
	}

	if !opp.HealthScore.Equal(d("0.96")) {
		t.Errorf("health: got %s, want 0.96", opp.HealthScore)
	}
	if !opp.Bonus.Equal(fpmath.One) {
		t.Errorf("bonus after window: got %s, want 1", opp.Bonus)
	}
	if !opp.Discount.Equal(d("0.04")) {
		t.Errorf("discount: got %s, want 0.04", opp.Discount)
	}
	// gap 3, per unit 1 - 0.8/0.96 = 1/6, so repay 18 before the 2% fee.
	if diff := opp.Repay.Sub(d("18.36")).Abs(); diff.GreaterThan(d("0.000001")) {
		t.Errorf("repay: got %s, want ~18.36", opp.Repay)
	}
	// 18 / (0.9 × 0.96)
	if diff := opp.Yield.Sub(d("20.833333333333333333")).Abs(); diff.GreaterThan(d("0.000001")) {
		t.Errorf("yield: got %s, want ~20.8333", opp.Yield)
	}
}

func TestCheckLiquidation_FreshViolationHasBoostedDiscount(t *testing.T) {
	tx, prices := newViolator(t)

	le := state.NewLiquidationEngine(tx, prices, state.DefaultRiskConfig, t0)
	opp, err := le.CheckLiquidation(alice, bob, assetB, assetC)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !opp.Bonus.Equal(d("4")) {
		t.Errorf("bonus: got %s, want 4", opp.Bonus)
	}
	if !opp.Discount.Equal(d("0.16")) {
		t.Errorf("discount: got %s, want 0.16", opp.Discount)
	}

	// Severe violations are capped at the maximum discount.
	prices[assetC] = d("0.5")
	opp, err = le.CheckLiquidation(alice, bob, assetB, assetC)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !opp.Discount.Equal(state.DefaultRiskConfig.MaxDiscount) {
		t.Errorf("discount: got %s, want max %s", opp.Discount, state.DefaultRiskConfig.MaxDiscount)
	}
}

func TestCheckLiquidation_Errors(t *testing.T) {
	tx, prices := newViolator(t)
	le := state.NewLiquidationEngine(tx, prices, state.DefaultRiskConfig, t0)

	if _, err := le.CheckLiquidation(ledger.SubAccount(bob, 3), bob, assetB, assetC); !errors.Is(err, state.ErrSelfLiquidation) {
		t.Errorf("sub-account liquidator: got %v, want ErrSelfLiquidation", err)
	}
	if _, err := le.CheckLiquidation(alice, bob, assetB, assetB); !errors.Is(err, state.ErrSameAsset) {
		t.Errorf("same asset: got %v, want ErrSameAsset", err)
	}
	if _, err := le.CheckLiquidation(alice, bob, assetC, assetB); !errors.Is(err, state.ErrNoLiability) {
		t.Errorf("swapped pair: got %v, want ErrNoLiability", err)
	}
}

func TestLiquidate_RestoresHealth(t *testing.T) {
	tx, prices := newViolator(t)
	now := t0 + state.DefaultRiskConfig.Bonus.Window

	le := state.NewLiquidationEngine(tx, prices, state.DefaultRiskConfig, now)
	opp, err := le.CheckLiquidation(alice, bob, assetB, assetC)
	if err != nil {
		t.Fatalf("check: %v", err)
	}

	bk := ledger.NewBookkeeper(tx, now)
	res, err := le.Liquidate(bk, state.LiquidationRequest{
		Liquidator: alice,
		Violator:   bob,
		Liability:  assetB,
		Collateral: assetC,
		Repay:      opp.Repay,
		MinYield:   d("20"),
	})
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	if res.HealthAfter.LessThan(d("0.9999")) || res.HealthAfter.GreaterThan(d("1.000001")) {
		t.Errorf("health after: got %s, want ~1", res.HealthAfter)
	}
	if !res.DebtMoved.Add(res.ReserveFee).Equal(opp.Repay) {
		t.Errorf("debt %s + fee %s != repay %s", res.DebtMoved, res.ReserveFee, opp.Repay)
	}

	_, liquidatorOwed, _ := bk.Balances(alice, assetB)
	if !liquidatorOwed.Equal(opp.Repay) {
		t.Errorf("liquidator debt: got %s, want %s", liquidatorOwed, opp.Repay)
	}
	liquidatorBal, _, _ := bk.Balances(alice, assetC)
	if !liquidatorBal.Equal(res.Yield) {
		t.Errorf("liquidator collateral: got %s, want %s", liquidatorBal, res.Yield)
	}

	rec, _ := tx.Asset(assetB)
	if !rec.Status.ReserveBalance.Equal(res.ReserveFee) {
		t.Errorf("reserves: got %s, want %s", rec.Status.ReserveBalance, res.ReserveFee)
	}
	if err := ledger.NewInvariantValidator(tx).ValidateGlobalConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestLiquidate_PartialImprovesHealth(t *testing.T) {
	tx, prices := newViolator(t)
	now := t0 + 30

	le := state.NewLiquidationEngine(tx, prices, state.DefaultRiskConfig, now)
	opp, err := le.CheckLiquidation(alice, bob, assetB, assetC)
	if err != nil {
		t.Fatalf("check: %v", err)
	}

	res, err := le.Liquidate(ledger.NewBookkeeper(tx, now), state.LiquidationRequest{
		Liquidator: alice,
		Violator:   bob,
		Liability:  assetB,
		Collateral: assetC,
		Repay:      opp.Repay.Div(decimal.NewFromInt(2)).Truncate(18),
		MinYield:   decimal.Zero,
	})
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !res.HealthAfter.GreaterThan(res.HealthBefore) {
		t.Errorf("health should improve: before=%s after=%s", res.HealthBefore, res.HealthAfter)
	}
	if !res.HealthAfter.LessThan(fpmath.One) {
		t.Errorf("partial liquidation should not cure: after=%s", res.HealthAfter)
	}
}

func TestLiquidate_LeavesViolatorClock(t *testing.T) {
	tx, prices := newViolator(t)
	now := t0 + state.DefaultRiskConfig.Bonus.Window + 60

	le := state.NewLiquidationEngine(tx, prices, state.DefaultRiskConfig, now)
	opp, err := le.CheckLiquidation(alice, bob, assetB, assetC)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if _, err := le.Liquidate(ledger.NewBookkeeper(tx, now), state.LiquidationRequest{
		Liquidator: alice,
		Violator:   bob,
		Liability:  assetB,
		Collateral: assetC,
		Repay:      opp.Repay.Div(decimal.NewFromInt(2)).Truncate(18),
		MinYield:   decimal.Zero,
	}); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	if acct, _ := tx.Account(bob); acct.LastActivity != t0 {
		t.Errorf("violator activity: got %d, want %d", acct.LastActivity, t0)
	}
	if acct, _ := tx.Account(alice); acct.LastActivity != now {
		t.Errorf("liquidator activity: got %d, want %d", acct.LastActivity, now)
	}

	// A follow-up liquidation still sees the decayed bonus
	opp, err = le.CheckLiquidation(alice, bob, assetB, assetC)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if !opp.Bonus.Equal(fpmath.One) {
		t.Errorf("bonus: got %s, want 1", opp.Bonus)
	}
}

func TestLiquidate_Rejections(t *testing.T) {
	tx, prices := newViolator(t)
	le := state.NewLiquidationEngine(tx, prices, state.DefaultRiskConfig, t0)
	opp, err := le.CheckLiquidation(alice, bob, assetB, assetC)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	bk := ledger.NewBookkeeper(tx, t0)

	req := state.LiquidationRequest{
		Liquidator: alice,
		Violator:   bob,
		Liability:  assetB,
		Collateral: assetC,
		Repay:      opp.Repay.Add(d("1")),
		MinYield:   decimal.Zero,
	}
	if _, err := le.Liquidate(bk, req); !errors.Is(err, state.ErrExcessiveRepayAmount) {
		t.Errorf("excessive: got %v, want ErrExcessiveRepayAmount", err)
	}

	req.Repay = opp.Repay
	req.MinYield = opp.Yield.Add(d("1"))
	if _, err := le.Liquidate(bk, req); !errors.Is(err, state.ErrMinYieldNotMet) {
		t.Errorf("min yield: got %v, want ErrMinYieldNotMet", err)
	}

	req.Liquidator = ledger.SubAccount(bob, 1)
	req.MinYield = decimal.Zero
	if _, err := le.Liquidate(bk, req); !errors.Is(err, state.ErrSelfLiquidation) {
		t.Errorf("self: got %v, want ErrSelfLiquidation", err)
	}

	_, owed, _ := bk.Balances(bob, assetB)
	if !owed.Equal(d("75")) {
		t.Errorf("rejected liquidations must not move debt, owed=%s", owed)
	}
}
