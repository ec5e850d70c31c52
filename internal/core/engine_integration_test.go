package core_test

import (
	"LendLedger/internal/core"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/observability"
	"LendLedger/internal/state"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// --- Test helpers ---

const t0 int64 = 1_700_000_000

var (
	alice  = common.HexToAddress("0xa1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a100")
	bob    = common.HexToAddress("0xb0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b000")
	lender = common.HexToAddress("0x1e1e1e1e1e1e1e1e1e1e1e1e1e1e1e1e1e1e1e00")

	assetA = common.HexToAddress("0x000000000000000000000000000000000000000a")
	assetB = common.HexToAddress("0x000000000000000000000000000000000000000b")
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var zeroIRM = fpmath.KinkParams{
	BaseRate: decimal.Zero,
	Slope1:   decimal.Zero,
	Slope2:   decimal.Zero,
	Kink:     decimal.Zero,
}

func testConfig(cf string) ledger.AssetConfig {
	return ledger.AssetConfig{
		CollateralFactor: d(cf),
		BorrowFactor:     d("1"),
		ReserveFee:       decimal.Zero,
		IRM:              zeroIRM,
	}
}

// newTestEngine creates an engine with assets A (cf 0.75) and B (cf 0.5),
// both priced at 1.
func newTestEngine(t *testing.T) *core.Engine {
	t.Helper()
	e, err := core.NewEngine(state.DefaultRiskConfig, observability.NewMetrics(prometheus.NewRegistry()), zerolog.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	for _, a := range []struct {
		asset common.Address
		cf    string
	}{{assetA, "0.75"}, {assetB, "0.5"}} {
		if _, err := e.ActivateAsset(a.asset, "", testConfig(a.cf), ledger.AssetPolicy{}, t0); err != nil {
			t.Fatalf("activate %s: %v", a.asset.Hex(), err)
		}
		if _, err := e.UpdatePrice(a.asset, d("1"), 1, t0); err != nil {
			t.Fatalf("price %s: %v", a.asset.Hex(), err)
		}
	}
	return e
}

func etoken(asset common.Address) common.Address {
	return core.AssetProxy(core.ModuleEToken, asset)
}

func dtoken(asset common.Address) common.Address {
	return core.AssetProxy(core.ModuleDToken, asset)
}

func deposit(asset common.Address, amount string) core.Item {
	return core.Item{Target: etoken(asset), Call: core.Call{Op: core.OpDeposit, Amount: d(amount)}}
}

func withdraw(asset common.Address, amount string) core.Item {
	return core.Item{Target: etoken(asset), Call: core.Call{Op: core.OpWithdraw, Amount: d(amount)}}
}

func borrow(asset common.Address, amount string) core.Item {
	return core.Item{Target: dtoken(asset), Call: core.Call{Op: core.OpBorrow, Amount: d(amount)}}
}

func repay(asset common.Address, amount string) core.Item {
	return core.Item{Target: dtoken(asset), Call: core.Call{Op: core.OpRepay, Amount: d(amount)}}
}

func mustDispatch(t *testing.T, e *core.Engine, caller common.Address, items ...core.Item) *core.BatchResult {
	t.Helper()
	res, err := e.DispatchBatch(core.BatchRequest{Caller: caller, Items: items, Now: t0})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	return res
}

func positionOf(t *testing.T, e *core.Engine, account, asset common.Address) core.PositionView {
	t.Helper()
	for _, p := range e.Account(account, t0).Positions {
		if p.Asset == asset {
			return p
		}
	}
	return core.PositionView{Asset: asset, Balance: decimal.Zero, Owed: decimal.Zero}
}

func wantDecimal(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(d(want)) {
		t.Errorf("%s: got %s, want %s", name, got, want)
	}
}

// fundedEngine has lender supplying 100 B and alice supplying 100 A.
func fundedEngine(t *testing.T) *core.Engine {
	t.Helper()
	e := newTestEngine(t)
	mustDispatch(t, e, lender, deposit(assetB, "100"))
	mustDispatch(t, e, alice, deposit(assetA, "100"))
	return e
}

// ============================================================================
// Test: Basic supply and borrow
// ============================================================================

func TestEngine_DepositBorrow(t *testing.T) {
	e := fundedEngine(t)

	res := mustDispatch(t, e, alice, borrow(assetB, "50"))
	if !res.Results[0].Success {
		t.Fatalf("borrow failed: %s", res.Results[0].Error)
	}
	wantDecimal(t, "output owed", res.Results[0].Output.Owed, "50")

	wantDecimal(t, "alice B owed", positionOf(t, e, alice, assetB).Owed, "50")
	wantDecimal(t, "alice A balance", positionOf(t, e, alice, assetA).Balance, "100")

	status, err := e.ComputeLiquidity(alice, t0)
	if err != nil {
		t.Fatalf("compute liquidity: %v", err)
	}
	wantDecimal(t, "collateral value", status.CollateralValue, "75")
	wantDecimal(t, "liability value", status.LiabilityValue, "50")

	rec, err := e.MarketStatus(assetB, t0)
	if err != nil {
		t.Fatalf("market status: %v", err)
	}
	wantDecimal(t, "B pool", rec.Status.PoolSize, "50")
	wantDecimal(t, "B borrows", rec.Status.TotalBorrows, "50")

	if err := e.ValidateConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestEngine_BorrowBeyondCollateralRejected(t *testing.T) {
	e := fundedEngine(t)

	_, err := e.DispatchBatch(core.BatchRequest{Caller: alice, Items: []core.Item{borrow(assetB, "80")}, Now: t0})
	if !errors.Is(err, state.ErrCollateralViolation) {
		t.Fatalf("got %v, want ErrCollateralViolation", err)
	}
	wantDecimal(t, "alice B owed", positionOf(t, e, alice, assetB).Owed, "0")
}

// ============================================================================
// Test: Liquidity after balance gains
// ============================================================================

// overrideEngine has alice borrowing 90 B against 100 A under a 0.95 B/A
// pair override, healthy only while she holds no other collateral.
func overrideEngine(t *testing.T) *core.Engine {
	t.Helper()
	e := fundedEngine(t)
	if _, err := e.SetOverride(assetB, assetA, ledger.Override{Enabled: true, CollateralFactor: d("0.95")}); err != nil {
		t.Fatalf("set override: %v", err)
	}
	mustDispatch(t, e, alice, borrow(assetB, "90"))
	if err := e.CheckLiquidity(alice, t0); err != nil {
		t.Fatalf("alice should be healthy under the override: %v", err)
	}
	return e
}

func TestEngine_DepositVoidingOverrideRejected(t *testing.T) {
	e := overrideEngine(t)

	_, err := e.DispatchBatch(core.BatchRequest{Caller: alice, Items: []core.Item{deposit(assetB, "1")}, Now: t0})
	if !errors.Is(err, state.ErrCollateralViolation) {
		t.Fatalf("got %v, want ErrCollateralViolation", err)
	}
	wantDecimal(t, "alice B balance", positionOf(t, e, alice, assetB).Balance, "0")
	if err := e.CheckLiquidity(alice, t0); err != nil {
		t.Errorf("alice left unhealthy: %v", err)
	}
}

func TestEngine_TransferVoidingRecipientOverrideRejected(t *testing.T) {
	e := overrideEngine(t)

	_, err := e.DispatchBatch(core.BatchRequest{
		Caller: bob,
		Items: []core.Item{
			deposit(assetB, "1"),
			{Target: etoken(assetB), Call: core.Call{Op: core.OpTransferBalance, To: alice, Amount: d("0.01")}},
		},
		Now: t0,
	})
	var batchErr *core.BatchError
	if !errors.As(err, &batchErr) || batchErr.Index != 1 {
		t.Fatalf("got %v, want item 1 failure", err)
	}
	if !errors.Is(err, state.ErrCollateralViolation) {
		t.Fatalf("got %v, want ErrCollateralViolation", err)
	}
	wantDecimal(t, "bob B balance", positionOf(t, e, bob, assetB).Balance, "0")
	wantDecimal(t, "alice B balance", positionOf(t, e, alice, assetB).Balance, "0")
	if err := e.CheckLiquidity(alice, t0); err != nil {
		t.Errorf("alice left unhealthy: %v", err)
	}
}

func TestEngine_ViolatorMayPartiallyCure(t *testing.T) {
	e := violatorEngine(t)

	// 60 collateral against 70: each step improves health without curing
	mustDispatch(t, e, alice, repay(assetB, "5"))
	mustDispatch(t, e, alice, deposit(assetA, "2"))

	wantDecimal(t, "alice B owed", positionOf(t, e, alice, assetB).Owed, "65")
	wantDecimal(t, "alice A balance", positionOf(t, e, alice, assetA).Balance, "102")
	if err := e.CheckLiquidity(alice, t0); !errors.Is(err, state.ErrCollateralViolation) {
		t.Errorf("got %v, want alice still in violation", err)
	}
}

// ============================================================================
// Test: Supply cap transitions
// ============================================================================

func TestEngine_SupplyCap(t *testing.T) {
	e := newTestEngine(t)
	mustDispatch(t, e, alice, deposit(assetA, "10"))

	setCap := func(supplyCap string) {
		t.Helper()
		if _, err := e.SetAssetPolicy(assetA, ledger.AssetPolicy{SupplyCap: d(supplyCap), BorrowCap: decimal.Zero}); err != nil {
			t.Fatalf("set policy: %v", err)
		}
	}

	// 10 -> 12 crosses a cap of 11
	setCap("11")
	_, err := e.DispatchBatch(core.BatchRequest{Caller: alice, Items: []core.Item{deposit(assetA, "2")}, Now: t0})
	if !errors.Is(err, state.ErrSupplyCapExceeded) {
		t.Fatalf("got %v, want ErrSupplyCapExceeded", err)
	}

	setCap("13")
	mustDispatch(t, e, alice, deposit(assetA, "2"))

	// Still above a cap of 5, but decreasing
	setCap("5")
	mustDispatch(t, e, alice, withdraw(assetA, "3"))

	rec, _ := e.MarketStatus(assetA, t0)
	wantDecimal(t, "A total balances", rec.Status.TotalBalances, "9")
}

// ============================================================================
// Test: Borrow cap with deferred liquidity
// ============================================================================

func TestEngine_BorrowCapDeferred(t *testing.T) {
	e := fundedEngine(t)
	if _, err := e.SetAssetPolicy(assetB, ledger.AssetPolicy{SupplyCap: decimal.Zero, BorrowCap: d("5")}); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	items := []core.Item{borrow(assetB, "6"), repay(assetB, "2")}

	// Without deferral the borrow is checked on its own
	_, err := e.DispatchBatch(core.BatchRequest{Caller: alice, Items: items, Now: t0})
	var batchErr *core.BatchError
	if !errors.As(err, &batchErr) || batchErr.Index != 0 {
		t.Fatalf("got %v, want item 0 failure", err)
	}
	if !errors.Is(err, state.ErrBorrowCapExceeded) {
		t.Fatalf("got %v, want ErrBorrowCapExceeded", err)
	}

	// Deferred: caps are checked once, at the end
	res, err := e.DispatchBatch(core.BatchRequest{Caller: alice, Items: items, Deferred: []common.Address{alice}, Now: t0})
	if err != nil {
		t.Fatalf("deferred batch: %v", err)
	}
	if len(res.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(res.Results))
	}
	rec, _ := e.MarketStatus(assetB, t0)
	wantDecimal(t, "B borrows", rec.Status.TotalBorrows, "4")
}

func TestEngine_BorrowCapDeferredStillEnforcedAtCheckpoint(t *testing.T) {
	e := fundedEngine(t)
	if _, err := e.SetAssetPolicy(assetB, ledger.AssetPolicy{SupplyCap: decimal.Zero, BorrowCap: d("5")}); err != nil {
		t.Fatalf("set policy: %v", err)
	}

	_, err := e.DispatchBatch(core.BatchRequest{
		Caller:   alice,
		Items:    []core.Item{borrow(assetB, "6")},
		Deferred: []common.Address{alice},
		Now:      t0,
	})
	var batchErr *core.BatchError
	if !errors.As(err, &batchErr) || batchErr.Index != -1 {
		t.Fatalf("got %v, want checkpoint failure", err)
	}
	if !errors.Is(err, state.ErrBorrowCapExceeded) {
		t.Fatalf("got %v, want ErrBorrowCapExceeded", err)
	}
}

// ============================================================================
// Test: Liquidation
// ============================================================================

// violatorEngine leaves alice undercollateralised: 100 A at 0.8 × 0.75
// against 70 B of debt.
func violatorEngine(t *testing.T) *core.Engine {
	t.Helper()
	e := fundedEngine(t)
	mustDispatch(t, e, alice, borrow(assetB, "70"))
	if _, err := e.UpdatePrice(assetA, d("0.8"), 2, t0); err != nil {
		t.Fatalf("price: %v", err)
	}
	if err := e.CheckLiquidity(alice, t0); !errors.Is(err, state.ErrCollateralViolation) {
		t.Fatalf("got %v, want alice in violation", err)
	}
	return e
}

func TestEngine_Liquidate(t *testing.T) {
	e := violatorEngine(t)
	now := t0 + 10

	opp, err := e.CheckLiquidation(lender, alice, assetB, assetA, now)
	if err != nil {
		t.Fatalf("check liquidation: %v", err)
	}
	if !opp.Repay.IsPositive() || !opp.Yield.IsPositive() {
		t.Fatalf("empty opportunity: %+v", opp)
	}

	half := opp.Repay.Div(decimal.NewFromInt(2)).Round(6)
	res, err := e.Liquidate(state.LiquidationRequest{
		Liquidator: lender,
		Violator:   alice,
		Liability:  assetB,
		Collateral: assetA,
		Repay:      half,
		MinYield:   decimal.Zero,
	}, now)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	liq := res.Results[0].Output.Liquidation
	if liq == nil {
		t.Fatal("missing liquidation result")
	}
	if !liq.HealthAfter.GreaterThan(liq.HealthBefore) {
		t.Errorf("health did not improve: before=%s after=%s", liq.HealthBefore, liq.HealthAfter)
	}
	if !positionOf(t, e, lender, assetA).Balance.Equal(liq.Yield) {
		t.Errorf("lender A balance: got %s, want %s", positionOf(t, e, lender, assetA).Balance, liq.Yield)
	}
	if err := e.ValidateConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestEngine_LiquidateExcessiveRepay(t *testing.T) {
	e := violatorEngine(t)

	opp, err := e.CheckLiquidation(lender, alice, assetB, assetA, t0)
	if err != nil {
		t.Fatalf("check liquidation: %v", err)
	}
	_, err = e.Liquidate(state.LiquidationRequest{
		Liquidator: lender,
		Violator:   alice,
		Liability:  assetB,
		Collateral: assetA,
		Repay:      opp.Repay.Add(d("1")),
		MinYield:   decimal.Zero,
	}, t0)
	if !errors.Is(err, state.ErrExcessiveRepayAmount) {
		t.Fatalf("got %v, want ErrExcessiveRepayAmount", err)
	}
}

func TestEngine_LiquidateDeferredViolator(t *testing.T) {
	e := violatorEngine(t)

	_, err := e.DispatchBatch(core.BatchRequest{
		Caller: lender,
		Items: []core.Item{{
			Target: core.ModuleProxy(core.ModuleLiquidation),
			Call: core.Call{
				Op:         core.OpLiquidate,
				Asset:      assetB,
				Violator:   alice,
				Collateral: assetA,
				Amount:     d("1"),
				MinYield:   decimal.Zero,
			},
		}},
		Deferred: []common.Address{alice},
		Now:      t0,
	})
	if !errors.Is(err, core.ErrViolatorLiquidityDeferred) {
		t.Fatalf("got %v, want ErrViolatorLiquidityDeferred", err)
	}
}

func TestEngine_TransferToIdleViolatorKeepsBonusDecayed(t *testing.T) {
	e := violatorEngine(t)
	now := t0 + 500

	opp, err := e.CheckLiquidation(lender, alice, assetB, assetA, now)
	if err != nil {
		t.Fatalf("check liquidation: %v", err)
	}
	if !opp.Bonus.Equal(fpmath.One) {
		t.Fatalf("idle violator bonus: got %s, want 1", opp.Bonus)
	}

	_, err = e.DispatchBatch(core.BatchRequest{
		Caller: bob,
		Items: []core.Item{
			deposit(assetA, "1"),
			{Target: etoken(assetA), Call: core.Call{Op: core.OpTransferBalance, To: alice, Amount: d("0.000001")}},
		},
		Now: now,
	})
	if err != nil {
		t.Fatalf("transfer to violator: %v", err)
	}
	if got := e.Account(alice, now).LastActivity; got != t0 {
		t.Errorf("violator activity: got %d, want %d", got, t0)
	}
	if got := e.Account(bob, now).LastActivity; got != now {
		t.Errorf("sender activity: got %d, want %d", got, now)
	}

	opp, err = e.CheckLiquidation(lender, alice, assetB, assetA, now)
	if err != nil {
		t.Fatalf("check liquidation: %v", err)
	}
	if !opp.Bonus.Equal(fpmath.One) {
		t.Errorf("bonus after transfer: got %s, want 1", opp.Bonus)
	}
}

// ============================================================================
// Test: Snapshot round trip
// ============================================================================

func TestEngine_SnapshotRestore(t *testing.T) {
	e := fundedEngine(t)
	mustDispatch(t, e, alice, borrow(assetB, "20"))
	snap := e.Snapshot()

	restored, err := core.NewEngine(state.DefaultRiskConfig, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	restored.Restore(snap)

	wantDecimal(t, "restored owed", positionOf(t, restored, alice, assetB).Owed, "20")

	// Proxies are rebuilt, so batches keep working
	if _, err := restored.DispatchBatch(core.BatchRequest{Caller: alice, Items: []core.Item{repay(assetB, "5")}, Now: t0}); err != nil {
		t.Fatalf("dispatch after restore: %v", err)
	}
	wantDecimal(t, "owed after repay", positionOf(t, restored, alice, assetB).Owed, "15")
}
