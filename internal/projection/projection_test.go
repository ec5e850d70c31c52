package projection_test

import (
	"LendLedger/internal/ledger"
	"LendLedger/internal/projection"
	"LendLedger/internal/state"
	"LendLedger/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.uber.org/goleak"
)

var (
	assetA = common.HexToAddress("0x000000000000000000000000000000000000000A")
	assetB = common.HexToAddress("0x000000000000000000000000000000000000000b")
	alice  = common.HexToAddress("0x00000000000000000000000000000000000A11CE")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assetRecord() ledger.AssetRecord {
	status := ledger.NewMarketStatus(1_700_000_000)
	status.TotalBalances = d("100")
	status.TotalBorrows = d("40")
	return ledger.AssetRecord{
		Asset:  assetA,
		Symbol: "WETH",
		Config: ledger.AssetConfig{CollateralFactor: d("0.75"), BorrowFactor: d("1"), ReserveFee: d("0.02")},
		Policy: ledger.AssetPolicy{SupplyCap: d("1000"), BorrowCap: decimal.Zero, PauseBitmask: 4},
		Status: status,
	}
}

func liquidation() state.LiquidationResult {
	return state.LiquidationResult{
		LiquidationID: uuid.New(),
		Request: state.LiquidationRequest{
			Liquidator: bob, Violator: alice, Liability: assetB, Collateral: assetA,
			Repay: d("5.1"), MinYield: decimal.Zero,
		},
		Opportunity:  state.LiquidationOpportunity{Discount: d("0.08")},
		DebtMoved:    d("5"),
		ReserveFee:   d("0.1"),
		Yield:        d("6.2"),
		HealthBefore: d("0.92"),
		HealthAfter:  d("0.97"),
		Timestamp:    1_700_000_010,
	}
}

// ============================================================================
// Test: Row mapping
// ============================================================================

func TestNewMarketStatusRow(t *testing.T) {
	row := projection.NewMarketStatusRow(12, assetRecord())

	if row.Asset != "0x000000000000000000000000000000000000000a" {
		t.Errorf("asset: got %s, want lowercase hex", row.Asset)
	}
	if row.LastSequence != 12 || row.PauseBitmask != 4 {
		t.Errorf("got sequence %d pause %d", row.LastSequence, row.PauseBitmask)
	}
	if !row.TotalBorrows.Equal(d("40")) || !row.SupplyCap.Equal(d("1000")) {
		t.Errorf("got borrows %s supply cap %s", row.TotalBorrows, row.SupplyCap)
	}
	if !row.InterestAcc.Equal(d("1")) {
		t.Errorf("got accumulator %s, want 1", row.InterestAcc)
	}
}

func TestNewLiquidationEntry(t *testing.T) {
	res := liquidation()
	e := projection.NewLiquidationEntry(7, res)

	if e.LiquidationID != res.LiquidationID || e.Sequence != 7 {
		t.Errorf("got id %s sequence %d", e.LiquidationID, e.Sequence)
	}
	if e.Violator != "0x00000000000000000000000000000000000a11ce" {
		t.Errorf("violator: got %s", e.Violator)
	}
	if !e.Repay.Equal(d("5.1")) || !e.Discount.Equal(d("0.08")) || !e.Yield.Equal(d("6.2")) {
		t.Errorf("got repay %s discount %s yield %s", e.Repay, e.Discount, e.Yield)
	}
}

// ============================================================================
// Test: Worker lifecycle
// ============================================================================

func TestProjectionWorker_SkipsRejectedAndExits(t *testing.T) {
	defer goleak.VerifyNone(t)

	in := make(chan projection.ProjectionOutput, 2)
	w := projection.NewProjectionWorker(nil, in, nil, zerolog.Nop())

	// A nil DB would fail on any write; rejected outputs must not reach it
	in <- projection.ProjectionOutput{Sequence: 0, Rejected: true}
	in <- projection.ProjectionOutput{Sequence: 1, Rejected: true}
	close(in)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("got %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}
	if w.LastSequence() != -1 {
		t.Errorf("got last sequence %d, want -1", w.LastSequence())
	}
}

// ============================================================================
// Test: Postgres projections
// ============================================================================

func TestIntegration_ProjectionWorker(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	in := make(chan projection.ProjectionOutput, 4)
	w := projection.NewProjectionWorker(db, in, nil, zerolog.Nop())

	in <- projection.ProjectionOutput{
		Sequence:  3,
		EventType: "BatchSubmitted",
		JournalEntries: []projection.JournalEntry{
			{DebitAccount: "external:wallets", CreditAccount: "system:pool", Asset: "0xa", Amount: d("10")},
		},
		Markets: []projection.MarketStatusRow{projection.NewMarketStatusRow(3, assetRecord())},
	}
	older := assetRecord()
	older.Symbol = "STALE"
	in <- projection.ProjectionOutput{
		Sequence:     4,
		EventType:    "LiquidationRequested",
		Markets:      []projection.MarketStatusRow{projection.NewMarketStatusRow(2, older)},
		Liquidations: []projection.LiquidationHistoryEntry{projection.NewLiquidationEntry(4, liquidation())},
	}
	close(in)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if w.LastSequence() != 4 {
		t.Errorf("got last sequence %d, want 4", w.LastSequence())
	}

	m, err := projection.QueryMarket(context.Background(), db, assetA)
	if err != nil {
		t.Fatalf("query market: %v", err)
	}
	if m.Symbol != "WETH" {
		t.Errorf("got symbol %s: an older sequence overwrote the row", m.Symbol)
	}

	liqs, err := projection.QueryLiquidations(context.Background(), db, alice, 10)
	if err != nil || len(liqs) != 1 {
		t.Fatalf("got %d liquidations (%v), want 1", len(liqs), err)
	}

	var pool decimal.Decimal
	if err := db.QueryRow(`SELECT balance FROM projections.balances WHERE account_path = 'system:pool'`).Scan(&pool); err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if !pool.Equal(d("10")) {
		t.Errorf("got pool %s, want 10", pool)
	}
}
