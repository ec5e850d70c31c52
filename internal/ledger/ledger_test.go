package ledger_test

import (
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	owner  = common.HexToAddress("0x1000000000000000000000000000000000000100")
	other  = common.HexToAddress("0x2000000000000000000000000000000000000200")
	assetA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newStoreWithAsset(t *testing.T, now int64) *ledger.Store {
	t.Helper()
	store := ledger.NewStore()
	tx := store.Begin()
	tx.PutAsset(ledger.AssetRecord{
		Asset:  assetA,
		Symbol: "AAA",
		Config: ledger.AssetConfig{
			CollateralFactor: d("0.75"),
			BorrowFactor:     d("1"),
			ReserveFee:       d("0.2"),
			IRM:              fpmath.DefaultKinkParams,
		},
		Status: ledger.NewMarketStatus(now),
	})
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return store
}

// ============================================================================
// Test: Addressing
// ============================================================================

func TestSubAccount_SharesBaseAddress(t *testing.T) {
	sub := ledger.SubAccount(owner, 7)
	if sub == owner {
		t.Fatal("sub-account 7 should differ from owner")
	}
	if !ledger.SameBaseAddress(owner, sub) {
		t.Error("sub-account should share base address with owner")
	}
	id, ok := ledger.SubAccountID(owner, sub)
	if !ok || id != 7 {
		t.Errorf("sub-account id: got %d/%v, want 7/true", id, ok)
	}
	if ledger.SubAccount(owner, 0) != owner {
		t.Error("sub-account 0 should be the owner")
	}
	if ledger.SameBaseAddress(owner, other) {
		t.Error("unrelated addresses should not share a base")
	}
}

func TestAccountKey_Paths(t *testing.T) {
	key := ledger.NewUserAccountKey(owner, ledger.SubTypeSupply)
	want := "user:0x1000000000000000000000000000000000000100:supply"
	if got := key.AccountPath(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got := ledger.NewSystemAccountKey(ledger.SubTypeSystemReserves).AccountPath(); got != "system:reserves" {
		t.Errorf("got %q, want system:reserves", got)
	}
	if got := ledger.NewExternalAccountKey().AccountPath(); got != "external:wallets" {
		t.Errorf("got %q, want external:wallets", got)
	}
}

func TestParseAddress(t *testing.T) {
	if _, err := ledger.ParseAddress("0x00000000000000000000000000000000000000aa"); err != nil {
		t.Errorf("valid address: %v", err)
	}
	if _, err := ledger.ParseAddress("not-an-address"); err == nil {
		t.Error("expected error for invalid address")
	}
}

// ============================================================================
// Test: Store transactions
// ============================================================================

func TestTx_RollbackDiscards(t *testing.T) {
	store := newStoreWithAsset(t, 1000)

	tx := store.Begin()
	if err := ledger.NewBookkeeper(tx, 1000).Deposit(owner, assetA, d("10")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	tx.Rollback()

	if _, ok := store.Position(ledger.PositionKey{Account: owner, Asset: assetA}); ok {
		t.Error("rolled-back position should not be visible")
	}
	rec, _ := store.Asset(assetA)
	if !rec.Status.TotalBalances.IsZero() {
		t.Errorf("total balances: got %s, want 0", rec.Status.TotalBalances)
	}
}

func TestTx_SavepointIsolation(t *testing.T) {
	store := newStoreWithAsset(t, 1000)
	tx := store.Begin()
	bk := ledger.NewBookkeeper(tx, 1000)
	if err := bk.Deposit(owner, assetA, d("10")); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// A failed savepoint leaves the parent untouched.
	sp := tx.Savepoint()
	if err := ledger.NewBookkeeper(sp, 1000).Deposit(owner, assetA, d("5")); err != nil {
		t.Fatalf("deposit in savepoint: %v", err)
	}
	sp.Rollback()

	balance, _, err := bk.Balances(owner, assetA)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if !balance.Equal(d("10")) {
		t.Errorf("after rollback: got %s, want 10", balance)
	}

	// A committed savepoint folds into the parent, not the store.
	sp = tx.Savepoint()
	if err := ledger.NewBookkeeper(sp, 1000).Deposit(owner, assetA, d("5")); err != nil {
		t.Fatalf("deposit in savepoint: %v", err)
	}
	if err := sp.Commit(); err != nil {
		t.Fatalf("savepoint commit: %v", err)
	}
	balance, _, _ = bk.Balances(owner, assetA)
	if !balance.Equal(d("15")) {
		t.Errorf("after savepoint commit: got %s, want 15", balance)
	}
	if _, ok := store.Position(ledger.PositionKey{Account: owner, Asset: assetA}); ok {
		t.Error("store should not see uncommitted parent writes")
	}
	if len(tx.Journals()) != 2 {
		t.Errorf("journals: got %d, want 2", len(tx.Journals()))
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := tx.Commit(); !errors.Is(err, ledger.ErrTxClosed) {
		t.Errorf("double commit: got %v, want ErrTxClosed", err)
	}
}

func TestStore_DumpLoadRoundTrip(t *testing.T) {
	store := newStoreWithAsset(t, 1000)
	tx := store.Begin()
	bk := ledger.NewBookkeeper(tx, 1000)
	if err := bk.Deposit(owner, assetA, d("10")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := bk.Borrow(other, assetA, d("3")); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	restored := ledger.NewStore()
	restored.Load(store.Dump())

	rec, ok := restored.Asset(assetA)
	if !ok {
		t.Fatal("asset missing after load")
	}
	if !rec.Status.TotalBorrows.Equal(d("3")) {
		t.Errorf("total borrows: got %s, want 3", rec.Status.TotalBorrows)
	}
	if len(restored.AccountPositions(owner)) != 1 {
		t.Errorf("owner positions: got %d, want 1", len(restored.AccountPositions(owner)))
	}
	if len(restored.Accounts()) != 2 {
		t.Errorf("accounts: got %d, want 2", len(restored.Accounts()))
	}
}

// ============================================================================
// Test: Bookkeeper primitives
// ============================================================================

func TestBookkeeper_DepositWithdrawBorrowRepay(t *testing.T) {
	store := newStoreWithAsset(t, 1000)
	tx := store.Begin()
	bk := ledger.NewBookkeeper(tx, 1000)

	if err := bk.Deposit(owner, assetA, d("100")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := bk.Borrow(other, assetA, d("40")); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := bk.Withdraw(owner, assetA, d("70")); !errors.Is(err, ledger.ErrInsufficientPoolSize) {
		t.Errorf("withdraw beyond pool: got %v, want ErrInsufficientPoolSize", err)
	}
	if err := bk.Repay(other, assetA, d("41")); !errors.Is(err, ledger.ErrRepayTooMuch) {
		t.Errorf("over-repay: got %v, want ErrRepayTooMuch", err)
	}
	if err := bk.Repay(other, assetA, d("40")); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if err := bk.Withdraw(owner, assetA, d("100")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	rec, _ := tx.Asset(assetA)
	if !rec.Status.PoolSize.IsZero() || !rec.Status.TotalBalances.IsZero() || !rec.Status.TotalBorrows.IsZero() {
		t.Errorf("market not drained: %+v", rec.Status)
	}
	if err := ledger.NewInvariantValidator(tx).ValidateMarketConservation(assetA); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestBookkeeper_MintBurn(t *testing.T) {
	store := newStoreWithAsset(t, 1000)
	tx := store.Begin()
	bk := ledger.NewBookkeeper(tx, 1000)

	if err := bk.Mint(owner, assetA, d("50")); err != nil {
		t.Fatalf("mint: %v", err)
	}
	balance, owed, _ := bk.Balances(owner, assetA)
	if !balance.Equal(d("50")) || !owed.Equal(d("50")) {
		t.Errorf("after mint: balance=%s owed=%s, want 50/50", balance, owed)
	}

	rec, _ := tx.Asset(assetA)
	if !rec.Status.PoolSize.IsZero() {
		t.Errorf("mint must not move the pool, got %s", rec.Status.PoolSize)
	}

	if err := bk.Burn(owner, assetA, d("60")); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("over-burn: got %v, want ErrInsufficientBalance", err)
	}
	if err := bk.Burn(owner, assetA, d("50")); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if err := ledger.NewInvariantValidator(tx).ValidateMarketConservation(assetA); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestBookkeeper_Transfers(t *testing.T) {
	store := newStoreWithAsset(t, 1000)
	tx := store.Begin()
	bk := ledger.NewBookkeeper(tx, 1000)

	if err := bk.Deposit(owner, assetA, d("20")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := bk.Borrow(owner, assetA, d("5")); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := bk.TransferBalance(owner, other, assetA, d("8"), ledger.JournalTypeTransferBalance); err != nil {
		t.Fatalf("transfer balance: %v", err)
	}
	if err := bk.TransferDebt(owner, other, assetA, d("5"), ledger.JournalTypeTransferDebt); err != nil {
		t.Fatalf("transfer debt: %v", err)
	}
	if err := bk.TransferBalance(owner, owner, assetA, d("1"), ledger.JournalTypeTransferBalance); !errors.Is(err, ledger.ErrSelfTransfer) {
		t.Errorf("self transfer: got %v, want ErrSelfTransfer", err)
	}

	balance, owed, _ := bk.Balances(other, assetA)
	if !balance.Equal(d("8")) || !owed.Equal(d("5")) {
		t.Errorf("receiver: balance=%s owed=%s, want 8/5", balance, owed)
	}
	acct, _ := tx.Account(other)
	if !acct.IsEntered(assetA) {
		t.Error("receiver should have entered the market")
	}
}

func TestBookkeeper_TransfersLeaveActivityToCaller(t *testing.T) {
	store := newStoreWithAsset(t, 1000)
	tx := store.Begin()

	if err := ledger.NewBookkeeper(tx, 1000).Deposit(owner, assetA, d("20")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got, _ := tx.Account(owner); got.LastActivity != 1000 {
		t.Errorf("depositor activity: got %d, want 1000", got.LastActivity)
	}

	later := ledger.NewBookkeeper(tx, 1500)
	if err := later.TransferBalance(owner, other, assetA, d("1"), ledger.JournalTypeTransferBalance); err != nil {
		t.Fatalf("transfer balance: %v", err)
	}
	if got, _ := tx.Account(owner); got.LastActivity != 1000 {
		t.Errorf("sender activity: got %d, want 1000", got.LastActivity)
	}
	if got, _ := tx.Account(other); got.LastActivity != 0 {
		t.Errorf("recipient activity: got %d, want 0", got.LastActivity)
	}

	later.MarkActive(owner)
	if got, _ := tx.Account(owner); got.LastActivity != 1500 {
		t.Errorf("marked activity: got %d, want 1500", got.LastActivity)
	}
}

func TestBookkeeper_AccruesInterest(t *testing.T) {
	store := newStoreWithAsset(t, 1000)

	tx := store.Begin()
	bk := ledger.NewBookkeeper(tx, 1000)
	if err := bk.Deposit(owner, assetA, d("100")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := bk.Borrow(other, assetA, d("80")); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rec, _ := store.Asset(assetA)
	if !rec.Status.InterestRate.IsPositive() {
		t.Fatalf("interest rate should be positive at 80%% utilisation, got %s", rec.Status.InterestRate)
	}

	// One year later
	later := ledger.NewBookkeeper(store.Begin(), 1000+fpmath.SecondsPerYear)
	_, owed, err := later.Balances(other, assetA)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if !owed.GreaterThan(d("80")) {
		t.Errorf("owed should grow, got %s", owed)
	}
	balance, _, _ := later.Balances(owner, assetA)
	if !balance.GreaterThan(d("100")) {
		t.Errorf("supplier balance should grow, got %s", balance)
	}
	grown, _ := later.Market(assetA)
	if !grown.Status.ReserveBalance.IsPositive() {
		t.Errorf("reserves should grow, got %s", grown.Status.ReserveBalance)
	}
}

func TestBookkeeper_UnknownAsset(t *testing.T) {
	store := ledger.NewStore()
	bk := ledger.NewBookkeeper(store.Begin(), 1)
	err := bk.Deposit(owner, assetA, d("1"))
	if !errors.Is(err, ledger.ErrAssetNotActivated) {
		t.Errorf("got %v, want ErrAssetNotActivated", err)
	}
	if err := bk.Deposit(owner, assetA, d("0")); !errors.Is(err, ledger.ErrNonPositiveAmount) {
		t.Errorf("zero amount: got %v, want ErrNonPositiveAmount", err)
	}
}

// ============================================================================
// Test: Batch
// ============================================================================

func TestBatch_Validate(t *testing.T) {
	journals := []ledger.Journal{{
		JournalID:     uuid.New(),
		DebitAccount:  ledger.NewSystemAccountKey(ledger.SubTypeSystemPool),
		CreditAccount: ledger.NewUserAccountKey(owner, ledger.SubTypeSupply),
		Asset:         assetA,
		Amount:        d("1"),
	}}
	batch := ledger.NewBatch("evt-1", 1, 1000, journals)
	if err := batch.Validate(); err != nil {
		t.Errorf("valid batch: %v", err)
	}

	batch.Journals[0].Amount = d("0")
	if err := batch.Validate(); err == nil {
		t.Error("expected error for zero amount")
	}

	batch.Journals[0].Amount = d("1")
	batch.Journals[0].CreditAccount = batch.Journals[0].DebitAccount
	if err := batch.Validate(); err == nil {
		t.Error("expected error for same debit and credit")
	}
}
