package ledger

import (
	fpmath "LendLedger/internal/math"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrAssetNotActivated    = errors.New("ledger: asset not activated")
	ErrNonPositiveAmount    = errors.New("ledger: amount must be positive")
	ErrInsufficientBalance  = errors.New("ledger: insufficient balance")
	ErrInsufficientPoolSize = errors.New("ledger: insufficient pool size")
	ErrRepayTooMuch         = errors.New("ledger: repay exceeds owed")
	ErrSelfTransfer         = errors.New("ledger: transfer to self")
)

// Bookkeeper applies balance primitives to a Tx. Every primitive accrues the
// asset's interest to now, syncs the touched positions, updates market totals,
// refreshes the interest rate and records a journal entry.
type Bookkeeper struct {
	tx  *Tx
	now int64
}

func NewBookkeeper(tx *Tx, now int64) *Bookkeeper {
	return &Bookkeeper{tx: tx, now: now}
}

// Now returns the timestamp the bookkeeper accrues to.
func (b *Bookkeeper) Now() int64 { return b.now }

// Market returns the asset's record accrued to now.
func (b *Bookkeeper) Market(asset common.Address) (AssetRecord, error) {
	rec, ok := b.tx.Asset(asset)
	if !ok {
		return AssetRecord{}, fmt.Errorf("%w: %s", ErrAssetNotActivated, asset.Hex())
	}
	if b.now <= rec.Status.LastAccrual {
		return rec, nil
	}

	rec, reserveShare := Accrued(rec, b.now)
	b.tx.PutAsset(rec)

	if reserveShare.IsPositive() {
		b.journal(JournalTypeInterestAccrual, asset,
			NewSystemAccountKey(SubTypeSystemInterest),
			NewSystemAccountKey(SubTypeSystemReserves),
			reserveShare)
	}
	return rec, nil
}

// Accrued returns rec with interest accrued to now and the share routed to
// reserves. rec is returned unchanged when now is not after the last accrual.
func Accrued(rec AssetRecord, now int64) (AssetRecord, decimal.Decimal) {
	if now <= rec.Status.LastAccrual {
		return rec, decimal.Zero
	}
	elapsed := now - rec.Status.LastAccrual
	acc := fpmath.ComputeAccrual(rec.Status.Totals(), rec.Status.InterestRate, rec.Config.ReserveFee, elapsed)

	rec.Status.TotalBalances = acc.Totals.TotalBalances
	rec.Status.TotalBorrows = acc.Totals.TotalBorrows
	rec.Status.ReserveBalance = acc.Totals.ReserveBalance
	rec.Status.InterestAccumulator = acc.Totals.InterestAccumulator
	rec.Status.SupplyAccumulator = acc.Totals.SupplyAccumulator
	rec.Status.LastAccrual = now
	return rec, acc.ReserveShare
}

// CurrentBalances reads account's balance and debt in asset as of now without
// writing anything. ok is false when the asset is not activated.
func CurrentBalances(view View, account, asset common.Address, now int64) (rec AssetRecord, balance, owed decimal.Decimal, ok bool) {
	rec, ok = view.Asset(asset)
	if !ok {
		return AssetRecord{}, decimal.Zero, decimal.Zero, false
	}
	rec, _ = Accrued(rec, now)
	pos, found := view.Position(PositionKey{Account: account, Asset: asset})
	if !found {
		return rec, decimal.Zero, decimal.Zero, true
	}
	balance, owed = pos.Current(rec.Status)
	return rec, balance, owed, true
}

// Balances returns the current balance and debt of account in asset.
func (b *Bookkeeper) Balances(account, asset common.Address) (balance, owed decimal.Decimal, err error) {
	rec, err := b.Market(asset)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	pos := b.position(account, rec)
	return pos.Balance, pos.Owed, nil
}

// position loads the position grown and re-indexed to the market's accumulators.
func (b *Bookkeeper) position(account common.Address, rec AssetRecord) Position {
	pos, ok := b.tx.Position(PositionKey{Account: account, Asset: rec.Asset})
	if !ok {
		return EmptyPosition(rec.Status)
	}
	balance, owed := pos.Current(rec.Status)
	return Position{
		Balance:      balance,
		BalanceIndex: rec.Status.SupplyAccumulator,
		Owed:         owed,
		OwedIndex:    rec.Status.InterestAccumulator,
	}
}

func (b *Bookkeeper) Deposit(account, asset common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	rec, err := b.Market(asset)
	if err != nil {
		return err
	}
	pos := b.position(account, rec)

	pos.Balance = pos.Balance.Add(amount)
	rec.Status.TotalBalances = rec.Status.TotalBalances.Add(amount)
	rec.Status.PoolSize = rec.Status.PoolSize.Add(amount)

	b.store(account, rec, pos)
	b.MarkActive(account)
	b.journal(JournalTypeDeposit, asset,
		NewSystemAccountKey(SubTypeSystemPool),
		NewUserAccountKey(account, SubTypeSupply),
		amount)
	return nil
}

func (b *Bookkeeper) Withdraw(account, asset common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	rec, err := b.Market(asset)
	if err != nil {
		return err
	}
	pos := b.position(account, rec)

	if pos.Balance.LessThan(amount) {
		return fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientBalance, pos.Balance, amount)
	}
	if rec.Status.PoolSize.LessThan(amount) {
		return fmt.Errorf("%w: pool=%s, need=%s", ErrInsufficientPoolSize, rec.Status.PoolSize, amount)
	}

	pos.Balance = pos.Balance.Sub(amount)
	rec.Status.TotalBalances = floorZero(rec.Status.TotalBalances.Sub(amount))
	rec.Status.PoolSize = rec.Status.PoolSize.Sub(amount)

	b.store(account, rec, pos)
	b.MarkActive(account)
	b.journal(JournalTypeWithdraw, asset,
		NewUserAccountKey(account, SubTypeSupply),
		NewSystemAccountKey(SubTypeSystemPool),
		amount)
	return nil
}

func (b *Bookkeeper) Borrow(account, asset common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	rec, err := b.Market(asset)
	if err != nil {
		return err
	}
	pos := b.position(account, rec)

	if rec.Status.PoolSize.LessThan(amount) {
		return fmt.Errorf("%w: pool=%s, need=%s", ErrInsufficientPoolSize, rec.Status.PoolSize, amount)
	}

	pos.Owed = pos.Owed.Add(amount)
	rec.Status.TotalBorrows = rec.Status.TotalBorrows.Add(amount)
	rec.Status.PoolSize = rec.Status.PoolSize.Sub(amount)

	b.store(account, rec, pos)
	b.MarkActive(account)
	b.journal(JournalTypeBorrow, asset,
		NewUserAccountKey(account, SubTypeDebt),
		NewSystemAccountKey(SubTypeSystemPool),
		amount)
	return nil
}

func (b *Bookkeeper) Repay(account, asset common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	rec, err := b.Market(asset)
	if err != nil {
		return err
	}
	pos := b.position(account, rec)

	if pos.Owed.LessThan(amount) {
		return fmt.Errorf("%w: owed=%s, repay=%s", ErrRepayTooMuch, pos.Owed, amount)
	}

	pos.Owed = pos.Owed.Sub(amount)
	rec.Status.TotalBorrows = floorZero(rec.Status.TotalBorrows.Sub(amount))
	rec.Status.PoolSize = rec.Status.PoolSize.Add(amount)

	b.store(account, rec, pos)
	b.MarkActive(account)
	b.journal(JournalTypeRepay, asset,
		NewSystemAccountKey(SubTypeSystemPool),
		NewUserAccountKey(account, SubTypeDebt),
		amount)
	return nil
}

// Mint creates matching balance and debt in the same asset.
func (b *Bookkeeper) Mint(account, asset common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	rec, err := b.Market(asset)
	if err != nil {
		return err
	}
	pos := b.position(account, rec)

	pos.Balance = pos.Balance.Add(amount)
	pos.Owed = pos.Owed.Add(amount)
	rec.Status.TotalBalances = rec.Status.TotalBalances.Add(amount)
	rec.Status.TotalBorrows = rec.Status.TotalBorrows.Add(amount)

	b.store(account, rec, pos)
	b.MarkActive(account)
	b.journal(JournalTypeMint, asset,
		NewUserAccountKey(account, SubTypeDebt),
		NewUserAccountKey(account, SubTypeSupply),
		amount)
	return nil
}

// Burn removes matching balance and debt in the same asset.
func (b *Bookkeeper) Burn(account, asset common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	rec, err := b.Market(asset)
	if err != nil {
		return err
	}
	pos := b.position(account, rec)

	if pos.Balance.LessThan(amount) {
		return fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientBalance, pos.Balance, amount)
	}
	if pos.Owed.LessThan(amount) {
		return fmt.Errorf("%w: owed=%s, burn=%s", ErrRepayTooMuch, pos.Owed, amount)
	}

	pos.Balance = pos.Balance.Sub(amount)
	pos.Owed = pos.Owed.Sub(amount)
	rec.Status.TotalBalances = floorZero(rec.Status.TotalBalances.Sub(amount))
	rec.Status.TotalBorrows = floorZero(rec.Status.TotalBorrows.Sub(amount))

	b.store(account, rec, pos)
	b.MarkActive(account)
	b.journal(JournalTypeBurn, asset,
		NewUserAccountKey(account, SubTypeSupply),
		NewUserAccountKey(account, SubTypeDebt),
		amount)
	return nil
}

// TransferBalance moves deposited balance between accounts.
func (b *Bookkeeper) TransferBalance(from, to, asset common.Address, amount decimal.Decimal, kind JournalType) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	if from == to {
		return ErrSelfTransfer
	}
	rec, err := b.Market(asset)
	if err != nil {
		return err
	}
	src := b.position(from, rec)
	if src.Balance.LessThan(amount) {
		return fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientBalance, src.Balance, amount)
	}
	src.Balance = src.Balance.Sub(amount)
	b.store(from, rec, src)

	dst := b.position(to, rec)
	dst.Balance = dst.Balance.Add(amount)
	b.store(to, rec, dst)

	b.journal(kind, asset,
		NewUserAccountKey(from, SubTypeSupply),
		NewUserAccountKey(to, SubTypeSupply),
		amount)
	return nil
}

// TransferDebt moves debt between accounts.
func (b *Bookkeeper) TransferDebt(from, to, asset common.Address, amount decimal.Decimal, kind JournalType) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	if from == to {
		return ErrSelfTransfer
	}
	rec, err := b.Market(asset)
	if err != nil {
		return err
	}
	src := b.position(from, rec)
	if src.Owed.LessThan(amount) {
		return fmt.Errorf("%w: owed=%s, transfer=%s", ErrRepayTooMuch, src.Owed, amount)
	}
	src.Owed = src.Owed.Sub(amount)
	b.store(from, rec, src)

	dst := b.position(to, rec)
	dst.Owed = dst.Owed.Add(amount)
	b.store(to, rec, dst)

	b.journal(kind, asset,
		NewUserAccountKey(to, SubTypeDebt),
		NewUserAccountKey(from, SubTypeDebt),
		amount)
	return nil
}

// ChargeReserveFee adds debt to account backed by new reserves.
func (b *Bookkeeper) ChargeReserveFee(account, asset common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	rec, err := b.Market(asset)
	if err != nil {
		return err
	}
	pos := b.position(account, rec)

	pos.Owed = pos.Owed.Add(amount)
	rec.Status.TotalBorrows = rec.Status.TotalBorrows.Add(amount)
	rec.Status.ReserveBalance = rec.Status.ReserveBalance.Add(amount)

	b.store(account, rec, pos)
	b.journal(JournalTypeReserveFee, asset,
		NewUserAccountKey(account, SubTypeDebt),
		NewSystemAccountKey(SubTypeSystemReserves),
		amount)
	return nil
}

// MarkActive stamps account's last activity. Single-account operations mark
// the account themselves; transfers mark neither leg, so callers mark the
// acting account.
func (b *Bookkeeper) MarkActive(account common.Address) {
	state, _ := b.tx.Account(account)
	state.LastActivity = b.now
	b.tx.PutAccount(account, state)
}

// store writes the position and market back, refreshes the interest rate
// and enters the market when the position is non-trivial.
func (b *Bookkeeper) store(account common.Address, rec AssetRecord, pos Position) {
	rec.Status.InterestRate = InterestRate(rec)
	b.tx.PutAsset(rec)
	b.tx.PutPosition(PositionKey{Account: account, Asset: rec.Asset}, pos)

	if !pos.IsEmpty() {
		state, _ := b.tx.Account(account)
		b.tx.PutAccount(account, state.WithEntered(rec.Asset))
	}
}

func (b *Bookkeeper) journal(kind JournalType, asset common.Address, debit, credit AccountKey, amount decimal.Decimal) {
	b.tx.AppendJournal(Journal{
		JournalID:     uuid.New(),
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         asset,
		Amount:        amount,
		JournalType:   kind,
		Timestamp:     b.now,
	})
}

// InterestRate is the per-second rate the asset's model gives at its current
// utilisation. An unusable model yields zero.
func InterestRate(rec AssetRecord) decimal.Decimal {
	model, err := fpmath.NewKinkFromSlopes(rec.Config.IRM)
	if err != nil {
		return decimal.Zero
	}
	return model.Rate(rec.Status.Utilisation())
}

func floorZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
