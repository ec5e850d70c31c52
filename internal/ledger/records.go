package ledger

import (
	fpmath "LendLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// AssetConfig holds the governance-set risk parameters of an asset.
type AssetConfig struct {
	CollateralFactor decimal.Decimal   `json:"collateral_factor"` // 0 = not usable as collateral
	BorrowFactor     decimal.Decimal   `json:"borrow_factor"`     // inflates liability when < 1
	BorrowIsolated   bool              `json:"borrow_isolated"`
	ReserveFee       decimal.Decimal   `json:"reserve_fee"` // share of interest routed to reserves
	IRM              fpmath.KinkParams `json:"irm"`
}

// AssetPolicy holds caps and the pause bitmask. Zero caps mean uncapped.
type AssetPolicy struct {
	SupplyCap    decimal.Decimal `json:"supply_cap"`
	BorrowCap    decimal.Decimal `json:"borrow_cap"`
	PauseBitmask uint32          `json:"pause_bitmask"`
}

// MarketStatus is the running state of one asset's market.
type MarketStatus struct {
	TotalBalances       decimal.Decimal `json:"total_balances"`
	TotalBorrows        decimal.Decimal `json:"total_borrows"`
	ReserveBalance      decimal.Decimal `json:"reserve_balance"`
	PoolSize            decimal.Decimal `json:"pool_size"`
	InterestRate        decimal.Decimal `json:"interest_rate"` // per second
	InterestAccumulator decimal.Decimal `json:"interest_accumulator"`
	SupplyAccumulator   decimal.Decimal `json:"supply_accumulator"`
	LastAccrual         int64           `json:"last_accrual"` // unix seconds
}

// NewMarketStatus returns an empty market starting its accrual clock at now.
func NewMarketStatus(now int64) MarketStatus {
	return MarketStatus{
		TotalBalances:       decimal.Zero,
		TotalBorrows:        decimal.Zero,
		ReserveBalance:      decimal.Zero,
		PoolSize:            decimal.Zero,
		InterestRate:        decimal.Zero,
		InterestAccumulator: fpmath.One,
		SupplyAccumulator:   fpmath.One,
		LastAccrual:         now,
	}
}

// Totals extracts the accrual view of the market.
func (m MarketStatus) Totals() fpmath.MarketTotals {
	return fpmath.MarketTotals{
		TotalBalances:       m.TotalBalances,
		TotalBorrows:        m.TotalBorrows,
		ReserveBalance:      m.ReserveBalance,
		InterestAccumulator: m.InterestAccumulator,
		SupplyAccumulator:   m.SupplyAccumulator,
	}
}

// Utilisation feeds the unborrowed pool as the balances term.
func (m MarketStatus) Utilisation() decimal.Decimal {
	return fpmath.Utilisation(m.TotalBorrows, m.PoolSize, m.ReserveBalance)
}

// AssetRecord is everything persisted for one activated asset.
type AssetRecord struct {
	Asset  common.Address `json:"asset"`
	Symbol string         `json:"symbol"`
	Config AssetConfig    `json:"config"`
	Policy AssetPolicy    `json:"policy"`
	Status MarketStatus   `json:"status"`
}

// PositionKey identifies an account's position in one asset.
type PositionKey struct {
	Account common.Address
	Asset   common.Address
}

// Position stores balance and debt together with the accumulator values they
// were last synced at. Use Bookkeeper to read current amounts.
type Position struct {
	Balance      decimal.Decimal `json:"balance"`
	BalanceIndex decimal.Decimal `json:"balance_index"`
	Owed         decimal.Decimal `json:"owed"`
	OwedIndex    decimal.Decimal `json:"owed_index"`
}

// EmptyPosition returns a zero position synced to the market's accumulators.
func EmptyPosition(status MarketStatus) Position {
	return Position{
		Balance:      decimal.Zero,
		BalanceIndex: status.SupplyAccumulator,
		Owed:         decimal.Zero,
		OwedIndex:    status.InterestAccumulator,
	}
}

// Current returns the position's balance and debt grown to status.
func (p Position) Current(status MarketStatus) (balance, owed decimal.Decimal) {
	balance = fpmath.Grow(p.Balance, p.BalanceIndex, status.SupplyAccumulator)
	owed = fpmath.Grow(p.Owed, p.OwedIndex, status.InterestAccumulator)
	return balance, owed
}

// IsEmpty reports whether nothing non-trivial is held or owed.
func (p Position) IsEmpty() bool {
	return fpmath.IsDust(p.Balance) && fpmath.IsDust(p.Owed)
}

// AccountState is what is persisted per account.
type AccountState struct {
	EnteredMarkets []common.Address `json:"entered_markets"`
	LastActivity   int64            `json:"last_activity"` // unix seconds
}

// IsEntered reports whether asset is in the entered set.
func (a AccountState) IsEntered(asset common.Address) bool {
	for _, m := range a.EnteredMarkets {
		if m == asset {
			return true
		}
	}
	return false
}

// WithEntered returns a copy with asset appended to the entered set.
func (a AccountState) WithEntered(asset common.Address) AccountState {
	if a.IsEntered(asset) {
		return a
	}
	markets := make([]common.Address, 0, len(a.EnteredMarkets)+1)
	markets = append(markets, a.EnteredMarkets...)
	markets = append(markets, asset)
	a.EnteredMarkets = markets
	return a
}

// WithoutEntered returns a copy with asset removed from the entered set.
func (a AccountState) WithoutEntered(asset common.Address) AccountState {
	markets := make([]common.Address, 0, len(a.EnteredMarkets))
	for _, m := range a.EnteredMarkets {
		if m != asset {
			markets = append(markets, m)
		}
	}
	a.EnteredMarkets = markets
	return a
}

// OverrideKey is an ordered (liability, collateral) pair.
type OverrideKey struct {
	Liability  common.Address
	Collateral common.Address
}

// Override replaces the collateral factor for a single-pair position.
type Override struct {
	Enabled          bool            `json:"enabled"`
	CollateralFactor decimal.Decimal `json:"collateral_factor"`
}
