package projection

import (
	"LendLedger/internal/ledger"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var ErrMarketNotProjected = errors.New("market not in projection")

// MarketStatusRow is one row of projections.market_status.
type MarketStatusRow struct {
	Asset            string          `json:"asset"`
	Symbol           string          `json:"symbol"`
	CollateralFactor decimal.Decimal `json:"collateral_factor"`
	BorrowFactor     decimal.Decimal `json:"borrow_factor"`
	BorrowIsolated   bool            `json:"borrow_isolated"`
	ReserveFee       decimal.Decimal `json:"reserve_fee"`
	SupplyCap        decimal.Decimal `json:"supply_cap"`
	BorrowCap        decimal.Decimal `json:"borrow_cap"`
	PauseBitmask     uint32          `json:"pause_bitmask"`
	TotalBalances    decimal.Decimal `json:"total_balances"`
	TotalBorrows     decimal.Decimal `json:"total_borrows"`
	ReserveBalance   decimal.Decimal `json:"reserve_balance"`
	PoolSize         decimal.Decimal `json:"pool_size"`
	InterestRate     decimal.Decimal `json:"interest_rate"`
	InterestAcc      decimal.Decimal `json:"interest_accumulator"`
	LastAccrual      int64           `json:"last_accrual"`
	LastSequence     int64           `json:"last_sequence"`
}

// NewMarketStatusRow flattens an asset record as of sequence.
func NewMarketStatusRow(sequence int64, rec ledger.AssetRecord) MarketStatusRow {
	return MarketStatusRow{
		Asset:            hexKey(rec.Asset),
		Symbol:           rec.Symbol,
		CollateralFactor: rec.Config.CollateralFactor,
		BorrowFactor:     rec.Config.BorrowFactor,
		BorrowIsolated:   rec.Config.BorrowIsolated,
		ReserveFee:       rec.Config.ReserveFee,
		SupplyCap:        rec.Policy.SupplyCap,
		BorrowCap:        rec.Policy.BorrowCap,
		PauseBitmask:     rec.Policy.PauseBitmask,
		TotalBalances:    rec.Status.TotalBalances,
		TotalBorrows:     rec.Status.TotalBorrows,
		ReserveBalance:   rec.Status.ReserveBalance,
		PoolSize:         rec.Status.PoolSize,
		InterestRate:     rec.Status.InterestRate,
		InterestAcc:      rec.Status.InterestAccumulator,
		LastAccrual:      rec.Status.LastAccrual,
		LastSequence:     sequence,
	}
}

// upsertMarket never moves a row backwards: older sequences are ignored.
func upsertMarket(ctx context.Context, tx *sql.Tx, m MarketStatusRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.market_status
			(asset, symbol, collateral_factor, borrow_factor, borrow_isolated, reserve_fee,
			 supply_cap, borrow_cap, pause_bitmask, total_balances, total_borrows,
			 reserve_balance, pool_size, interest_rate, interest_accumulator, last_accrual,
			 last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW())
		ON CONFLICT (asset) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			collateral_factor = EXCLUDED.collateral_factor,
			borrow_factor = EXCLUDED.borrow_factor,
			borrow_isolated = EXCLUDED.borrow_isolated,
			reserve_fee = EXCLUDED.reserve_fee,
			supply_cap = EXCLUDED.supply_cap,
			borrow_cap = EXCLUDED.borrow_cap,
			pause_bitmask = EXCLUDED.pause_bitmask,
			total_balances = EXCLUDED.total_balances,
			total_borrows = EXCLUDED.total_borrows,
			reserve_balance = EXCLUDED.reserve_balance,
			pool_size = EXCLUDED.pool_size,
			interest_rate = EXCLUDED.interest_rate,
			interest_accumulator = EXCLUDED.interest_accumulator,
			last_accrual = EXCLUDED.last_accrual,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
		WHERE projections.market_status.last_sequence < EXCLUDED.last_sequence
	`, m.Asset, m.Symbol, m.CollateralFactor, m.BorrowFactor, m.BorrowIsolated, m.ReserveFee,
		m.SupplyCap, m.BorrowCap, int64(m.PauseBitmask), m.TotalBalances, m.TotalBorrows,
		m.ReserveBalance, m.PoolSize, m.InterestRate, m.InterestAcc, m.LastAccrual, m.LastSequence)
	return err
}

// QueryMarket reads one market's projected status.
func QueryMarket(ctx context.Context, db *sql.DB, asset common.Address) (*MarketStatusRow, error) {
	var m MarketStatusRow
	var pause int64
	err := db.QueryRowContext(ctx, `
		SELECT asset, symbol, collateral_factor, borrow_factor, borrow_isolated, reserve_fee,
		       supply_cap, borrow_cap, pause_bitmask, total_balances, total_borrows,
		       reserve_balance, pool_size, interest_rate, interest_accumulator, last_accrual, last_sequence
		FROM projections.market_status
		WHERE asset = $1
	`, hexKey(asset)).Scan(
		&m.Asset, &m.Symbol, &m.CollateralFactor, &m.BorrowFactor, &m.BorrowIsolated, &m.ReserveFee,
		&m.SupplyCap, &m.BorrowCap, &pause, &m.TotalBalances, &m.TotalBorrows,
		&m.ReserveBalance, &m.PoolSize, &m.InterestRate, &m.InterestAcc, &m.LastAccrual, &m.LastSequence,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotProjected, hexKey(asset))
	}
	if err != nil {
		return nil, fmt.Errorf("query market: %w", err)
	}
	m.PauseBitmask = uint32(pause)
	return &m, nil
}
