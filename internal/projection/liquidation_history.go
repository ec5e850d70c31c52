package projection

import (
	"LendLedger/internal/state"
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LiquidationHistoryEntry is one row of projections.liquidation_history.
type LiquidationHistoryEntry struct {
	LiquidationID uuid.UUID       `json:"liquidation_id"`
	Sequence      int64           `json:"sequence"`
	Liquidator    string          `json:"liquidator"`
	Violator      string          `json:"violator"`
	Liability     string          `json:"liability"`
	Collateral    string          `json:"collateral"`
	Repay         decimal.Decimal `json:"repay"`
	DebtMoved     decimal.Decimal `json:"debt_moved"`
	ReserveFee    decimal.Decimal `json:"reserve_fee"`
	Yield         decimal.Decimal `json:"yield"`
	Discount      decimal.Decimal `json:"discount"`
	HealthBefore  decimal.Decimal `json:"health_before"`
	HealthAfter   decimal.Decimal `json:"health_after"`
	Timestamp     int64           `json:"timestamp"`
}

// NewLiquidationEntry flattens an executed liquidation for storage.
func NewLiquidationEntry(sequence int64, res state.LiquidationResult) LiquidationHistoryEntry {
	return LiquidationHistoryEntry{
		LiquidationID: res.LiquidationID,
		Sequence:      sequence,
		Liquidator:    hexKey(res.Request.Liquidator),
		Violator:      hexKey(res.Request.Violator),
		Liability:     hexKey(res.Request.Liability),
		Collateral:    hexKey(res.Request.Collateral),
		Repay:         res.Request.Repay,
		DebtMoved:     res.DebtMoved,
		ReserveFee:    res.ReserveFee,
		Yield:         res.Yield,
		Discount:      res.Opportunity.Discount,
		HealthBefore:  res.HealthBefore,
		HealthAfter:   res.HealthAfter,
		Timestamp:     res.Timestamp,
	}
}

func insertLiquidation(ctx context.Context, tx *sql.Tx, e LiquidationHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(liquidation_id, sequence, liquidator, violator, liability, collateral,
			 repay, debt_moved, reserve_fee, yield, discount, health_before, health_after, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (liquidation_id) DO NOTHING
	`, e.LiquidationID, e.Sequence, e.Liquidator, e.Violator, e.Liability, e.Collateral,
		e.Repay, e.DebtMoved, e.ReserveFee, e.Yield, e.Discount, e.HealthBefore, e.HealthAfter, e.Timestamp)
	return err
}

// QueryLiquidations returns the newest liquidations where account was the
// violator or the liquidator.
func QueryLiquidations(ctx context.Context, db *sql.DB, account common.Address, limit int) ([]LiquidationHistoryEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT liquidation_id, sequence, liquidator, violator, liability, collateral,
		       repay, debt_moved, reserve_fee, yield, discount, health_before, health_after, timestamp
		FROM projections.liquidation_history
		WHERE violator = $1 OR liquidator = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, hexKey(account), limit)
	if err != nil {
		return nil, fmt.Errorf("query liquidations: %w", err)
	}
	defer rows.Close()

	var out []LiquidationHistoryEntry
	for rows.Next() {
		var e LiquidationHistoryEntry
		if err := rows.Scan(
			&e.LiquidationID, &e.Sequence, &e.Liquidator, &e.Violator, &e.Liability, &e.Collateral,
			&e.Repay, &e.DebtMoved, &e.ReserveFee, &e.Yield, &e.Discount, &e.HealthBefore, &e.HealthAfter, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// hexKey is the lowercase hex form used for every address column.
func hexKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
