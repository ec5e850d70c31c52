package query

import (
	"LendLedger/internal/ledger"
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ProjectedBalance is the net journal movement of one account path in one
// asset. Supply accounts are credited on deposit, so a positive balance is
// what the protocol owes the user; debt accounts go negative on borrow.
type ProjectedBalance struct {
	AccountPath  string          `json:"account_path"`
	Asset        string          `json:"asset"`
	Balance      decimal.Decimal `json:"balance"`
	LastSequence int64           `json:"last_sequence"`
}

// BalanceResponse groups the projected balances of one account.
type BalanceResponse struct {
	Account      common.Address     `json:"account"`
	Balances     []ProjectedBalance `json:"balances"`
	AsOfSequence int64              `json:"as_of_sequence"` // projection watermark
}

// accountPathPrefix returns the LIKE pattern matching every user path of account.
func accountPathPrefix(account common.Address) string {
	supply := ledger.NewUserAccountKey(account, ledger.SubTypeSupply).AccountPath()
	return strings.TrimSuffix(supply, "supply") + "%"
}

// GetBalances returns the projected journal balances of account. Amounts
// here exclude interest grown since the last touching batch; GetAccount
// serves the live figures.
func (qs *QueryService) GetBalances(ctx context.Context, account common.Address) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset, balance, last_sequence
		FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY account_path, asset
	`, accountPathPrefix(account))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &BalanceResponse{Account: account, AsOfSequence: asOfSeq}
	for rows.Next() {
		var b ProjectedBalance
		if err := rows.Scan(&b.AccountPath, &b.Asset, &b.Balance, &b.LastSequence); err != nil {
			return nil, err
		}
		resp.Balances = append(resp.Balances, b)
	}
	return resp, rows.Err()
}
