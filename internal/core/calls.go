package core

import (
	"LendLedger/internal/event"
	"LendLedger/internal/state"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// OpKind enumerates every operation a batch item can carry.
type OpKind uint8

const (
	OpUnknown OpKind = iota
	OpEnterMarket
	OpExitMarket
	OpDeposit
	OpWithdraw
	OpMint
	OpBurn
	OpTransferBalance
	OpBorrow
	OpRepay
	OpTransferDebt
	OpLiquidate
	OpBatchDispatch
	OpDeferLiquidityCheck
)

var opNames = map[OpKind]string{
	OpEnterMarket:         "enter_market",
	OpExitMarket:          "exit_market",
	OpDeposit:             "deposit",
	OpWithdraw:            "withdraw",
	OpMint:                "mint",
	OpBurn:                "burn",
	OpTransferBalance:     "transfer_balance",
	OpBorrow:              "borrow",
	OpRepay:               "repay",
	OpTransferDebt:        "transfer_debt",
	OpLiquidate:           "liquidate",
	OpBatchDispatch:       "batch_dispatch",
	OpDeferLiquidityCheck: "defer_liquidity_check",
}

func (op OpKind) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return "unknown"
}

// ParseOpKind maps a wire name to its OpKind.
func ParseOpKind(s string) (OpKind, error) {
	for op, name := range opNames {
		if name == s {
			return op, nil
		}
	}
	return OpUnknown, fmt.Errorf("%w: %q", ErrUnsupportedOperation, s)
}

// Call is the decoded calldata of one item. The acting account is always the
// caller's sub-account SubAccount; other fields are used per operation.
type Call struct {
	Op         OpKind
	SubAccount uint8
	Asset      common.Address  // enter/exit market; liability for liquidate
	To         common.Address  // transfer destination
	Account    common.Address  // deferred account for defer_liquidity_check
	Amount     decimal.Decimal // underlying units
	Violator   common.Address
	Collateral common.Address
	MinYield   decimal.Decimal
	Items      []Item // nested calls
}

// Item is one entry of a batch.
type Item struct {
	Target     common.Address
	Call       Call
	AllowError bool
}

// Output is what a successful item returns. Only the fields relevant to the
// operation are set.
type Output struct {
	Account     common.Address           `json:"account"`
	Asset       common.Address           `json:"asset"`
	Balance     decimal.Decimal          `json:"balance"`
	Owed        decimal.Decimal          `json:"owed"`
	Liquidation *state.LiquidationResult `json:"liquidation,omitempty"`
	Nested      []Result                 `json:"nested,omitempty"`
}

// Result is the outcome of one item.
type Result struct {
	Index   int    `json:"index"`
	Success bool   `json:"success"`
	Err     error  `json:"-"`
	Error   string `json:"error,omitempty"`
	Output  Output `json:"output"`
}

// ItemsFromEvent converts wire batch items, resolving operation names.
func ItemsFromEvent(items []event.BatchItem) ([]Item, error) {
	out := make([]Item, 0, len(items))
	for i, it := range items {
		op, err := ParseOpKind(it.Op)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		nested, err := ItemsFromEvent(it.Items)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, Item{
			Target:     it.Target,
			AllowError: it.AllowError,
			Call: Call{
				Op:         op,
				SubAccount: it.SubAccount,
				Asset:      it.Asset,
				To:         it.To,
				Account:    it.Account,
				Amount:     it.Amount,
				Violator:   it.Violator,
				Collateral: it.Collateral,
				MinYield:   it.MinYield,
				Items:      nested,
			},
		})
	}
	return out, nil
}
