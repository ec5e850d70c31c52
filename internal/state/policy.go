package state

import (
	"LendLedger/internal/ledger"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrMarketOperationPaused = errors.New("market operation paused")
	ErrSupplyCapExceeded     = errors.New("supply cap exceeded")
	ErrBorrowCapExceeded     = errors.New("borrow cap exceeded")
)

// Operation is a balance-mutating operation kind. Each value is also its bit
// in an asset's pause bitmask.
type Operation uint32

const (
	OpDeposit Operation = 1 << iota
	OpWithdraw
	OpBorrow
	OpRepay
	OpMint
	OpBurn
)

// PauseAll has every operation bit set.
const PauseAll = OpDeposit | OpWithdraw | OpBorrow | OpRepay | OpMint | OpBurn

func (op Operation) String() string {
	switch op {
	case OpDeposit:
		return "deposit"
	case OpWithdraw:
		return "withdraw"
	case OpBorrow:
		return "borrow"
	case OpRepay:
		return "repay"
	case OpMint:
		return "mint"
	case OpBurn:
		return "burn"
	default:
		return fmt.Sprintf("op(0x%x)", uint32(op))
	}
}

// CapSnapshot holds an asset's totals at the start of a checkpoint window.
type CapSnapshot struct {
	TotalBalances decimal.Decimal
	TotalBorrows  decimal.Decimal
}

// SnapshotCaps captures the totals caps are compared against.
func SnapshotCaps(status ledger.MarketStatus) CapSnapshot {
	return CapSnapshot{TotalBalances: status.TotalBalances, TotalBorrows: status.TotalBorrows}
}

// PolicyEnforcer validates pause bits and caps against a ledger view.
type PolicyEnforcer struct {
	view ledger.View
}

func NewPolicyEnforcer(view ledger.View) *PolicyEnforcer {
	return &PolicyEnforcer{view: view}
}

// CheckPause fails when op is paused on asset. Never deferred.
func (p *PolicyEnforcer) CheckPause(asset common.Address, op Operation) error {
	rec, ok := p.view.Asset(asset)
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrAssetNotActivated, asset.Hex())
	}
	if rec.Policy.PauseBitmask&uint32(op) != 0 {
		return fmt.Errorf("%w: %s on %s", ErrMarketOperationPaused, op, asset.Hex())
	}
	return nil
}

// CheckBalanceTransferPause treats a balance transfer as a withdraw from the
// source and a deposit into the destination.
func (p *PolicyEnforcer) CheckBalanceTransferPause(asset common.Address) error {
	if err := p.CheckPause(asset, OpWithdraw); err != nil {
		return err
	}
	return p.CheckPause(asset, OpDeposit)
}

// CheckDebtTransferPause treats a debt transfer as a repay on the source and
// a borrow on the destination.
func (p *PolicyEnforcer) CheckDebtTransferPause(asset common.Address) error {
	if err := p.CheckPause(asset, OpRepay); err != nil {
		return err
	}
	return p.CheckPause(asset, OpBorrow)
}

// CheckCaps fails when a total is above a non-zero cap and has grown since
// snap was taken. A total that is still over the cap but lower than at the
// snapshot passes, so exposure can always be reduced.
func (p *PolicyEnforcer) CheckCaps(asset common.Address, snap CapSnapshot) error {
	rec, ok := p.view.Asset(asset)
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrAssetNotActivated, asset.Hex())
	}
	return CheckCaps(rec, snap)
}

// CheckCaps is the pure form of PolicyEnforcer.CheckCaps.
func CheckCaps(rec ledger.AssetRecord, snap CapSnapshot) error {
	policy, status := rec.Policy, rec.Status

	if capExceeded(policy.SupplyCap, status.TotalBalances, snap.TotalBalances) {
		return fmt.Errorf("%w: %s total=%s cap=%s", ErrSupplyCapExceeded, rec.Asset.Hex(), status.TotalBalances, policy.SupplyCap)
	}
	if capExceeded(policy.BorrowCap, status.TotalBorrows, snap.TotalBorrows) {
		return fmt.Errorf("%w: %s total=%s cap=%s", ErrBorrowCapExceeded, rec.Asset.Hex(), status.TotalBorrows, policy.BorrowCap)
	}
	return nil
}

func capExceeded(limit, total, before decimal.Decimal) bool {
	if limit.IsZero() {
		return false
	}
	return total.GreaterThan(limit) && total.GreaterThan(before)
}
