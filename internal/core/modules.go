package core

import (
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/state"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrViolatorLiquidityDeferred = errors.New("violator liquidity check deferred")
	ErrDebtTransferNotAuthorised = errors.New("debt transfer destination not owned by caller")
	ErrInvalidDestination        = errors.New("invalid transfer destination")
)

// DefaultModules returns every external module the engine installs.
func DefaultModules() []Module {
	return []Module{
		marketsModule{},
		etokenModule{},
		dtokenModule{},
		liquidationModule{},
		execModule{},
	}
}

func unsupported(id ModuleID, op OpKind) error {
	return fmt.Errorf("%w: %s on %s", ErrUnsupportedOperation, op, id)
}

// --- markets ---

type marketsModule struct{}

func (marketsModule) ID() ModuleID { return ModuleMarkets }

func (marketsModule) Ops() []OpKind { return []OpKind{OpEnterMarket, OpExitMarket} }

func (m marketsModule) Execute(s *Session, _ common.Address, call Call) (Output, error) {
	account := s.account(call)
	if _, ok := s.tx.Asset(call.Asset); !ok {
		return Output{}, fmt.Errorf("%w: %s", ledger.ErrAssetNotActivated, call.Asset.Hex())
	}
	acct, _ := s.tx.Account(account)

	switch call.Op {
	case OpEnterMarket:
		s.tx.PutAccount(account, acct.WithEntered(call.Asset))
		return s.positionOutput(account, call.Asset)

	case OpExitMarket:
		_, owed, err := s.bookkeeper().Balances(account, call.Asset)
		if err != nil {
			return Output{}, err
		}
		if !fpmath.IsDust(owed) {
			return Output{}, fmt.Errorf("%w: %s owes %s of %s", state.ErrOutstandingBorrow, account.Hex(), owed, call.Asset.Hex())
		}
		if !acct.IsEntered(call.Asset) {
			return s.positionOutput(account, call.Asset)
		}
		s.tx.PutAccount(account, acct.WithoutEntered(call.Asset))
		s.requireLiquidity(account)
		return s.positionOutput(account, call.Asset)
	}
	return Output{}, unsupported(m.ID(), call.Op)
}

// --- etoken: deposited balances ---

type etokenModule struct{}

func (etokenModule) ID() ModuleID { return ModuleEToken }

func (etokenModule) Ops() []OpKind {
	return []OpKind{OpDeposit, OpWithdraw, OpMint, OpBurn, OpTransferBalance}
}

func (m etokenModule) Execute(s *Session, asset common.Address, call Call) (Output, error) {
	account := s.account(call)
	pe := s.policy()

	switch call.Op {
	case OpDeposit:
		if err := pe.CheckPause(asset, state.OpDeposit); err != nil {
			return Output{}, err
		}
		if err := s.touch(asset); err != nil {
			return Output{}, err
		}
		s.requireNotWorse(account)
		if err := s.bookkeeper().Deposit(account, asset, call.Amount); err != nil {
			return Output{}, err
		}

	case OpWithdraw:
		if err := pe.CheckPause(asset, state.OpWithdraw); err != nil {
			return Output{}, err
		}
		if err := s.touch(asset); err != nil {
			return Output{}, err
		}
		if err := s.bookkeeper().Withdraw(account, asset, call.Amount); err != nil {
			return Output{}, err
		}
		s.requireLiquidity(account)

	case OpMint:
		if err := pe.CheckPause(asset, state.OpMint); err != nil {
			return Output{}, err
		}
		if err := s.touch(asset); err != nil {
			return Output{}, err
		}
		if err := s.bookkeeper().Mint(account, asset, call.Amount); err != nil {
			return Output{}, err
		}
		s.requireLiquidity(account)

	case OpBurn:
		if err := pe.CheckPause(asset, state.OpBurn); err != nil {
			return Output{}, err
		}
		if err := s.touch(asset); err != nil {
			return Output{}, err
		}
		if err := s.bookkeeper().Burn(account, asset, call.Amount); err != nil {
			return Output{}, err
		}
		s.requireLiquidity(account)

	case OpTransferBalance:
		if call.To == (common.Address{}) {
			return Output{}, fmt.Errorf("%w: zero address", ErrInvalidDestination)
		}
		if err := pe.CheckBalanceTransferPause(asset); err != nil {
			return Output{}, err
		}
		if err := s.touch(asset); err != nil {
			return Output{}, err
		}
		// A new collateral asset can void the recipient's pair override.
		s.requireNotWorse(call.To)
		bk := s.bookkeeper()
		if err := bk.TransferBalance(account, call.To, asset, call.Amount, ledger.JournalTypeTransferBalance); err != nil {
			return Output{}, err
		}
		bk.MarkActive(account)
		s.requireLiquidity(account)

	default:
		return Output{}, unsupported(m.ID(), call.Op)
	}
	return s.positionOutput(account, asset)
}

// --- dtoken: debt ---

type dtokenModule struct{}

func (dtokenModule) ID() ModuleID { return ModuleDToken }

func (dtokenModule) Ops() []OpKind { return []OpKind{OpBorrow, OpRepay, OpTransferDebt} }

func (m dtokenModule) Execute(s *Session, asset common.Address, call Call) (Output, error) {
	account := s.account(call)
	pe := s.policy()

	switch call.Op {
	case OpBorrow:
		if err := pe.CheckPause(asset, state.OpBorrow); err != nil {
			return Output{}, err
		}
		if err := s.touch(asset); err != nil {
			return Output{}, err
		}
		if err := s.bookkeeper().Borrow(account, asset, call.Amount); err != nil {
			return Output{}, err
		}
		s.requireLiquidity(account)

	case OpRepay:
		if err := pe.CheckPause(asset, state.OpRepay); err != nil {
			return Output{}, err
		}
		if err := s.touch(asset); err != nil {
			return Output{}, err
		}
		s.requireNotWorse(account)
		if err := s.bookkeeper().Repay(account, asset, call.Amount); err != nil {
			return Output{}, err
		}

	case OpTransferDebt:
		if call.To == (common.Address{}) {
			return Output{}, fmt.Errorf("%w: zero address", ErrInvalidDestination)
		}
		if !ledger.SameBaseAddress(s.caller, call.To) {
			return Output{}, fmt.Errorf("%w: %s", ErrDebtTransferNotAuthorised, call.To.Hex())
		}
		if err := pe.CheckDebtTransferPause(asset); err != nil {
			return Output{}, err
		}
		if err := s.touch(asset); err != nil {
			return Output{}, err
		}
		bk := s.bookkeeper()
		if err := bk.TransferDebt(account, call.To, asset, call.Amount, ledger.JournalTypeTransferDebt); err != nil {
			return Output{}, err
		}
		bk.MarkActive(account)
		bk.MarkActive(call.To)
		s.requireLiquidity(account)
		s.requireLiquidity(call.To)

	default:
		return Output{}, unsupported(m.ID(), call.Op)
	}
	return s.positionOutput(account, asset)
}

// --- liquidation ---

type liquidationModule struct{}

func (liquidationModule) ID() ModuleID { return ModuleLiquidation }

func (liquidationModule) Ops() []OpKind { return []OpKind{OpLiquidate} }

func (m liquidationModule) Execute(s *Session, _ common.Address, call Call) (Output, error) {
	if call.Op != OpLiquidate {
		return Output{}, unsupported(m.ID(), call.Op)
	}
	liquidator := s.account(call)
	if s.d.guard.IsDeferred(call.Violator) {
		return Output{}, fmt.Errorf("%w: %s", ErrViolatorLiquidityDeferred, call.Violator.Hex())
	}
	for _, asset := range []common.Address{call.Asset, call.Collateral} {
		if err := s.touch(asset); err != nil {
			return Output{}, err
		}
	}

	res, err := s.liquidation().Liquidate(s.bookkeeper(), state.LiquidationRequest{
		Liquidator: liquidator,
		Violator:   call.Violator,
		Liability:  call.Asset,
		Collateral: call.Collateral,
		Repay:      call.Amount,
		MinYield:   call.MinYield,
	})
	if err != nil {
		if s.d.metrics != nil {
			s.d.metrics.LiquidationRejected.WithLabelValues(liquidationRejectReason(err)).Inc()
		}
		return Output{}, err
	}
	s.requireLiquidity(liquidator)
	if s.d.metrics != nil && !s.simulate {
		s.d.metrics.LiquidationsExecuted.WithLabelValues(call.Asset.Hex(), call.Collateral.Hex()).Inc()
	}

	out, err := s.positionOutput(liquidator, call.Asset)
	if err != nil {
		return Output{}, err
	}
	out.Liquidation = &res
	return out, nil
}

func liquidationRejectReason(err error) string {
	switch {
	case errors.Is(err, state.ErrSelfLiquidation):
		return "self_liquidation"
	case errors.Is(err, state.ErrExcessiveRepayAmount):
		return "excessive_repay"
	case errors.Is(err, state.ErrMinYieldNotMet):
		return "min_yield"
	case errors.Is(err, state.ErrLiquidationOvershoot):
		return "overshoot"
	case errors.Is(err, state.ErrNoLiability), errors.Is(err, state.ErrViolatorNotEnteredCollateral):
		return "no_position"
	default:
		return "other"
	}
}

// --- exec: batch control ---

type execModule struct{}

func (execModule) ID() ModuleID { return ModuleExec }

func (execModule) Ops() []OpKind { return []OpKind{OpBatchDispatch, OpDeferLiquidityCheck} }

func (m execModule) Execute(s *Session, _ common.Address, call Call) (Output, error) {
	switch call.Op {
	case OpBatchDispatch:
		release, err := s.d.guard.EnterBatch()
		if err != nil {
			return Output{}, err
		}
		defer release()
		results, err := s.runNested(call.Items)
		return Output{Nested: results}, err

	case OpDeferLiquidityCheck:
		account := call.Account
		if account == (common.Address{}) {
			account = s.account(call)
		}
		release, err := s.d.guard.EnterDefer(account)
		if err != nil {
			return Output{}, err
		}
		results, err := func() ([]Result, error) {
			defer release()
			return s.runNested(call.Items)
		}()
		if err != nil {
			return Output{Account: account, Nested: results}, err
		}
		// Region closed: the account is checked with the rest of this item.
		s.requireLiquidity(account)
		return Output{Account: account, Nested: results}, nil
	}
	return Output{}, unsupported(m.ID(), call.Op)
}
