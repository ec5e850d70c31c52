package core

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrBatchReentrancy = errors.New("batch reentrancy")
	ErrDeferReentrancy = errors.New("defer liquidity check reentrancy")
)

// Guard tracks the single active batch and the accounts whose liquidity
// check is deferred. Every successful Enter returns a release func that the
// caller must defer, so the guard clears on every exit path.
type Guard struct {
	inBatch  bool
	deferred map[common.Address]bool
}

func NewGuard() *Guard {
	return &Guard{deferred: make(map[common.Address]bool)}
}

// EnterBatch marks a batch as executing.
func (g *Guard) EnterBatch() (release func(), err error) {
	if g.inBatch {
		return nil, ErrBatchReentrancy
	}
	g.inBatch = true
	return func() { g.inBatch = false }, nil
}

// EnterDefer defers liquidity checks of account until release.
func (g *Guard) EnterDefer(account common.Address) (release func(), err error) {
	if g.deferred[account] {
		return nil, fmt.Errorf("%w: %s", ErrDeferReentrancy, account.Hex())
	}
	g.deferred[account] = true
	return func() { delete(g.deferred, account) }, nil
}

func (g *Guard) InBatch() bool { return g.inBatch }

func (g *Guard) IsDeferred(account common.Address) bool {
	return g.deferred[account]
}
