package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// conservationTolerance absorbs rounding of lazily grown positions.
var conservationTolerance = decimal.New(1, -9)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	view View
}

func NewInvariantValidator(view View) *InvariantValidator {
	return &InvariantValidator{view: view}
}

// ValidateBatchBalance verifies every journal entry is well-formed.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateMarketConservation verifies pool + borrows == balances + reserves.
// Every primitive moves both sides by the same amount.
func (v *InvariantValidator) ValidateMarketConservation(asset common.Address) error {
	rec, ok := v.view.Asset(asset)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotActivated, asset.Hex())
	}
	s := rec.Status

	if s.PoolSize.IsNegative() || s.TotalBorrows.IsNegative() || s.TotalBalances.IsNegative() || s.ReserveBalance.IsNegative() {
		return fmt.Errorf("market %s has negative totals: pool=%s borrows=%s balances=%s reserves=%s",
			asset.Hex(), s.PoolSize, s.TotalBorrows, s.TotalBalances, s.ReserveBalance)
	}

	assets := s.PoolSize.Add(s.TotalBorrows)
	claims := s.TotalBalances.Add(s.ReserveBalance)
	if assets.Sub(claims).Abs().GreaterThan(conservationTolerance) {
		return fmt.Errorf("market %s not conserved: pool+borrows=%s, balances+reserves=%s",
			asset.Hex(), assets, claims)
	}
	return nil
}

// ValidateGlobalConservation checks every activated market.
func (v *InvariantValidator) ValidateGlobalConservation() error {
	for _, asset := range v.view.AssetAddresses() {
		if err := v.ValidateMarketConservation(asset); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePositionNonNegative checks a stored position never goes negative.
func (v *InvariantValidator) ValidatePositionNonNegative(key PositionKey) error {
	pos, ok := v.view.Position(key)
	if !ok {
		return nil
	}
	if pos.Balance.IsNegative() || pos.Owed.IsNegative() {
		return fmt.Errorf("position %s/%s negative: balance=%s owed=%s",
			key.Account.Hex(), key.Asset.Hex(), pos.Balance, pos.Owed)
	}
	return nil
}
