package state

import (
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrAssetAlreadyActivated = errors.New("asset already activated")
	ErrInvalidAssetConfig    = errors.New("invalid asset config")
	ErrInvalidAssetPolicy    = errors.New("invalid asset policy")
	ErrInvalidOverride       = errors.New("invalid override")
)

// DefaultAssetConfig is applied to newly activated assets unless the caller
// supplies one. Not usable as collateral until governance sets a factor.
var DefaultAssetConfig = ledger.AssetConfig{
	CollateralFactor: decimal.Zero,
	BorrowFactor:     decimal.RequireFromString("0.28"),
	BorrowIsolated:   true,
	ReserveFee:       decimal.RequireFromString("0.23"),
	IRM:              fpmath.DefaultKinkParams,
}

// ValidateAssetConfig checks that risk parameters are within valid ranges:
// 0 <= cf <= 1, 0 < bf <= 1, 0 <= reserve fee <= 1, and a usable IRM.
func ValidateAssetConfig(cfg ledger.AssetConfig) error {
	if cfg.CollateralFactor.IsNegative() || cfg.CollateralFactor.GreaterThan(fpmath.One) {
		return fmt.Errorf("%w: collateral_factor must be in [0, 1], got %s", ErrInvalidAssetConfig, cfg.CollateralFactor)
	}
	if !cfg.BorrowFactor.IsPositive() || cfg.BorrowFactor.GreaterThan(fpmath.One) {
		return fmt.Errorf("%w: borrow_factor must be in (0, 1], got %s", ErrInvalidAssetConfig, cfg.BorrowFactor)
	}
	if cfg.ReserveFee.IsNegative() || cfg.ReserveFee.GreaterThan(fpmath.One) {
		return fmt.Errorf("%w: reserve_fee must be in [0, 1], got %s", ErrInvalidAssetConfig, cfg.ReserveFee)
	}
	if _, err := fpmath.NewKinkFromSlopes(cfg.IRM); err != nil {
		return fmt.Errorf("%w: irm: %w", ErrInvalidAssetConfig, err)
	}
	return nil
}

// ValidateAssetPolicy rejects negative caps and unknown pause bits.
func ValidateAssetPolicy(p ledger.AssetPolicy) error {
	if p.SupplyCap.IsNegative() {
		return fmt.Errorf("%w: supply_cap must be >= 0, got %s", ErrInvalidAssetPolicy, p.SupplyCap)
	}
	if p.BorrowCap.IsNegative() {
		return fmt.Errorf("%w: borrow_cap must be >= 0, got %s", ErrInvalidAssetPolicy, p.BorrowCap)
	}
	if p.PauseBitmask&^uint32(PauseAll) != 0 {
		return fmt.Errorf("%w: unknown pause bits 0x%x", ErrInvalidAssetPolicy, p.PauseBitmask&^uint32(PauseAll))
	}
	return nil
}

// ValidateOverride checks the pair and factor of an override.
func ValidateOverride(key ledger.OverrideKey, o ledger.Override) error {
	if key.Liability == key.Collateral {
		return fmt.Errorf("%w: liability and collateral must differ", ErrInvalidOverride)
	}
	if o.CollateralFactor.IsNegative() || o.CollateralFactor.GreaterThan(fpmath.One) {
		return fmt.Errorf("%w: collateral_factor must be in [0, 1], got %s", ErrInvalidOverride, o.CollateralFactor)
	}
	return nil
}

// ActivateAsset creates the market for asset with an empty status whose
// accrual clock starts at now.
func ActivateAsset(tx *ledger.Tx, asset common.Address, symbol string, cfg ledger.AssetConfig, policy ledger.AssetPolicy, now int64) error {
	if _, ok := tx.Asset(asset); ok {
		return fmt.Errorf("%w: %s", ErrAssetAlreadyActivated, asset.Hex())
	}
	if err := ValidateAssetConfig(cfg); err != nil {
		return fmt.Errorf("activate %s: %w", asset.Hex(), err)
	}
	if err := ValidateAssetPolicy(policy); err != nil {
		return fmt.Errorf("activate %s: %w", asset.Hex(), err)
	}
	tx.PutAsset(ledger.AssetRecord{
		Asset:  asset,
		Symbol: symbol,
		Config: cfg,
		Policy: policy,
		Status: ledger.NewMarketStatus(now),
	})
	return nil
}

// UpdateAssetConfig replaces the risk parameters of an activated asset.
// Interest is accrued to now under the old model first.
func UpdateAssetConfig(tx *ledger.Tx, asset common.Address, cfg ledger.AssetConfig, now int64) error {
	if err := ValidateAssetConfig(cfg); err != nil {
		return fmt.Errorf("invalid config for %s: %w", asset.Hex(), err)
	}
	rec, err := ledger.NewBookkeeper(tx, now).Market(asset)
	if err != nil {
		return err
	}
	rec.Config = cfg
	rec.Status.InterestRate = ledger.InterestRate(rec)
	tx.PutAsset(rec)
	return nil
}

// SetAssetPolicy replaces caps and the pause bitmask of an activated asset.
func SetAssetPolicy(tx *ledger.Tx, asset common.Address, policy ledger.AssetPolicy) error {
	if err := ValidateAssetPolicy(policy); err != nil {
		return fmt.Errorf("invalid policy for %s: %w", asset.Hex(), err)
	}
	rec, ok := tx.Asset(asset)
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrAssetNotActivated, asset.Hex())
	}
	rec.Policy = policy
	tx.PutAsset(rec)
	return nil
}

// SetOverride stores the override for an ordered (liability, collateral) pair.
func SetOverride(tx *ledger.Tx, key ledger.OverrideKey, o ledger.Override) error {
	if err := ValidateOverride(key, o); err != nil {
		return err
	}
	for _, asset := range []common.Address{key.Liability, key.Collateral} {
		if _, ok := tx.Asset(asset); !ok {
			return fmt.Errorf("%w: %s", ledger.ErrAssetNotActivated, asset.Hex())
		}
	}
	tx.PutOverride(key, o)
	return nil
}
