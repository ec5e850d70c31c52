package event

import (
	fpmath "LendLedger/internal/math"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// AssetConfigured activates an asset or replaces its risk parameters.
// When received for an unknown asset the core activates it with an uncapped,
// unpaused policy.
type AssetConfigured struct {
	Asset            common.Address
	Symbol           string
	CollateralFactor decimal.Decimal
	BorrowFactor     decimal.Decimal
	BorrowIsolated   bool
	ReserveFee       decimal.Decimal
	IRM              fpmath.KinkParams
	Sequence         int64 // Source sequence
	Timestamp        int64 // Unix seconds (versioned input)
}

func (a *AssetConfigured) IdempotencyKey() string {
	return fmt.Sprintf("asset_config:%s:%d", strings.ToLower(a.Asset.Hex()), a.Sequence)
}

func (a *AssetConfigured) EventType() EventType {
	return EventTypeAssetConfigured
}

func (a *AssetConfigured) MarketID() *string {
	return hexPtr(strings.ToLower(a.Asset.Hex()))
}

func (a *AssetConfigured) SourceSequence() int64 {
	return a.Sequence
}

func (a *AssetConfigured) EventTime() int64 {
	return a.Timestamp
}

// AssetPolicyUpdate replaces the caps and pause bitmask of an asset.
type AssetPolicyUpdate struct {
	Asset        common.Address
	SupplyCap    decimal.Decimal // 0 = uncapped
	BorrowCap    decimal.Decimal // 0 = uncapped
	PauseBitmask uint32
	Sequence     int64
	Timestamp    int64
}

func (a *AssetPolicyUpdate) IdempotencyKey() string {
	return fmt.Sprintf("asset_policy:%s:%d", strings.ToLower(a.Asset.Hex()), a.Sequence)
}

func (a *AssetPolicyUpdate) EventType() EventType {
	return EventTypeAssetPolicyUpdate
}

func (a *AssetPolicyUpdate) MarketID() *string {
	return hexPtr(strings.ToLower(a.Asset.Hex()))
}

func (a *AssetPolicyUpdate) SourceSequence() int64 {
	return a.Sequence
}

func (a *AssetPolicyUpdate) EventTime() int64 {
	return a.Timestamp
}

// OverrideUpdate sets the collateral factor override of a
// (liability, collateral) pair. Partitioned by the liability asset.
type OverrideUpdate struct {
	Liability        common.Address
	Collateral       common.Address
	Enabled          bool
	CollateralFactor decimal.Decimal
	Sequence         int64
	Timestamp        int64
}

func (o *OverrideUpdate) IdempotencyKey() string {
	return fmt.Sprintf("override:%s:%s:%d",
		strings.ToLower(o.Liability.Hex()), strings.ToLower(o.Collateral.Hex()), o.Sequence)
}

func (o *OverrideUpdate) EventType() EventType {
	return EventTypeOverrideUpdate
}

func (o *OverrideUpdate) MarketID() *string {
	return hexPtr(strings.ToLower(o.Liability.Hex()))
}

func (o *OverrideUpdate) SourceSequence() int64 {
	return o.Sequence
}

func (o *OverrideUpdate) EventTime() int64 {
	return o.Timestamp
}
