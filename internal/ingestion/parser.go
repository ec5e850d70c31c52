package ingestion

import (
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// MaxBatchItems bounds the number of items across all nesting levels.
	MaxBatchItems = 256
	// MaxBatchDepth bounds batch_dispatch / defer_liquidity_check nesting.
	MaxBatchDepth = 4
)

var (
	ErrBatchTooLarge = errors.New("batch exceeds item limit")
	ErrBatchTooDeep  = errors.New("batch exceeds nesting limit")
	ErrNegativeValue = errors.New("value must not be negative")
	ErrEmptyBatch    = errors.New("batch has no items")
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a typed event.Event.
// The ingestion shell validates and converts raw events before they reach the processor.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch event.ParseEventType(eventType) {
	case event.EventTypeBatchSubmitted:
		return parseBatchSubmitted(raw.Data)
	case event.EventTypeOraclePriceUpdate:
		return parseOraclePriceUpdate(raw.Data)
	case event.EventTypeAssetConfigured:
		return parseAssetConfigured(raw.Data)
	case event.EventTypeAssetPolicyUpdate:
		return parseAssetPolicyUpdate(raw.Data)
	case event.EventTypeOverrideUpdate:
		return parseOverrideUpdate(raw.Data)
	case event.EventTypeLiquidationRequested:
		return parseLiquidationRequested(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Addresses are
// 0x-prefixed hex, amounts are decimal strings in underlying units.

type batchItemJSON struct {
	Target     string          `json:"target"`
	Op         string          `json:"op"`
	SubAccount uint8           `json:"sub_account"`
	Asset      string          `json:"asset"`
	To         string          `json:"to"`
	Account    string          `json:"account"`
	Amount     string          `json:"amount"`
	Violator   string          `json:"violator"`
	Collateral string          `json:"collateral"`
	MinYield   string          `json:"min_yield"`
	AllowError bool            `json:"allow_error"`
	Items      []batchItemJSON `json:"items"`
}

type batchSubmittedJSON struct {
	BatchID   string          `json:"batch_id"`
	Caller    string          `json:"caller"`
	Items     []batchItemJSON `json:"items"`
	Deferred  []string        `json:"deferred"`
	Simulate  bool            `json:"simulate"`
	Sequence  int64           `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
}

func parseBatchSubmitted(data []byte) (*event.BatchSubmitted, error) {
	var j batchSubmittedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BatchSubmitted: %w", err)
	}

	batchID, err := uuid.Parse(j.BatchID)
	if err != nil {
		return nil, fmt.Errorf("parse batch_id: %w", err)
	}
	caller, err := ledger.ParseAddress(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	if len(j.Items) == 0 {
		return nil, fmt.Errorf("parse items: %w", ErrEmptyBatch)
	}

	count := 0
	items, err := parseItems(j.Items, 1, &count)
	if err != nil {
		return nil, err
	}

	deferred := make([]common.Address, 0, len(j.Deferred))
	for i, s := range j.Deferred {
		addr, err := ledger.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("parse deferred[%d]: %w", i, err)
		}
		deferred = append(deferred, addr)
	}

	return &event.BatchSubmitted{
		BatchID:   batchID,
		Caller:    caller,
		Items:     items,
		Deferred:  deferred,
		Simulate:  j.Simulate,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

func parseItems(raw []batchItemJSON, depth int, count *int) ([]event.BatchItem, error) {
	if depth > MaxBatchDepth {
		return nil, ErrBatchTooDeep
	}
	items := make([]event.BatchItem, 0, len(raw))
	for i, j := range raw {
		*count++
		if *count > MaxBatchItems {
			return nil, fmt.Errorf("%w (%d)", ErrBatchTooLarge, MaxBatchItems)
		}
		item, err := parseItem(j, depth, count)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func parseItem(j batchItemJSON, depth int, count *int) (event.BatchItem, error) {
	var item event.BatchItem
	var err error

	if _, err = core.ParseOpKind(j.Op); err != nil {
		return item, err
	}
	item.Op = j.Op
	item.SubAccount = j.SubAccount
	item.AllowError = j.AllowError

	if item.Target, err = ledger.ParseAddress(j.Target); err != nil {
		return item, fmt.Errorf("parse target: %w", err)
	}
	if item.Asset, err = optionalAddress("asset", j.Asset); err != nil {
		return item, err
	}
	if item.To, err = optionalAddress("to", j.To); err != nil {
		return item, err
	}
	if item.Account, err = optionalAddress("account", j.Account); err != nil {
		return item, err
	}
	if item.Violator, err = optionalAddress("violator", j.Violator); err != nil {
		return item, err
	}
	if item.Collateral, err = optionalAddress("collateral", j.Collateral); err != nil {
		return item, err
	}
	if item.Amount, err = optionalAmount("amount", j.Amount); err != nil {
		return item, err
	}
	if item.MinYield, err = optionalAmount("min_yield", j.MinYield); err != nil {
		return item, err
	}

	if len(j.Items) > 0 {
		if item.Items, err = parseItems(j.Items, depth+1, count); err != nil {
			return item, err
		}
	}
	return item, nil
}

type oraclePriceUpdateJSON struct {
	Asset          string `json:"asset"`
	Price          string `json:"price"`
	PriceSequence  int64  `json:"price_sequence"`
	PriceTimestamp int64  `json:"price_timestamp"`
}

func parseOraclePriceUpdate(data []byte) (*event.OraclePriceUpdate, error) {
	var j oraclePriceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OraclePriceUpdate: %w", err)
	}

	asset, err := ledger.ParseAddress(j.Asset)
	if err != nil {
		return nil, fmt.Errorf("parse asset: %w", err)
	}
	price, err := requiredAmount("price", j.Price)
	if err != nil {
		return nil, err
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("price must be positive, got %s", price)
	}

	return &event.OraclePriceUpdate{
		Asset:          asset,
		Price:          price,
		PriceSequence:  j.PriceSequence,
		PriceTimestamp: j.PriceTimestamp,
	}, nil
}

type assetConfiguredJSON struct {
	Asset            string             `json:"asset"`
	Symbol           string             `json:"symbol"`
	CollateralFactor string             `json:"collateral_factor"`
	BorrowFactor     string             `json:"borrow_factor"`
	BorrowIsolated   bool               `json:"borrow_isolated"`
	ReserveFee       string             `json:"reserve_fee"`
	IRM              *fpmath.KinkParams `json:"irm"` // nil = default curve
	Sequence         int64              `json:"sequence"`
	Timestamp        int64              `json:"timestamp"`
}

func parseAssetConfigured(data []byte) (*event.AssetConfigured, error) {
	var j assetConfiguredJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AssetConfigured: %w", err)
	}

	asset, err := ledger.ParseAddress(j.Asset)
	if err != nil {
		return nil, fmt.Errorf("parse asset: %w", err)
	}
	cf, err := requiredAmount("collateral_factor", j.CollateralFactor)
	if err != nil {
		return nil, err
	}
	bf, err := requiredAmount("borrow_factor", j.BorrowFactor)
	if err != nil {
		return nil, err
	}
	fee, err := optionalAmount("reserve_fee", j.ReserveFee)
	if err != nil {
		return nil, err
	}

	irm := fpmath.DefaultKinkParams
	if j.IRM != nil {
		irm = *j.IRM
	}
	// Reject curves the model would refuse before they reach the core
	if _, err := fpmath.NewKinkFromSlopes(irm); err != nil {
		return nil, fmt.Errorf("parse irm: %w", err)
	}

	return &event.AssetConfigured{
		Asset:            asset,
		Symbol:           j.Symbol,
		CollateralFactor: cf,
		BorrowFactor:     bf,
		BorrowIsolated:   j.BorrowIsolated,
		ReserveFee:       fee,
		IRM:              irm,
		Sequence:         j.Sequence,
		Timestamp:        j.Timestamp,
	}, nil
}

type assetPolicyUpdateJSON struct {
	Asset        string `json:"asset"`
	SupplyCap    string `json:"supply_cap"`
	BorrowCap    string `json:"borrow_cap"`
	PauseBitmask uint32 `json:"pause_bitmask"`
	Sequence     int64  `json:"sequence"`
	Timestamp    int64  `json:"timestamp"`
}

func parseAssetPolicyUpdate(data []byte) (*event.AssetPolicyUpdate, error) {
	var j assetPolicyUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AssetPolicyUpdate: %w", err)
	}

	asset, err := ledger.ParseAddress(j.Asset)
	if err != nil {
		return nil, fmt.Errorf("parse asset: %w", err)
	}
	supplyCap, err := optionalAmount("supply_cap", j.SupplyCap)
	if err != nil {
		return nil, err
	}
	borrowCap, err := optionalAmount("borrow_cap", j.BorrowCap)
	if err != nil {
		return nil, err
	}

	return &event.AssetPolicyUpdate{
		Asset:        asset,
		SupplyCap:    supplyCap,
		BorrowCap:    borrowCap,
		PauseBitmask: j.PauseBitmask,
		Sequence:     j.Sequence,
		Timestamp:    j.Timestamp,
	}, nil
}

type overrideUpdateJSON struct {
	Liability        string `json:"liability"`
	Collateral       string `json:"collateral"`
	Enabled          bool   `json:"enabled"`
	CollateralFactor string `json:"collateral_factor"`
	Sequence         int64  `json:"sequence"`
	Timestamp        int64  `json:"timestamp"`
}

func parseOverrideUpdate(data []byte) (*event.OverrideUpdate, error) {
	var j overrideUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OverrideUpdate: %w", err)
	}

	liability, err := ledger.ParseAddress(j.Liability)
	if err != nil {
		return nil, fmt.Errorf("parse liability: %w", err)
	}
	collateral, err := ledger.ParseAddress(j.Collateral)
	if err != nil {
		return nil, fmt.Errorf("parse collateral: %w", err)
	}
	cf, err := optionalAmount("collateral_factor", j.CollateralFactor)
	if err != nil {
		return nil, err
	}

	return &event.OverrideUpdate{
		Liability:        liability,
		Collateral:       collateral,
		Enabled:          j.Enabled,
		CollateralFactor: cf,
		Sequence:         j.Sequence,
		Timestamp:        j.Timestamp,
	}, nil
}

type liquidationRequestedJSON struct {
	RequestID  string `json:"request_id"`
	Liquidator string `json:"liquidator"`
	Violator   string `json:"violator"`
	Liability  string `json:"liability"`
	Collateral string `json:"collateral"`
	Repay      string `json:"repay"`
	MinYield   string `json:"min_yield"`
	Sequence   int64  `json:"sequence"`
	Timestamp  int64  `json:"timestamp"`
}

func parseLiquidationRequested(data []byte) (*event.LiquidationRequested, error) {
	var j liquidationRequestedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidationRequested: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	liquidator, err := ledger.ParseAddress(j.Liquidator)
	if err != nil {
		return nil, fmt.Errorf("parse liquidator: %w", err)
	}
	violator, err := ledger.ParseAddress(j.Violator)
	if err != nil {
		return nil, fmt.Errorf("parse violator: %w", err)
	}
	liability, err := ledger.ParseAddress(j.Liability)
	if err != nil {
		return nil, fmt.Errorf("parse liability: %w", err)
	}
	collateral, err := ledger.ParseAddress(j.Collateral)
	if err != nil {
		return nil, fmt.Errorf("parse collateral: %w", err)
	}
	repay, err := requiredAmount("repay", j.Repay)
	if err != nil {
		return nil, err
	}
	minYield, err := optionalAmount("min_yield", j.MinYield)
	if err != nil {
		return nil, err
	}

	return &event.LiquidationRequested{
		RequestID:  requestID,
		Liquidator: liquidator,
		Violator:   violator,
		Liability:  liability,
		Collateral: collateral,
		Repay:      repay,
		MinYield:   minYield,
		Sequence:   j.Sequence,
		Timestamp:  j.Timestamp,
	}, nil
}

// --- Field helpers ---

func optionalAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	addr, err := ledger.ParseAddress(s)
	if err != nil {
		return common.Address{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return addr, nil
}

func optionalAmount(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return requiredAmount(field, s)
}

func requiredAmount(field, s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	if v.IsNegative() {
		return decimal.Zero, fmt.Errorf("parse %s: %w", field, ErrNegativeValue)
	}
	return v, nil
}
