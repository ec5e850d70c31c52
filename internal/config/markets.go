// Package config loads the market bootstrap file: the risk parameters the
// engine starts with and the assets activated on a cold start.
package config

import (
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/state"
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrNoMarkets       = errors.New("markets file lists no markets")
	ErrDuplicateMarket = errors.New("market listed twice")
)

// MarketsFile is the decoded TOML document. Amounts are written as strings
// so they decode into decimals without float rounding:
//
//	[risk]
//	max_discount = "0.20"
//
//	[[market]]
//	asset = "0x..."
//	symbol = "USDC"
//	collateral_factor = "0.8"
//	borrow_factor = "0.9"
//	price = "1"
type MarketsFile struct {
	Risk    *state.RiskConfig `toml:"risk"`
	Markets []Market          `toml:"market"`
}

// Market is one [[market]] table.
type Market struct {
	Asset            string             `toml:"asset"`
	Symbol           string             `toml:"symbol"`
	CollateralFactor decimal.Decimal    `toml:"collateral_factor"`
	BorrowFactor     decimal.Decimal    `toml:"borrow_factor"`
	BorrowIsolated   bool               `toml:"borrow_isolated"`
	ReserveFee       decimal.Decimal    `toml:"reserve_fee"`
	IRM              *fpmath.KinkParams `toml:"irm"`

	SupplyCap    decimal.Decimal `toml:"supply_cap"`
	BorrowCap    decimal.Decimal `toml:"borrow_cap"`
	PauseBitmask uint32          `toml:"pause_bitmask"`

	// Optional opening price in reference units per whole token
	Price decimal.Decimal `toml:"price"`
}

// LoadMarkets reads and validates a markets file.
func LoadMarkets(path string) (*MarketsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markets file: %w", err)
	}
	return ParseMarkets(data)
}

// ParseMarkets decodes and validates a markets document.
func ParseMarkets(data []byte) (*MarketsFile, error) {
	var f MarketsFile
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, fmt.Errorf("decode markets file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("decode markets file: unknown key %q", undecoded[0].String())
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks addresses, factors and curves before anything reaches
// the engine.
func (f *MarketsFile) Validate() error {
	if len(f.Markets) == 0 {
		return ErrNoMarkets
	}
	seen := make(map[common.Address]bool, len(f.Markets))
	for i, m := range f.Markets {
		asset, err := ledger.ParseAddress(m.Asset)
		if err != nil {
			return fmt.Errorf("market %d: %w", i, err)
		}
		if seen[asset] {
			return fmt.Errorf("market %d (%s): %w", i, m.Symbol, ErrDuplicateMarket)
		}
		seen[asset] = true

		if err := state.ValidateAssetConfig(m.config()); err != nil {
			return fmt.Errorf("market %d (%s): %w", i, m.Symbol, err)
		}
		if err := state.ValidateAssetPolicy(m.AssetPolicy()); err != nil {
			return fmt.Errorf("market %d (%s): %w", i, m.Symbol, err)
		}
		if m.Price.IsNegative() {
			return fmt.Errorf("market %d (%s): negative price %s", i, m.Symbol, m.Price)
		}
	}
	if f.Risk != nil {
		if err := f.Risk.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RiskConfig returns the file's [risk] table, or the default when absent.
func (f *MarketsFile) RiskConfig() state.RiskConfig {
	if f.Risk == nil {
		return state.DefaultRiskConfig
	}
	return *f.Risk
}

// Address returns the parsed asset address. Only valid after Validate.
func (m Market) Address() common.Address {
	asset, _ := ledger.ParseAddress(m.Asset)
	return asset
}

// AssetConfig returns the market's risk parameters.
func (m Market) AssetConfig() ledger.AssetConfig { return m.config() }

// AssetPolicy returns the market's caps and pause bits.
func (m Market) AssetPolicy() ledger.AssetPolicy {
	return ledger.AssetPolicy{
		SupplyCap:    m.SupplyCap,
		BorrowCap:    m.BorrowCap,
		PauseBitmask: m.PauseBitmask,
	}
}

func (m Market) kink() fpmath.KinkParams {
	if m.IRM == nil {
		return fpmath.DefaultKinkParams
	}
	return *m.IRM
}

func (m Market) config() ledger.AssetConfig {
	return ledger.AssetConfig{
		CollateralFactor: m.CollateralFactor,
		BorrowFactor:     m.BorrowFactor,
		BorrowIsolated:   m.BorrowIsolated,
		ReserveFee:       m.ReserveFee,
		IRM:              m.kink(),
	}
}

// BootstrapEvents turns the file into the governance and oracle events that
// activate every market on a fresh log. Each market partition starts at
// source sequence 0.
func (f *MarketsFile) BootstrapEvents(now int64) []event.Event {
	var events []event.Event
	for _, m := range f.Markets {
		asset := m.Address()
		events = append(events,
			&event.AssetConfigured{
				Asset:            asset,
				Symbol:           m.Symbol,
				CollateralFactor: m.CollateralFactor,
				BorrowFactor:     m.BorrowFactor,
				BorrowIsolated:   m.BorrowIsolated,
				ReserveFee:       m.ReserveFee,
				IRM:              m.kink(),
				Sequence:         0,
				Timestamp:        now,
			},
			&event.AssetPolicyUpdate{
				Asset:        asset,
				SupplyCap:    m.SupplyCap,
				BorrowCap:    m.BorrowCap,
				PauseBitmask: m.PauseBitmask,
				Sequence:     1,
				Timestamp:    now,
			},
		)
		if m.Price.IsPositive() {
			events = append(events, &event.OraclePriceUpdate{
				Asset:          asset,
				Price:          m.Price,
				PriceSequence:  0,
				PriceTimestamp: now,
			})
		}
	}
	return events
}
