package state

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var ErrPriceUnavailable = errors.New("price unavailable")

// PriceSource gives the price of one whole unit of an asset in the reference unit.
type PriceSource interface {
	Price(asset common.Address) (decimal.Decimal, bool)
}

// PriceState tracks the latest price per asset
type PriceState struct {
	Price     decimal.Decimal `json:"price"`
	Sequence  int64           `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
}

// PriceBook is the in-process oracle fed by price update events.
type PriceBook struct {
	prices map[common.Address]PriceState
}

func NewPriceBook() *PriceBook {
	return &PriceBook{prices: make(map[common.Address]PriceState)}
}

// UpdatePrice applies a price update. Stale or duplicate sequences are ignored
// and reported as not applied; gaps are accepted.
func (pb *PriceBook) UpdatePrice(asset common.Address, price decimal.Decimal, sequence, timestamp int64) (bool, error) {
	if !price.IsPositive() {
		return false, fmt.Errorf("price for %s must be positive, got %s", asset.Hex(), price)
	}
	if current, ok := pb.prices[asset]; ok && sequence <= current.Sequence {
		return false, nil
	}
	pb.prices[asset] = PriceState{Price: price, Sequence: sequence, Timestamp: timestamp}
	return true, nil
}

func (pb *PriceBook) Price(asset common.Address) (decimal.Decimal, bool) {
	ps, ok := pb.prices[asset]
	if !ok {
		return decimal.Zero, false
	}
	return ps.Price, true
}

// State returns the full price record of asset.
func (pb *PriceBook) State(asset common.Address) (PriceState, bool) {
	ps, ok := pb.prices[asset]
	return ps, ok
}

// PriceEntry is a flattened price for snapshots.
type PriceEntry struct {
	Asset common.Address `json:"asset"`
	PriceState
}

// Dump returns every price in address order.
func (pb *PriceBook) Dump() []PriceEntry {
	out := make([]PriceEntry, 0, len(pb.prices))
	for asset, ps := range pb.prices {
		out = append(out, PriceEntry{Asset: asset, PriceState: ps})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Asset[:], out[j].Asset[:]) < 0
	})
	return out
}

// Load replaces the book's contents.
func (pb *PriceBook) Load(entries []PriceEntry) {
	pb.prices = make(map[common.Address]PriceState, len(entries))
	for _, e := range entries {
		pb.prices[e.Asset] = e.PriceState
	}
}

// StaticPrices is a fixed PriceSource, used by offline tooling and tests.
type StaticPrices map[common.Address]decimal.Decimal

func (s StaticPrices) Price(asset common.Address) (decimal.Decimal, bool) {
	p, ok := s[asset]
	return p, ok
}
