// internal/event/price.go
package event

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// OraclePriceUpdate represents a price update from the oracle
type OraclePriceUpdate struct {
	Asset          common.Address
	Price          decimal.Decimal // reference units per whole token
	PriceSequence  int64           // Monotonic per asset
	PriceTimestamp int64           // Unix seconds (versioned input)
}

func (p *OraclePriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", strings.ToLower(p.Asset.Hex()), p.PriceSequence)
}

func (p *OraclePriceUpdate) EventType() EventType {
	return EventTypeOraclePriceUpdate
}

func (p *OraclePriceUpdate) MarketID() *string {
	return hexPtr(strings.ToLower(p.Asset.Hex()))
}

func (p *OraclePriceUpdate) SourceSequence() int64 {
	return p.PriceSequence
}

func (p *OraclePriceUpdate) EventTime() int64 {
	return p.PriceTimestamp
}
