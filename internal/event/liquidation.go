// internal/event/liquidation.go
package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LiquidationRequested asks the core to liquidate a violator outside a batch.
// The liquidator's own liquidity is checked immediately afterwards.
type LiquidationRequested struct {
	RequestID  uuid.UUID
	Liquidator common.Address
	Violator   common.Address
	Liability  common.Address
	Collateral common.Address
	Repay      decimal.Decimal // liability units, reserve fee included
	MinYield   decimal.Decimal // collateral units
	Sequence   int64
	Timestamp  int64 // Unix seconds (versioned input)
}

func (l *LiquidationRequested) IdempotencyKey() string {
	return l.RequestID.String()
}

func (l *LiquidationRequested) EventType() EventType {
	return EventTypeLiquidationRequested
}

func (l *LiquidationRequested) MarketID() *string {
	return nil
}

func (l *LiquidationRequested) SourceSequence() int64 {
	return l.Sequence
}

func (l *LiquidationRequested) EventTime() int64 {
	return l.Timestamp
}
