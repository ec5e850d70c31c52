// internal/event/batch.go
package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BatchItem is one call in a submitted batch. Target is a module proxy; Op
// names the operation (e.g. "deposit", "borrow", "enter_market").
// Fields an operation does not use are left zero.
type BatchItem struct {
	Target     common.Address
	Op         string
	SubAccount uint8
	Asset      common.Address  // market for enter/exit, liability for liquidate
	To         common.Address  // transfer destination account
	Account    common.Address  // account deferred by defer_liquidity_check
	Amount     decimal.Decimal // underlying units; repay for liquidate
	Violator   common.Address
	Collateral common.Address
	MinYield   decimal.Decimal
	AllowError bool
	Items      []BatchItem // nested calls for batch_dispatch / defer_liquidity_check
}

// BatchSubmitted is a user batch of module calls executed atomically.
type BatchSubmitted struct {
	BatchID   uuid.UUID
	Caller    common.Address
	Items     []BatchItem
	Deferred  []common.Address // accounts whose liquidity check waits until batch end
	Simulate  bool
	Sequence  int64
	Timestamp int64 // Unix seconds (versioned input)
}

func (b *BatchSubmitted) IdempotencyKey() string {
	return b.BatchID.String()
}

func (b *BatchSubmitted) EventType() EventType {
	return EventTypeBatchSubmitted
}

func (b *BatchSubmitted) MarketID() *string {
	return nil // Global event
}

func (b *BatchSubmitted) SourceSequence() int64 {
	return b.Sequence
}

func (b *BatchSubmitted) EventTime() int64 {
	return b.Timestamp
}
