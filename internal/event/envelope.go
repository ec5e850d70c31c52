package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeBatchSubmitted
	EventTypeOraclePriceUpdate
	EventTypeAssetConfigured
	EventTypeAssetPolicyUpdate
	EventTypeOverrideUpdate
	EventTypeLiquidationRequested
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Asset context, hex address (nullable for global events)
	MarketID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the asset context (nil for global events)
	MarketID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// EventTime returns the versioned input timestamp in unix seconds
	EventTime() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeBatchSubmitted:
		return "BatchSubmitted"
	case EventTypeOraclePriceUpdate:
		return "OraclePriceUpdate"
	case EventTypeAssetConfigured:
		return "AssetConfigured"
	case EventTypeAssetPolicyUpdate:
		return "AssetPolicyUpdate"
	case EventTypeOverrideUpdate:
		return "OverrideUpdate"
	case EventTypeLiquidationRequested:
		return "LiquidationRequested"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	for et := EventTypeBatchSubmitted; et <= EventTypeLiquidationRequested; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}

func hexPtr(s string) *string {
	return &s
}
