package event

import (
	"encoding/json"
	"fmt"
)

// Decode rebuilds an event from a persisted envelope payload.
func Decode(eventType EventType, payload []byte) (Event, error) {
	var evt Event
	switch eventType {
	case EventTypeBatchSubmitted:
		evt = &BatchSubmitted{}
	case EventTypeOraclePriceUpdate:
		evt = &OraclePriceUpdate{}
	case EventTypeAssetConfigured:
		evt = &AssetConfigured{}
	case EventTypeAssetPolicyUpdate:
		evt = &AssetPolicyUpdate{}
	case EventTypeOverrideUpdate:
		evt = &OverrideUpdate{}
	case EventTypeLiquidationRequested:
		evt = &LiquidationRequested{}
	default:
		return nil, fmt.Errorf("unknown event type: %d", eventType)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return evt, nil
}

// Encode is the payload format stored in EventEnvelope.Payload.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}
