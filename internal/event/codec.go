package event

import (
	"encoding/json"
	"fmt"
)

// Encode serializes an event payload for the log and the outbound stream.
func Encode(evt Event) ([]byte, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return payload, nil
}

// Decode reverses Encode for a known event type.
func Decode(eventType EventType, payload []byte) (Event, error) {
	var evt Event
	switch eventType {
	case EventTypeDeposit:
		evt = &Deposit{}
	case EventTypeWithdraw:
		evt = &Withdraw{}
	case EventTypeBorrow:
		evt = &Borrow{}
	case EventTypeRepay:
		evt = &Repay{}
	case EventTypeLiquidate:
		evt = &Liquidate{}
	case EventTypePriceUpdated:
		evt = &PriceUpdated{}
	case EventTypeEmergencyWithdraw:
		evt = &EmergencyWithdraw{}
	case EventTypeOwnershipTransferred:
		evt = &OwnershipTransferred{}
	case EventTypeOracleChanged:
		evt = &OracleChanged{}
	default:
		return nil, fmt.Errorf("unknown event type %d", eventType)
	}

	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	return evt, nil
}
