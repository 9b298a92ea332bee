package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDeposit
	EventTypeWithdraw
	EventTypeBorrow
	EventTypeRepay
	EventTypeLiquidate
	EventTypePriceUpdated
	EventTypeEmergencyWithdraw
	EventTypeOwnershipTransferred
	EventTypeOracleChanged
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Injected clock (NOT wall-clock of the writer)
	Timestamp time.Time

	// Upstream sequence for ordering validation (price feed only)
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

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeWithdraw:
		return "Withdraw"
	case EventTypeBorrow:
		return "Borrow"
	case EventTypeRepay:
		return "Repay"
	case EventTypeLiquidate:
		return "Liquidate"
	case EventTypePriceUpdated:
		return "PriceUpdated"
	case EventTypeEmergencyWithdraw:
		return "EmergencyWithdraw"
	case EventTypeOwnershipTransferred:
		return "OwnershipTransferred"
	case EventTypeOracleChanged:
		return "OracleChanged"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	for et := EventTypeDeposit; et <= EventTypeOracleChanged; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
