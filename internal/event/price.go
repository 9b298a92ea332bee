package event

import "github.com/google/uuid"

// PriceUpdated represents a collateral price update from the oracle
type PriceUpdated struct {
	CommandID     uuid.UUID `json:"command_id"`
	Oracle        uuid.UUID `json:"oracle"`
	Price         uint64    `json:"price,string"` // Fixed-point: price scale
	PriceSequence int64     `json:"price_sequence"`
}

func (p *PriceUpdated) IdempotencyKey() string {
	return p.CommandID.String()
}

func (p *PriceUpdated) EventType() EventType {
	return EventTypePriceUpdated
}

func (p *PriceUpdated) SourceSequence() int64 {
	return p.PriceSequence
}
