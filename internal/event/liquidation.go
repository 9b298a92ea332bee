package event

import "github.com/google/uuid"

// Liquidate is emitted when a third party clears an unhealthy position.
// Debt is cleared in full; Reward is what the liquidator received from
// the target's collateral and Shortfall what the collateral cap withheld.
type Liquidate struct {
	CommandID  uuid.UUID `json:"command_id"`
	Liquidator uuid.UUID `json:"liquidator"`
	Target     uuid.UUID `json:"target"`
	Debt       uint64    `json:"debt,string"`
	Reward     uint64    `json:"reward,string"`
	Refund     uint64    `json:"refund,string"`
	Shortfall  uint64    `json:"shortfall,string"`
}

func (l *Liquidate) IdempotencyKey() string { return l.CommandID.String() }
func (l *Liquidate) EventType() EventType   { return EventTypeLiquidate }
func (l *Liquidate) SourceSequence() int64  { return 0 }
