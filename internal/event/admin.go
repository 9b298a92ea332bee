package event

import "github.com/google/uuid"

// EmergencyWithdraw records the owner sweeping the pool's liquidity
type EmergencyWithdraw struct {
	CommandID uuid.UUID `json:"command_id"`
	Owner     uuid.UUID `json:"owner"`
	Amount    uint64    `json:"amount,string"`
}

func (e *EmergencyWithdraw) IdempotencyKey() string { return e.CommandID.String() }
func (e *EmergencyWithdraw) EventType() EventType   { return EventTypeEmergencyWithdraw }
func (e *EmergencyWithdraw) SourceSequence() int64  { return 0 }

type OwnershipTransferred struct {
	CommandID uuid.UUID `json:"command_id"`
	Previous  uuid.UUID `json:"previous"`
	Owner     uuid.UUID `json:"owner"`
}

func (o *OwnershipTransferred) IdempotencyKey() string { return o.CommandID.String() }
func (o *OwnershipTransferred) EventType() EventType   { return EventTypeOwnershipTransferred }
func (o *OwnershipTransferred) SourceSequence() int64  { return 0 }

type OracleChanged struct {
	CommandID uuid.UUID `json:"command_id"`
	Previous  uuid.UUID `json:"previous"`
	Oracle    uuid.UUID `json:"oracle"`
}

func (o *OracleChanged) IdempotencyKey() string { return o.CommandID.String() }
func (o *OracleChanged) EventType() EventType   { return EventTypeOracleChanged }
func (o *OracleChanged) SourceSequence() int64  { return 0 }
