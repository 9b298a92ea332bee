package event

import "github.com/google/uuid"

// Deposit is emitted when collateral enters the pool
type Deposit struct {
	CommandID uuid.UUID `json:"command_id"`
	Identity  uuid.UUID `json:"identity"`
	Amount    uint64    `json:"amount,string"`
}

func (d *Deposit) IdempotencyKey() string { return d.CommandID.String() }
func (d *Deposit) EventType() EventType   { return EventTypeDeposit }
func (d *Deposit) SourceSequence() int64  { return 0 }

// Withdraw is emitted when collateral leaves the pool at the owner's request
type Withdraw struct {
	CommandID uuid.UUID `json:"command_id"`
	Identity  uuid.UUID `json:"identity"`
	Amount    uint64    `json:"amount,string"`
}

func (w *Withdraw) IdempotencyKey() string { return w.CommandID.String() }
func (w *Withdraw) EventType() EventType   { return EventTypeWithdraw }
func (w *Withdraw) SourceSequence() int64  { return 0 }

type Borrow struct {
	CommandID uuid.UUID `json:"command_id"`
	Identity  uuid.UUID `json:"identity"`
	Amount    uint64    `json:"amount,string"`
}

func (b *Borrow) IdempotencyKey() string { return b.CommandID.String() }
func (b *Borrow) EventType() EventType   { return EventTypeBorrow }
func (b *Borrow) SourceSequence() int64  { return 0 }

// Repay records the applied payment; any excess was refunded to the payer
type Repay struct {
	CommandID uuid.UUID `json:"command_id"`
	Identity  uuid.UUID `json:"identity"`
	Amount    uint64    `json:"amount,string"`
	Refund    uint64    `json:"refund,string"`
}

func (r *Repay) IdempotencyKey() string { return r.CommandID.String() }
func (r *Repay) EventType() EventType   { return EventTypeRepay }
func (r *Repay) SourceSequence() int64  { return 0 }
