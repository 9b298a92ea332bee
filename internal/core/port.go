package core

import (
	"context"

	"github.com/google/uuid"
)

// LegDirection tells whether value entered or left the pool.
type LegDirection uint8

const (
	LegPull LegDirection = iota // counterparty -> pool
	LegPush                     // pool -> counterparty
)

func (d LegDirection) String() string {
	if d == LegPull {
		return "pull"
	}
	return "push"
}

// Leg is one executed value movement.
type Leg struct {
	Direction LegDirection `json:"direction"`
	Party     uuid.UUID    `json:"party"`
	Amount    uint64       `json:"amount,string"`
}

// Port is the value-transfer capability the engine settles through.
//
// Pull never hands control to the counterparty. Push may: the recipient can
// run arbitrary code, including calls back into the engine, before Push
// returns. A failed Pull or Push must leave no value moved. Unwind reverses a
// completed leg without notifying the counterparty.
type Port interface {
	Liquidity() uint64
	Pull(ctx context.Context, from uuid.UUID, amount uint64) error
	Push(ctx context.Context, to uuid.UUID, amount uint64) error
	Unwind(ctx context.Context, leg Leg) error
}
