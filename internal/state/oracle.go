package state

import (
	"fmt"

	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"

	"github.com/google/uuid"
)

// PriceOracle holds the collateral price and the identity allowed to move it.
type PriceOracle struct {
	price    uint64 // fpmath.PriceConfig scale
	identity uuid.UUID
}

// NewPriceOracle starts at a price of 1.0.
func NewPriceOracle(identity uuid.UUID) *PriceOracle {
	return &PriceOracle{
		price:    fpmath.PriceConfig.Scale,
		identity: identity,
	}
}

func (o *PriceOracle) Price() uint64 {
	return o.price
}

func (o *PriceOracle) Identity() uuid.UUID {
	return o.identity
}

// Authorize fails unless caller is the oracle identity.
func (o *PriceOracle) Authorize(caller uuid.UUID) error {
	if caller == uuid.Nil || caller != o.identity {
		return fmt.Errorf("caller %s is not the oracle: %w", caller, ledger.ErrUnauthorized)
	}
	return nil
}

// SetPrice replaces the price. Zero is rejected.
func (o *PriceOracle) SetPrice(price uint64) error {
	if price == 0 {
		return fmt.Errorf("price must be positive: %w", ledger.ErrInvalidPrice)
	}
	o.price = price
	return nil
}

func (o *PriceOracle) SetIdentity(identity uuid.UUID) error {
	if identity == uuid.Nil {
		return fmt.Errorf("oracle: %w", ledger.ErrInvalidIdentity)
	}
	o.identity = identity
	return nil
}

// Restore sets both fields from a snapshot without validation of the caller.
func (o *PriceOracle) Restore(price uint64, identity uuid.UUID) {
	o.price = price
	o.identity = identity
}
