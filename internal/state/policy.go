package state

import (
	"fmt"
	"math"

	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
)

// MaxHealthFactor is reported for accounts without debt.
const MaxHealthFactor = math.MaxUint64

// CollateralizationPolicy computes valuation and health metrics.
// Every check compares exact 256-bit products, so no rounding enters a decision.
type CollateralizationPolicy struct {
	params RiskParams
}

func NewCollateralizationPolicy(params RiskParams) *CollateralizationPolicy {
	return &CollateralizationPolicy{params: params}
}

func (p *CollateralizationPolicy) Params() RiskParams {
	return p.params
}

// DebtPrice returns the price at which debt is valued.
func (p *CollateralizationPolicy) DebtPrice(price uint64) uint64 {
	if p.params.DebtPricing == DebtPricingOracle {
		return price
	}
	return fpmath.PriceConfig.Scale
}

// CollateralValue = collateral * price / UNIT, rounded down.
func (p *CollateralizationPolicy) CollateralValue(acct ledger.Account, price uint64) (uint64, error) {
	v, err := fpmath.MulDiv(acct.Collateral, price, fpmath.PriceConfig.Scale, fpmath.RoundDown)
	if err != nil {
		return 0, fmt.Errorf("collateral value: %w", ledger.ErrInvalidAmount)
	}
	return v, nil
}

// BorrowValue = borrows * debtPrice / UNIT, rounded down.
func (p *CollateralizationPolicy) BorrowValue(acct ledger.Account, price uint64) (uint64, error) {
	v, err := fpmath.MulDiv(acct.Borrows, p.DebtPrice(price), fpmath.PriceConfig.Scale, fpmath.RoundDown)
	if err != nil {
		return 0, fmt.Errorf("borrow value: %w", ledger.ErrInvalidAmount)
	}
	return v, nil
}

// IsHealthy reports whether the account stays at or above the liquidation
// threshold after removing withdrawal from its collateral.
func (p *CollateralizationPolicy) IsHealthy(acct ledger.Account, withdrawal, price uint64) (bool, error) {
	if acct.Borrows == 0 {
		return true, nil
	}
	remaining, err := fpmath.Sub(acct.Collateral, withdrawal)
	if err != nil {
		return false, fmt.Errorf("withdrawal %d exceeds collateral %d: %w", withdrawal, acct.Collateral, ledger.ErrUnderflow)
	}

	lhs := fpmath.Product(remaining, price, 100)
	rhs := fpmath.Product(acct.Borrows, p.DebtPrice(price), p.params.LiquidationThreshold)
	return !lhs.Lt(rhs), nil
}

// CanBorrow reports whether borrows+amount stays within the collateral ratio.
func (p *CollateralizationPolicy) CanBorrow(acct ledger.Account, amount, price uint64) (bool, error) {
	newBorrows, err := fpmath.Add(acct.Borrows, amount)
	if err != nil {
		return false, fmt.Errorf("borrows overflow: %w", ledger.ErrInvalidAmount)
	}

	lhs := fpmath.Product(acct.Collateral, price, 100)
	rhs := fpmath.Product(newBorrows, p.DebtPrice(price), p.params.CollateralRatio)
	return !lhs.Lt(rhs), nil
}

// HealthFactor = CollateralValue * 100 / BorrowValue.
// Returns MaxHealthFactor when there is no debt value; saturates on overflow.
func (p *CollateralizationPolicy) HealthFactor(acct ledger.Account, price uint64) (uint64, error) {
	if acct.Borrows == 0 {
		return MaxHealthFactor, nil
	}
	bv, err := p.BorrowValue(acct, price)
	if err != nil {
		return 0, err
	}
	if bv == 0 {
		return MaxHealthFactor, nil
	}
	cv, err := p.CollateralValue(acct, price)
	if err != nil {
		return 0, err
	}
	hf, err := fpmath.MulDiv(cv, 100, bv, fpmath.RoundDown)
	if err != nil {
		return MaxHealthFactor, nil
	}
	return hf, nil
}
