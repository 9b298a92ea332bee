package state

import (
	"fmt"

	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"

	"github.com/google/uuid"
)

// LiquidationPlan is the outcome of a liquidation computed before any mutation.
type LiquidationPlan struct {
	Target    uuid.UUID
	Debt      uint64 // cleared in full
	Bonus     uint64 // debt * bonus / 100, rounded down
	Reward    uint64 // min(debt+bonus, collateral)
	Refund    uint64 // supplied - debt
	Residual  uint64 // collateral left with the target
	Shortfall uint64 // debt+bonus not covered by collateral
}

// LiquidationEngine decides eligibility and sizes the payout.
type LiquidationEngine struct {
	policy *CollateralizationPolicy
}

func NewLiquidationEngine(policy *CollateralizationPolicy) *LiquidationEngine {
	return &LiquidationEngine{policy: policy}
}

// Plan checks eligibility in order: healthy position, no debt, short repayment.
// When the reward is capped by collateral the full debt is still cleared;
// Shortfall records how much the cap withheld.
func (le *LiquidationEngine) Plan(target ledger.Account, supplied, price uint64) (*LiquidationPlan, error) {
	healthy, err := le.policy.IsHealthy(target, 0, price)
	if err != nil {
		return nil, err
	}
	if healthy {
		return nil, fmt.Errorf("target %s: %w", target.Identity, ledger.ErrPositionHealthy)
	}
	if target.Borrows == 0 {
		return nil, fmt.Errorf("target %s: %w", target.Identity, ledger.ErrNoDebt)
	}

	debt := target.Borrows
	if supplied < debt {
		return nil, fmt.Errorf("supplied %d below debt %d: %w", supplied, debt, ledger.ErrInsufficientRepayment)
	}

	bonus, err := fpmath.MulDiv(debt, le.policy.Params().LiquidationBonus, 100, fpmath.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("liquidation bonus: %w", ledger.ErrInvalidAmount)
	}
	owed, err := fpmath.Add(debt, bonus)
	if err != nil {
		return nil, fmt.Errorf("liquidation reward: %w", ledger.ErrInvalidAmount)
	}
	reward := fpmath.Min(owed, target.Collateral)

	return &LiquidationPlan{
		Target:    target.Identity,
		Debt:      debt,
		Bonus:     bonus,
		Reward:    reward,
		Refund:    supplied - debt,
		Residual:  target.Collateral - reward,
		Shortfall: owed - reward,
	}, nil
}
