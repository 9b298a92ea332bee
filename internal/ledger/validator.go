package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateCollateralMatchesDeposits checks deposits == collateral for every identity
func (v *InvariantValidator) ValidateCollateralMatchesDeposits() error {
	for _, acct := range v.tracker.Accounts() {
		if acct.Deposits != acct.Collateral {
			return fmt.Errorf("account %s has deposits=%d collateral=%d",
				acct.Identity, acct.Deposits, acct.Collateral)
		}
	}
	return nil
}

// ValidateTotals checks the pool totals equal the sum over accounts
func (v *InvariantValidator) ValidateTotals() error {
	var deposits, borrows uint256.Int
	for _, acct := range v.tracker.Accounts() {
		deposits.Add(&deposits, uint256.NewInt(acct.Deposits))
		borrows.Add(&borrows, uint256.NewInt(acct.Borrows))
	}

	if !deposits.Eq(uint256.NewInt(v.tracker.TotalDeposits())) {
		return fmt.Errorf("total deposits %d != sum of deposits %s",
			v.tracker.TotalDeposits(), deposits.Dec())
	}
	if !borrows.Eq(uint256.NewInt(v.tracker.TotalBorrows())) {
		return fmt.Errorf("total borrows %d != sum of borrows %s",
			v.tracker.TotalBorrows(), borrows.Dec())
	}
	return nil
}

// ValidateAll runs every ledger invariant
func (v *InvariantValidator) ValidateAll() error {
	if err := v.ValidateCollateralMatchesDeposits(); err != nil {
		return err
	}
	return v.ValidateTotals()
}
