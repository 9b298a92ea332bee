package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// BatchRef carries the provenance stamped on every journal of a batch.
type BatchRef struct {
	EventRef  string
	Sequence  int64
	Timestamp int64 // epoch microseconds
}

// posting is one leg of a batch before ids are assigned
type posting struct {
	account   AccountKey
	direction Direction
	amount    uint64
	jtype     JournalType
}

// JournalGenerator creates balanced journal batches for lending operations
type JournalGenerator struct {
	balanceTracker *BalanceTracker // for pre-checks
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		balanceTracker: tracker,
	}
}

// GenerateDeposit credits collateral and deposits of the depositor and the pool total.
func (jg *JournalGenerator) GenerateDeposit(ref BatchRef, id uuid.UUID, amount uint64) (*Batch, error) {
	if amount == 0 {
		return nil, fmt.Errorf("deposit: %w", ErrInvalidAmount)
	}
	return jg.build(ref,
		posting{NewUserAccountKey(id, FieldDeposits), DirectionIncrease, amount, JournalTypeDeposit},
		posting{NewUserAccountKey(id, FieldCollateral), DirectionIncrease, amount, JournalTypeDeposit},
		posting{NewPoolAccountKey(FieldDeposits), DirectionIncrease, amount, JournalTypeDeposit},
	), nil
}

// GenerateWithdrawal debits deposits and collateral.
// Pre-check: the account must hold the amount.
func (jg *JournalGenerator) GenerateWithdrawal(ref BatchRef, id uuid.UUID, amount uint64) (*Batch, error) {
	if amount == 0 {
		return nil, fmt.Errorf("withdrawal: %w", ErrInvalidAmount)
	}
	acct := jg.balanceTracker.GetAccount(id)
	if amount > acct.Deposits {
		return nil, fmt.Errorf("withdrawal pre-check: have=%d, need=%d: %w",
			acct.Deposits, amount, ErrInsufficientBalance)
	}
	return jg.build(ref,
		posting{NewUserAccountKey(id, FieldDeposits), DirectionDecrease, amount, JournalTypeWithdrawal},
		posting{NewUserAccountKey(id, FieldCollateral), DirectionDecrease, amount, JournalTypeWithdrawal},
		posting{NewPoolAccountKey(FieldDeposits), DirectionDecrease, amount, JournalTypeWithdrawal},
	), nil
}

// GenerateBorrow raises the borrower's debt and the pool's total borrows.
func (jg *JournalGenerator) GenerateBorrow(ref BatchRef, id uuid.UUID, amount uint64) (*Batch, error) {
	if amount == 0 {
		return nil, fmt.Errorf("borrow: %w", ErrInvalidAmount)
	}
	return jg.build(ref,
		posting{NewUserAccountKey(id, FieldBorrows), DirectionIncrease, amount, JournalTypeBorrow},
		posting{NewPoolAccountKey(FieldBorrows), DirectionIncrease, amount, JournalTypeBorrow},
	), nil
}

// GenerateRepay lowers debt by the capped payment.
// Pre-check: payment may not exceed outstanding debt.
func (jg *JournalGenerator) GenerateRepay(ref BatchRef, id uuid.UUID, payment uint64) (*Batch, error) {
	if payment == 0 {
		return nil, fmt.Errorf("repay: %w", ErrInvalidAmount)
	}
	acct := jg.balanceTracker.GetAccount(id)
	if payment > acct.Borrows {
		return nil, fmt.Errorf("repay pre-check: debt=%d, payment=%d: %w", acct.Borrows, payment, ErrUnderflow)
	}
	return jg.build(ref,
		posting{NewUserAccountKey(id, FieldBorrows), DirectionDecrease, payment, JournalTypeRepay},
		posting{NewPoolAccountKey(FieldBorrows), DirectionDecrease, payment, JournalTypeRepay},
	), nil
}

// GenerateLiquidation clears the target's debt and seizes reward from its collateral.
// A zero reward produces only the repayment legs.
func (jg *JournalGenerator) GenerateLiquidation(ref BatchRef, target uuid.UUID, debt, reward uint64) (*Batch, error) {
	if debt == 0 {
		return nil, fmt.Errorf("liquidation: %w", ErrNoDebt)
	}
	acct := jg.balanceTracker.GetAccount(target)
	if debt != acct.Borrows {
		return nil, fmt.Errorf("liquidation pre-check: debt=%d, borrows=%d", debt, acct.Borrows)
	}
	if reward > acct.Collateral {
		return nil, fmt.Errorf("liquidation pre-check: reward=%d, collateral=%d: %w",
			reward, acct.Collateral, ErrUnderflow)
	}

	postings := []posting{
		{NewUserAccountKey(target, FieldBorrows), DirectionDecrease, debt, JournalTypeLiquidationRepay},
		{NewPoolAccountKey(FieldBorrows), DirectionDecrease, debt, JournalTypeLiquidationRepay},
	}
	if reward > 0 {
		postings = append(postings,
			posting{NewUserAccountKey(target, FieldCollateral), DirectionDecrease, reward, JournalTypeLiquidationSeize},
			posting{NewUserAccountKey(target, FieldDeposits), DirectionDecrease, reward, JournalTypeLiquidationSeize},
			posting{NewPoolAccountKey(FieldDeposits), DirectionDecrease, reward, JournalTypeLiquidationSeize},
		)
	}
	return jg.build(ref, postings...), nil
}

func (jg *JournalGenerator) build(ref BatchRef, postings ...posting) *Batch {
	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  ref.EventRef,
		Sequence:  ref.Sequence,
		Timestamp: ref.Timestamp,
		Journals:  make([]Journal, 0, len(postings)),
	}

	for _, p := range postings {
		batch.Journals = append(batch.Journals, Journal{
			JournalID:   uuid.New(),
			BatchID:     batchID,
			EventRef:    ref.EventRef,
			Sequence:    ref.Sequence,
			Account:     p.account,
			Direction:   p.direction,
			Amount:      p.amount,
			JournalType: p.jtype,
			Timestamp:   ref.Timestamp,
		})
	}

	return batch
}
