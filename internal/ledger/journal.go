package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeBorrow
	JournalTypeRepay
	JournalTypeLiquidationRepay
	JournalTypeLiquidationSeize
	JournalTypeAdjustment
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeBorrow:
		return "borrow"
	case JournalTypeRepay:
		return "repay"
	case JournalTypeLiquidationRepay:
		return "liquidation_repay"
	case JournalTypeLiquidationSeize:
		return "liquidation_seize"
	case JournalTypeAdjustment:
		return "adjustment"
	default:
		return "unknown"
	}
}

// Direction says whether an entry raises or lowers its account.
type Direction uint8

const (
	DirectionIncrease Direction = iota
	DirectionDecrease
)

func (d Direction) Flip() Direction {
	if d == DirectionIncrease {
		return DirectionDecrease
	}
	return DirectionIncrease
}

func (d Direction) String() string {
	if d == DirectionIncrease {
		return "increase"
	}
	return "decrease"
}

// Journal represents a single posting against one account field
type Journal struct {
	JournalID   uuid.UUID   // Unique identifier
	BatchID     uuid.UUID   // Groups balanced entries
	EventRef    string      // Idempotency key of source command
	Sequence    int64       // Global event sequence
	Account     AccountKey  // Account being moved
	Direction   Direction   // Increase or decrease
	Amount      uint64      // Base units (ALWAYS positive)
	JournalType JournalType // Entry type
	Timestamp   int64       // Injected clock (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed and balanced.
// Balanced means every user-side movement of deposits and borrows is mirrored
// by the pool total, and every user's collateral moves with its deposits.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	userNet := map[Field]*netAmount{}
	poolNet := map[Field]*netAmount{}
	perUser := map[uuid.UUID]map[Field]*netAmount{}

	for _, j := range b.Journals {
		if j.Amount == 0 {
			return fmt.Errorf("journal %s has zero amount: %w", j.JournalID, ErrInvalidAmount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		switch j.Account.Scope {
		case AccountScopeUser:
			if j.Account.EntityID == uuid.Nil {
				return fmt.Errorf("journal %s targets the null identity: %w", j.JournalID, ErrInvalidIdentity)
			}
			net(userNet, j.Account.Field).add(j)
			fields, ok := perUser[j.Account.EntityID]
			if !ok {
				fields = map[Field]*netAmount{}
				perUser[j.Account.EntityID] = fields
			}
			net(fields, j.Account.Field).add(j)
		case AccountScopePool:
			if j.Account.Field == FieldCollateral {
				return fmt.Errorf("journal %s targets pool collateral", j.JournalID)
			}
			net(poolNet, j.Account.Field).add(j)
		default:
			return fmt.Errorf("journal %s has unknown scope %d", j.JournalID, j.Account.Scope)
		}
	}

	for _, f := range []Field{FieldDeposits, FieldBorrows} {
		if !net(userNet, f).equal(net(poolNet, f)) {
			return fmt.Errorf("batch %s is unbalanced on %s", b.BatchID, f)
		}
	}
	for id, fields := range perUser {
		if !net(fields, FieldDeposits).equal(net(fields, FieldCollateral)) {
			return fmt.Errorf("batch %s moves deposits and collateral of %s unequally", b.BatchID, id)
		}
	}

	return nil
}

// Inverse returns the batch that undoes b: entries in reverse order with flipped direction.
func (b *Batch) Inverse() *Batch {
	inv := &Batch{
		BatchID:   b.BatchID,
		EventRef:  b.EventRef,
		Sequence:  b.Sequence,
		Timestamp: b.Timestamp,
		Journals:  make([]Journal, 0, len(b.Journals)),
	}
	for i := len(b.Journals) - 1; i >= 0; i-- {
		j := b.Journals[i]
		j.Direction = j.Direction.Flip()
		j.JournalType = JournalTypeAdjustment
		inv.Journals = append(inv.Journals, j)
	}
	return inv
}

type netAmount struct {
	inc uint256.Int
	dec uint256.Int
}

func net(m map[Field]*netAmount, f Field) *netAmount {
	n, ok := m[f]
	if !ok {
		n = &netAmount{}
		m[f] = n
	}
	return n
}

func (n *netAmount) add(j Journal) {
	amt := uint256.NewInt(j.Amount)
	if j.Direction == DirectionIncrease {
		n.inc.Add(&n.inc, amt)
	} else {
		n.dec.Add(&n.dec, amt)
	}
}

// equal compares inc_a - dec_a with inc_b - dec_b without signed arithmetic.
func (n *netAmount) equal(o *netAmount) bool {
	var lhs, rhs uint256.Int
	lhs.Add(&n.inc, &o.dec)
	rhs.Add(&o.inc, &n.dec)
	return lhs.Eq(&rhs)
}
