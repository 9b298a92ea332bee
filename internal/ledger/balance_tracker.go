package ledger

import (
	"bytes"
	"fmt"
	"sort"

	fpmath "LendLedger/internal/math"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]uint64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]uint64),
	}
}

// ApplyBatch applies all journals in a batch.
// Either every entry lands or none does: results are staged and committed only
// when no entry underflows or overflows.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	staged := make(map[AccountKey]uint64, len(batch.Journals))
	for _, j := range batch.Journals {
		current, ok := staged[j.Account]
		if !ok {
			current = bt.balances[j.Account]
		}

		var next uint64
		var err error
		if j.Direction == DirectionIncrease {
			next, err = fpmath.Add(current, j.Amount)
			if err != nil {
				return fmt.Errorf("journal %s on %s: %w", j.JournalID, j.Account.AccountPath(), ErrInvalidAmount)
			}
		} else {
			next, err = fpmath.Sub(current, j.Amount)
			if err != nil {
				return fmt.Errorf("journal %s on %s: %w", j.JournalID, j.Account.AccountPath(), ErrUnderflow)
			}
		}
		staged[j.Account] = next
	}

	for key, value := range staged {
		if value == 0 {
			delete(bt.balances, key)
			continue
		}
		bt.balances[key] = value
	}
	return nil
}

// RevertBatch undoes a previously applied batch.
func (bt *BalanceTracker) RevertBatch(batch *Batch) error {
	return bt.ApplyBatch(batch.Inverse())
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) uint64 {
	return bt.balances[key]
}

// GetAccount returns the three balances of one identity.
func (bt *BalanceTracker) GetAccount(id uuid.UUID) Account {
	return Account{
		Identity:   id,
		Deposits:   bt.GetBalance(NewUserAccountKey(id, FieldDeposits)),
		Collateral: bt.GetBalance(NewUserAccountKey(id, FieldCollateral)),
		Borrows:    bt.GetBalance(NewUserAccountKey(id, FieldBorrows)),
	}
}

func (bt *BalanceTracker) TotalDeposits() uint64 {
	return bt.GetBalance(NewPoolAccountKey(FieldDeposits))
}

func (bt *BalanceTracker) TotalBorrows() uint64 {
	return bt.GetBalance(NewPoolAccountKey(FieldBorrows))
}

// Identities returns every identity with a non-zero balance, in byte order.
func (bt *BalanceTracker) Identities() []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	for key := range bt.balances {
		if key.Scope == AccountScopeUser {
			seen[key.EntityID] = struct{}{}
		}
	}
	ids := make([]uuid.UUID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}

// Accounts returns every non-empty account in identity order.
func (bt *BalanceTracker) Accounts() []Account {
	ids := bt.Identities()
	accounts := make([]Account, 0, len(ids))
	for _, id := range ids {
		accounts = append(accounts, bt.GetAccount(id))
	}
	return accounts
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]uint64 {
	snapshot := make(map[AccountKey]uint64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances with a snapshot.
func (bt *BalanceTracker) Restore(snapshot map[AccountKey]uint64) {
	bt.balances = make(map[AccountKey]uint64, len(snapshot))
	for k, v := range snapshot {
		if v != 0 {
			bt.balances[k] = v
		}
	}
}
