package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopePool
)

// Field is the balance a journal entry moves.
// User accounts carry all three; the pool carries the deposit and borrow totals.
type Field uint8

const (
	FieldDeposits Field = iota
	FieldCollateral
	FieldBorrows
)

func (f Field) String() string {
	switch f {
	case FieldDeposits:
		return "deposits"
	case FieldCollateral:
		return "collateral"
	case FieldBorrows:
		return "borrows"
	default:
		return "unknown"
	}
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID uuid.UUID // zero for the pool
	Field    Field
}

// NewUserAccountKey creates a key for one field of a user account
func NewUserAccountKey(id uuid.UUID, field Field) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: id,
		Field:    field,
	}
}

// NewPoolAccountKey creates a key for a pool-wide total
func NewPoolAccountKey(field Field) AccountKey {
	return AccountKey{
		Scope: AccountScopePool,
		Field: field,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s", k.EntityID.String(), k.Field)
	case AccountScopePool:
		return fmt.Sprintf("pool:total_%s", k.Field)
	}
	return "unknown"
}

// ParseField is the inverse of Field.String.
func ParseField(s string) (Field, error) {
	switch s {
	case "deposits":
		return FieldDeposits, nil
	case "collateral":
		return FieldCollateral, nil
	case "borrows":
		return FieldBorrows, nil
	}
	return 0, fmt.Errorf("unknown account field %q", s)
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	switch {
	case len(parts) == 3 && parts[0] == "user":
		id, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		field, err := ParseField(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		return NewUserAccountKey(id, field), nil
	case len(parts) == 2 && parts[0] == "pool" && strings.HasPrefix(parts[1], "total_"):
		field, err := ParseField(strings.TrimPrefix(parts[1], "total_"))
		if err != nil {
			return AccountKey{}, err
		}
		return NewPoolAccountKey(field), nil
	}
	return AccountKey{}, fmt.Errorf("malformed account path %q", path)
}

// Account is the per-identity view of the ledger.
type Account struct {
	Identity   uuid.UUID
	Deposits   uint64
	Collateral uint64
	Borrows    uint64
}

// IsZero reports whether the account holds nothing.
func (a Account) IsZero() bool {
	return a.Deposits == 0 && a.Collateral == 0 && a.Borrows == 0
}
