package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/holiman/uint256"
)

// custodyQuery folds every committed transfer into the pool's net custody.
// Repay amounts exclude the refund and liquidations keep debt minus reward,
// so both already net out the money that went straight back.
const custodyQuery = `
	SELECT COALESCE(SUM(CASE event_type
		WHEN 'Deposit'           THEN  (payload->>'amount')::numeric
		WHEN 'Repay'             THEN  (payload->>'amount')::numeric
		WHEN 'Withdraw'          THEN -(payload->>'amount')::numeric
		WHEN 'Borrow'            THEN -(payload->>'amount')::numeric
		WHEN 'EmergencyWithdraw' THEN -(payload->>'amount')::numeric
		WHEN 'Liquidate'         THEN  (payload->>'debt')::numeric - (payload->>'reward')::numeric
		ELSE 0
	END), 0)::text
	FROM ledger.events
	WHERE sequence <= $1`

// CustodyBalance returns the pool liquidity implied by the event log up to
// and including sequence. The in-memory vault is seeded with it after
// recovery, since wallet movements themselves are not persisted.
func CustodyBalance(ctx context.Context, db *sql.DB, sequence int64) (uint64, error) {
	var raw string
	if err := db.QueryRowContext(ctx, custodyQuery, sequence).Scan(&raw); err != nil {
		return 0, fmt.Errorf("custody balance: %w", err)
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return 0, fmt.Errorf("custody balance %s: %w", raw, err)
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("custody balance %s out of range", raw)
	}
	return v.Uint64(), nil
}
