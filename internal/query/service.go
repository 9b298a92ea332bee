package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"LendLedger/internal/ledger"

	"github.com/google/uuid"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// QueryService provides read-only access to projection tables and the
// event log. Projection responses carry as_of_sequence, the last event the
// projection worker applied.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetAccount returns a user's projected deposits, collateral and borrows.
// Unknown users read as all zero.
func (qs *QueryService) GetAccount(ctx context.Context, userID uuid.UUID) (*AccountResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, balance FROM projections.balances
		WHERE account_path LIKE $1
	`, fmt.Sprintf("user:%s:%%", userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &AccountResponse{UserID: userID, AsOfSequence: asOfSeq}
	for rows.Next() {
		var path string
		var balance uint64
		if err := rows.Scan(&path, &balance); err != nil {
			return nil, err
		}
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, err
		}
		switch key.Field {
		case ledger.FieldDeposits:
			resp.Deposits = balance
		case ledger.FieldCollateral:
			resp.Collateral = balance
		case ledger.FieldBorrows:
			resp.Borrows = balance
		}
	}
	return resp, rows.Err()
}

// GetPool returns the projected pool totals and header.
func (qs *QueryService) GetPool(ctx context.Context) (*PoolResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	resp := &PoolResponse{AsOfSequence: asOfSeq, SweptTotal: "0"}

	if resp.TotalDeposits, err = qs.getProjectedBalance(ctx, ledger.NewPoolAccountKey(ledger.FieldDeposits).AccountPath()); err != nil {
		return nil, err
	}
	if resp.TotalBorrows, err = qs.getProjectedBalance(ctx, ledger.NewPoolAccountKey(ledger.FieldBorrows).AccountPath()); err != nil {
		return nil, err
	}

	var owner, oracle uuid.NullUUID
	var price sql.NullString
	err = qs.db.QueryRowContext(ctx, `
		SELECT owner, oracle, price, swept_total::text FROM projections.pool WHERE id = 1
	`).Scan(&owner, &oracle, &price, &resp.SweptTotal)
	if errors.Is(err, sql.ErrNoRows) {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	if owner.Valid {
		resp.Owner = &owner.UUID
	}
	if oracle.Valid {
		resp.Oracle = &oracle.UUID
	}
	if price.Valid {
		if _, err := fmt.Sscan(price.String, &resp.Price); err != nil {
			return nil, fmt.Errorf("pool price %q: %w", price.String, err)
		}
	}
	return resp, nil
}

// ListLiquidations returns settled liquidations, newest first. A nil target
// lists all of them.
func (qs *QueryService) ListLiquidations(
	ctx context.Context,
	target *uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]LiquidationRecord, error) {
	query := `
		SELECT sequence, liquidator, target, debt, reward, refund, shortfall, timestamp
		FROM projections.liquidations
		WHERE TRUE
	`
	var args []interface{}
	if target != nil {
		args = append(args, *target)
		query += fmt.Sprintf(" AND target = $%d", len(args))
	}
	if beforeSequence != nil {
		args = append(args, *beforeSequence)
		query += fmt.Sprintf(" AND sequence < $%d", len(args))
	}
	args = append(args, clampLimit(limit))
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []LiquidationRecord
	for rows.Next() {
		var r LiquidationRecord
		if err := rows.Scan(
			&r.Sequence, &r.Liquidator, &r.Target,
			&r.Debt, &r.Reward, &r.Refund, &r.Shortfall, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetJournalHistory returns journal entries for a user with pagination.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       account_path, direction, amount, journal_type, timestamp
		FROM ledger.journal
		WHERE account_path LIKE $1
	`
	args := []interface{}{fmt.Sprintf("user:%s:%%", userID)}

	if afterSequence != nil {
		args = append(args, *afterSequence)
		query += fmt.Sprintf(" AND sequence < $%d", len(args))
	}
	args = append(args, clampLimit(limit))
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.Account, &e.Direction, &e.Amount, &e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListEvents pages through the event log in sequence order.
func (qs *QueryService) ListEvents(ctx context.Context, afterSequence int64, limit int) ([]EventRecord, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, payload, state_hash, timestamp
		FROM ledger.events
		WHERE sequence > $1
		ORDER BY sequence
		LIMIT $2
	`, afterSequence, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		var payload, hash []byte
		if err := rows.Scan(&e.Sequence, &e.EventType, &e.IdempotencyKey, &payload, &hash, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Payload = payload
		e.StateHash = hex.EncodeToString(hash)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain of the log and the balance
// invariants of the projection: every user's collateral equals its deposits,
// and each pool total equals the sum of the matching user field.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := qs.collect(ctx, `
		SELECT e1.sequence
		FROM ledger.events e1
		JOIN ledger.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`, func(rows *sql.Rows) error {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}

	if err := qs.collect(ctx, `
		SELECT u.id, COALESCE(d.balance, 0)::text, COALESCE(c.balance, 0)::text
		FROM (
			SELECT DISTINCT split_part(account_path, ':', 2) AS id
			FROM projections.balances WHERE account_path LIKE 'user:%'
		) u
		LEFT JOIN projections.balances d ON d.account_path = 'user:' || u.id || ':deposits'
		LEFT JOIN projections.balances c ON c.account_path = 'user:' || u.id || ':collateral'
		WHERE COALESCE(d.balance, 0) <> COALESCE(c.balance, 0)
		LIMIT 100
	`, func(rows *sql.Rows) error {
		var m FieldMismatch
		if err := rows.Scan(&m.UserID, &m.Deposits, &m.Collateral); err != nil {
			return err
		}
		report.Mismatches = append(report.Mismatches, m)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("collateral check: %w", err)
	}

	if err := qs.collect(ctx, `
		SELECT f.field, COALESCE(p.balance, 0)::text, COALESCE(s.total, 0)::text
		FROM (VALUES ('deposits'), ('borrows')) AS f(field)
		LEFT JOIN projections.balances p ON p.account_path = 'pool:total_' || f.field
		LEFT JOIN (
			SELECT split_part(account_path, ':', 3) AS field, SUM(balance) AS total
			FROM projections.balances WHERE account_path LIKE 'user:%'
			GROUP BY 1
		) s ON s.field = f.field
		WHERE COALESCE(p.balance, 0) <> COALESCE(s.total, 0)
	`, func(rows *sql.Rows) error {
		var m PoolMismatch
		if err := rows.Scan(&m.Field, &m.Pool, &m.UserSum); err != nil {
			return err
		}
		report.PoolMismatches = append(report.PoolMismatches, m)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("pool totals: %w", err)
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.Mismatches) == 0 &&
		len(report.PoolMismatches) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) collect(ctx context.Context, query string, scan func(*sql.Rows) error) error {
	rows, err := qs.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string) (uint64, error) {
	var balance uint64
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance FROM projections.balances WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
