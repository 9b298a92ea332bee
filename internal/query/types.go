package query

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AccountResponse is a user's projected position.
type AccountResponse struct {
	UserID       uuid.UUID `json:"user_id"`
	Deposits     uint64    `json:"deposits,string"`
	Collateral   uint64    `json:"collateral,string"`
	Borrows      uint64    `json:"borrows,string"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// PoolResponse is the projected pool header and totals.
// Owner and Oracle are nil until the first change event.
type PoolResponse struct {
	TotalDeposits uint64     `json:"total_deposits,string"`
	TotalBorrows  uint64     `json:"total_borrows,string"`
	Price         uint64     `json:"price,string"`
	SweptTotal    string     `json:"swept_total"`
	Owner         *uuid.UUID `json:"owner,omitempty"`
	Oracle        *uuid.UUID `json:"oracle,omitempty"`
	AsOfSequence  int64      `json:"as_of_sequence"`
}

// LiquidationRecord is one settled liquidation.
type LiquidationRecord struct {
	Sequence   int64     `json:"sequence"`
	Liquidator uuid.UUID `json:"liquidator"`
	Target     uuid.UUID `json:"target"`
	Debt       uint64    `json:"debt,string"`
	Reward     uint64    `json:"reward,string"`
	Refund     uint64    `json:"refund,string"`
	Shortfall  uint64    `json:"shortfall,string"`
	Timestamp  time.Time `json:"timestamp"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID   string `json:"journal_id"`
	BatchID     string `json:"batch_id"`
	EventRef    string `json:"event_ref"`
	Sequence    int64  `json:"sequence"`
	Account     string `json:"account"`
	Direction   string `json:"direction"`
	Amount      uint64 `json:"amount,string"`
	JournalType string `json:"journal_type"`
	Timestamp   int64  `json:"timestamp"`
}

// EventRecord is one row of the event log with its payload left as JSON.
type EventRecord struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool            `json:"is_healthy"`
	HashChainBreaks []int64         `json:"hash_chain_breaks,omitempty"`
	Mismatches      []FieldMismatch `json:"mismatches,omitempty"`
	PoolMismatches  []PoolMismatch  `json:"pool_mismatches,omitempty"`
}

// FieldMismatch is a user whose deposits and collateral disagree.
type FieldMismatch struct {
	UserID     string `json:"user_id"`
	Deposits   string `json:"deposits"`
	Collateral string `json:"collateral"`
}

// PoolMismatch is a pool total that differs from the sum over users.
type PoolMismatch struct {
	Field   string `json:"field"`
	Pool    string `json:"pool"`
	UserSum string `json:"user_sum"`
}
