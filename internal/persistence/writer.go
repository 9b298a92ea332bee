package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes events and journals to Postgres using multi-row INSERT.
// Amounts are NUMERIC columns bound as decimal strings so the full uint64
// range survives.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in ledger.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow represents a row in ledger.journal
type JournalRow struct {
	JournalID   string
	BatchID     string
	EventRef    string
	Sequence    int64
	Account     string // AccountPath
	Direction   string
	Amount      string // NUMERIC(20,0)
	JournalType string
	Timestamp   int64
}

// Rows is the persisted form of one committed operation.
type Rows struct {
	EventRow    EventRow
	JournalRows []JournalRow
}

// FromCoreOutput converts an engine output into rows.
func FromCoreOutput(out core.CoreOutput) Rows {
	env := out.Envelope
	row := Rows{
		EventRow: EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Payload:        env.Payload,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			Timestamp:      env.Timestamp,
			SourceSequence: env.SourceSequence,
		},
	}
	if out.Batch == nil {
		return row
	}

	row.JournalRows = make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		row.JournalRows = append(row.JournalRows, JournalRow{
			JournalID:   j.JournalID.String(),
			BatchID:     j.BatchID.String(),
			EventRef:    j.EventRef,
			Sequence:    j.Sequence,
			Account:     j.Account.AccountPath(),
			Direction:   j.Direction.String(),
			Amount:      strconv.FormatUint(j.Amount, 10),
			JournalType: j.JournalType.String(),
			Timestamp:   j.Timestamp,
		})
	}
	return row
}

// Envelope rebuilds the engine envelope from a stored row.
func (r EventRow) Envelope() (*event.EventEnvelope, error) {
	eventType := event.ParseEventType(r.EventType)
	if eventType == event.EventTypeUnknown {
		return nil, fmt.Errorf("event %d: unknown type %q", r.Sequence, r.EventType)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("event %d: hashes must be 32 bytes", r.Sequence)
	}

	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      eventType,
		Timestamp:      r.Timestamp.UTC(),
		SourceSequence: r.SourceSequence,
		Payload:        r.Payload,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events to ledger.events using multi-row INSERT.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO ledger.events
		(sequence, event_type, idempotency_key, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	const cols = 8
	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Payload,
			e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to ledger.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO ledger.journal
		(journal_id, batch_id, event_ref, sequence, account_path, direction, amount, journal_type, timestamp)
		VALUES `

	const cols = 9
	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*cols)

	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.Account, j.Direction, j.Amount, j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(base + i))
	}
	b.WriteByte(')')
	return b.String()
}
