package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/ledger"
	"LendLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the stored form of core.SnapshotState.
// Balances map AccountPath to a decimal string.
type SnapshotData struct {
	Sequence        int64             `json:"sequence"`
	StateHash       string            `json:"state_hash"` // hex
	Owner           uuid.UUID         `json:"owner"`
	Oracle          uuid.UUID         `json:"oracle"`
	Price           uint64            `json:"price,string"`
	Balances        map[string]string `json:"balances"`
	PriceSequence   int64             `json:"price_sequence"`
	IdempotencyKeys []string          `json:"idempotency_keys"` // LRU order, oldest first
	CreatedAt       time.Time         `json:"created_at"`
}

// NewSnapshotData converts the engine's snapshot into its stored form.
func NewSnapshotData(state *core.SnapshotState, createdAt time.Time) *SnapshotData {
	balances := make(map[string]string, len(state.Balances))
	for key, v := range state.Balances {
		balances[key.AccountPath()] = strconv.FormatUint(v, 10)
	}
	return &SnapshotData{
		Sequence:        state.Sequence,
		StateHash:       hex.EncodeToString(state.StateHash[:]),
		Owner:           state.Owner,
		Oracle:          state.Oracle,
		Price:           state.Price,
		Balances:        balances,
		PriceSequence:   state.PriceSequence,
		IdempotencyKeys: state.IdempotencyKeys,
		CreatedAt:       createdAt,
	}
}

// State converts the stored snapshot back into engine form.
func (d *SnapshotData) State() (*core.SnapshotState, error) {
	hash, err := hex.DecodeString(d.StateHash)
	if err != nil || len(hash) != 32 {
		return nil, fmt.Errorf("snapshot %d: malformed state hash", d.Sequence)
	}

	balances := make(map[ledger.AccountKey]uint64, len(d.Balances))
	for path, raw := range d.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", d.Sequence, err)
		}
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: balance of %s: %w", d.Sequence, path, err)
		}
		balances[key] = v
	}

	state := &core.SnapshotState{
		Sequence:        d.Sequence,
		Owner:           d.Owner,
		Oracle:          d.Oracle,
		Price:           d.Price,
		Balances:        balances,
		PriceSequence:   d.PriceSequence,
		IdempotencyKeys: d.IdempotencyKeys,
	}
	copy(state.StateHash[:], hash)
	return state, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot, unverified until its sequence is durable.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO ledger.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, 1, $5, FALSE, $6)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $5
	`, uuid.New(), snap.Sequence, data, snap.StateHash, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM ledger.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as usable for recovery.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE ledger.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit events starting at fromSequence, in order.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM ledger.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Payload,
			&e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM ledger.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// Snapshotter periodically captures processor state. A snapshot is marked
// verified once the persistence worker has written every event it covers.
type Snapshotter struct {
	manager  *SnapshotManager
	source   func(context.Context) (*core.SnapshotState, error)
	durable  func() int64
	interval time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger

	lastSaved int64
	pending   []int64
}

func NewSnapshotter(
	manager *SnapshotManager,
	source func(context.Context) (*core.SnapshotState, error),
	durable func() int64,
	interval time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Snapshotter {
	return &Snapshotter{
		manager:  manager,
		source:   source,
		durable:  durable,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run takes a snapshot every interval until ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error().Err(err).Msg("snapshot failed")
			}
		}
	}
}

// Tick verifies pending snapshots that became durable, then takes a new one
// if the sequence moved.
func (s *Snapshotter) Tick(ctx context.Context) error {
	durable := s.durable()
	remaining := s.pending[:0]
	for _, seq := range s.pending {
		if seq > durable {
			remaining = append(remaining, seq)
			continue
		}
		if err := s.manager.MarkVerified(ctx, seq); err != nil {
			return fmt.Errorf("verify snapshot %d: %w", seq, err)
		}
		s.logger.Info().Int64("sequence", seq).Msg("snapshot verified")
	}
	s.pending = remaining

	state, err := s.source(ctx)
	if err != nil {
		return err
	}
	if state.Sequence == 0 || state.Sequence == s.lastSaved {
		return nil
	}

	size, err := s.manager.SaveSnapshot(ctx, NewSnapshotData(state, time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("save snapshot %d: %w", state.Sequence, err)
	}
	s.lastSaved = state.Sequence
	s.pending = append(s.pending, state.Sequence)

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(state.Sequence))
	}
	s.logger.Info().Int64("sequence", state.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}
