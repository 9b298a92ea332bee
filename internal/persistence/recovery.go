package persistence

import (
	"context"
	"fmt"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/observability"

	"github.com/rs/zerolog"
)

const replayPageSize = 1000

// RecoveryResult summarizes a startup recovery.
type RecoveryResult struct {
	SnapshotSequence int64
	Replayed         int64
	Sequence         int64
	StateHash        [32]byte
}

// Recover restores the latest verified snapshot into p, then replays every
// later event from the log. Each replayed event's state hash is checked, so
// a clean return means the rebuilt state matches the log bit for bit.
// Must run before p.Run.
func Recover(
	ctx context.Context,
	sm *SnapshotManager,
	p *core.Processor,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*RecoveryResult, error) {
	start := time.Now()
	result := &RecoveryResult{}

	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		state, err := snap.State()
		if err != nil {
			return nil, err
		}
		if err := p.Restore(state); err != nil {
			return nil, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		result.SnapshotSequence = snap.Sequence
		logger.Info().
			Int64("sequence", snap.Sequence).
			Int("idempotency_keys", len(snap.IdempotencyKeys)).
			Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start")
	}

	from := result.SnapshotSequence + 1
	for {
		rows, err := sm.LoadEventsFrom(ctx, from, replayPageSize)
		if err != nil {
			return nil, fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return nil, err
			}
			if err := p.Replay(env); err != nil {
				return nil, err
			}
			result.Replayed++
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	engine := p.Engine()
	result.Sequence = engine.GetSequence()
	result.StateHash = engine.GetStateHash()

	if err := engine.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("invariants after recovery: %w", err)
	}

	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	logger.Info().
		Int64("replayed", result.Replayed).
		Int64("sequence", result.Sequence).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return result, nil
}
