package core

import (
	"fmt"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"

	"github.com/google/uuid"
)

// SnapshotState holds the in-memory state needed for a warm restart.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Owner           uuid.UUID
	Oracle          uuid.UUID
	Price           uint64
	Balances        map[ledger.AccountKey]uint64
	PriceSequence   int64    // filled by the Processor
	IdempotencyKeys []string // filled by the Processor
}

// CreateSnapshotState captures the engine's state. Call between operations.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:  e.sequence,
		StateHash: e.hasher.GetPrevHash(),
		Owner:     e.owner,
		Oracle:    e.oracle.Identity(),
		Price:     e.oracle.Price(),
		Balances:  e.balanceTracker.Snapshot(),
	}
}

// RestoreFromSnapshot replaces the engine's state. Events after
// snap.Sequence are then applied with ReplayEnvelope.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	if snap.Owner == uuid.Nil || snap.Oracle == uuid.Nil {
		return fmt.Errorf("snapshot at seq %d: %w", snap.Sequence, ledger.ErrInvalidIdentity)
	}
	if snap.Price == 0 {
		return fmt.Errorf("snapshot at seq %d: %w", snap.Sequence, ledger.ErrInvalidPrice)
	}

	e.sequence = snap.Sequence
	e.hasher.SetPrevHash(snap.StateHash)
	e.owner = snap.Owner
	e.oracle.Restore(snap.Price, snap.Oracle)
	e.balanceTracker.Restore(snap.Balances)

	if err := e.validator.ValidateAll(); err != nil {
		return fmt.Errorf("snapshot at seq %d violates invariants: %w", snap.Sequence, err)
	}
	return nil
}

// ReplayEnvelope re-applies a committed event from the log. No transfers run
// and nothing is emitted; the recomputed state hash must match the logged one.
func (e *Engine) ReplayEnvelope(env *event.EventEnvelope) error {
	if env.Sequence != e.sequence+1 {
		return fmt.Errorf("replay gap: expected seq %d, got %d", e.sequence+1, env.Sequence)
	}
	if env.PrevHash != e.hasher.GetPrevHash() {
		return fmt.Errorf("replay chain break at seq %d: prev_hash differs from chain tip", env.Sequence)
	}

	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}

	ref := ledger.BatchRef{
		EventRef:  env.IdempotencyKey,
		Sequence:  env.Sequence,
		Timestamp: env.Timestamp.UnixMicro(),
	}
	batch, err := e.replayEffects(ref, evt)
	if err != nil {
		return fmt.Errorf("replay seq %d (%s): %w", env.Sequence, env.EventType, err)
	}

	if err := e.hasher.Verify(env.Sequence, e.computeStateDigest(batch), env.StateHash); err != nil {
		if batch != nil {
			_ = e.balanceTracker.RevertBatch(batch)
		}
		return err
	}
	e.sequence = env.Sequence
	return nil
}

// replayEffects applies only the state effects of evt.
func (e *Engine) replayEffects(ref ledger.BatchRef, evt event.Event) (*ledger.Batch, error) {
	var (
		batch *ledger.Batch
		err   error
	)

	switch ev := evt.(type) {
	case *event.Deposit:
		batch, err = e.journalGen.GenerateDeposit(ref, ev.Identity, ev.Amount)
	case *event.Withdraw:
		batch, err = e.journalGen.GenerateWithdrawal(ref, ev.Identity, ev.Amount)
	case *event.Borrow:
		batch, err = e.journalGen.GenerateBorrow(ref, ev.Identity, ev.Amount)
	case *event.Repay:
		batch, err = e.journalGen.GenerateRepay(ref, ev.Identity, ev.Amount)
	case *event.Liquidate:
		batch, err = e.journalGen.GenerateLiquidation(ref, ev.Target, ev.Debt, ev.Reward)
	case *event.PriceUpdated:
		return nil, e.oracle.SetPrice(ev.Price)
	case *event.OwnershipTransferred:
		if ev.Owner == uuid.Nil {
			return nil, ledger.ErrInvalidIdentity
		}
		e.owner = ev.Owner
		return nil, nil
	case *event.OracleChanged:
		return nil, e.oracle.SetIdentity(ev.Oracle)
	case *event.EmergencyWithdraw:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}

	if err != nil {
		return nil, err
	}
	if err := e.balanceTracker.ApplyBatch(batch); err != nil {
		return nil, err
	}
	return batch, nil
}
