package core

import (
	"context"
	"fmt"

	"LendLedger/internal/ledger"

	"github.com/google/uuid"
)

// txn tracks everything an operation changed so it can be undone.
// Effects are applied before any push; a failure anywhere reverts the
// batch and unwinds executed legs in reverse order.
type txn struct {
	e     *Engine
	ctx   context.Context
	op    string
	id    uuid.UUID // command id, the event's idempotency key
	ref   ledger.BatchRef
	batch *ledger.Batch
	legs  []Leg
	undo  []func() error
}

func (e *Engine) begin(ctx context.Context, op string) *txn {
	id := commandMetaFrom(ctx).ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return &txn{
		e:   e,
		ctx: ctx,
		op:  op,
		id:  id,
		ref: ledger.BatchRef{
			EventRef:  id.String(),
			Sequence:  e.sequence + 1,
			Timestamp: e.clock().UnixMicro(),
		},
	}
}

// apply validates and applies the operation's journal batch.
func (tx *txn) apply(batch *ledger.Batch) error {
	if err := tx.e.validator.ValidateBatchBalance(batch); err != nil {
		panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
	}
	if err := tx.e.balanceTracker.ApplyBatch(batch); err != nil {
		return err
	}
	tx.batch = batch
	tx.onRollback(func() error {
		return tx.e.balanceTracker.RevertBatch(batch)
	})
	return nil
}

// pull moves amount from a counterparty into the pool.
func (tx *txn) pull(from uuid.UUID, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if err := tx.e.port.Pull(tx.ctx, from, amount); err != nil {
		return fmt.Errorf("pull %d from %s: %w: %w", amount, from, ledger.ErrTransferFailed, err)
	}
	tx.record(Leg{Direction: LegPull, Party: from, Amount: amount})
	return nil
}

// push re-reads pool liquidity, then moves amount out. The recipient may
// re-enter the engine before push returns.
func (tx *txn) push(to uuid.UUID, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if liquidity := tx.e.port.Liquidity(); liquidity < amount {
		return fmt.Errorf("push %d with liquidity %d: %w", amount, liquidity, ledger.ErrInsufficientLiquidity)
	}
	if err := tx.e.port.Push(tx.ctx, to, amount); err != nil {
		return fmt.Errorf("push %d to %s: %w: %w", amount, to, ledger.ErrTransferFailed, err)
	}
	tx.record(Leg{Direction: LegPush, Party: to, Amount: amount})
	return nil
}

func (tx *txn) record(leg Leg) {
	tx.legs = append(tx.legs, leg)
	if tx.e.metrics != nil {
		tx.e.metrics.TransferLegs.WithLabelValues(leg.Direction.String()).Inc()
	}
	tx.onRollback(func() error {
		if err := tx.e.port.Unwind(tx.ctx, leg); err != nil {
			return fmt.Errorf("unwind %s of %d for %s: %w", leg.Direction, leg.Amount, leg.Party, err)
		}
		if tx.e.metrics != nil {
			tx.e.metrics.TransferLegsUnwound.WithLabelValues(leg.Direction.String()).Inc()
		}
		return nil
	})
}

func (tx *txn) onRollback(fn func() error) {
	tx.undo = append(tx.undo, fn)
}

// rollback undoes in reverse order. A failed undo leaves the ledger and the
// port out of step, which is unrecoverable.
func (tx *txn) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		if err := tx.undo[i](); err != nil {
			panic(fmt.Sprintf("FATAL: rollback of %s failed: %v", tx.op, err))
		}
	}
	tx.undo = nil
	tx.legs = nil
	tx.batch = nil
}

func (tx *txn) mutated() bool {
	return len(tx.undo) > 0
}
