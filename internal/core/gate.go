package core

import (
	"LendLedger/internal/ledger"
)

// ReentrancyGate is a cooperative lock around mutating operations.
// A nested call made while an operation is in flight (from a transfer
// callback, on the same goroutine) observes the flag and fails.
// Not thread-safe: the engine is owned by one goroutine.
type ReentrancyGate struct {
	locked bool
}

// Enter sets the flag or fails with ErrReentrantCall.
func (g *ReentrancyGate) Enter() error {
	if g.locked {
		return ledger.ErrReentrantCall
	}
	g.locked = true
	return nil
}

// Exit clears the flag. Deferred by every top-level operation.
func (g *ReentrancyGate) Exit() {
	g.locked = false
}

func (g *ReentrancyGate) Locked() bool {
	return g.locked
}
