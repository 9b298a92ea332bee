package core

import (
	"context"
	"errors"

	"LendLedger/internal/ledger"

	"github.com/google/uuid"
)

type commandMetaKey struct{}

// CommandMeta travels with the context into an engine operation.
type CommandMeta struct {
	ID            uuid.UUID // idempotency key; generated when Nil
	PriceSequence int64     // price feed ordering key, 0 when absent
}

// WithCommandMeta attaches meta to ctx for the next engine operation.
func WithCommandMeta(ctx context.Context, meta CommandMeta) context.Context {
	return context.WithValue(ctx, commandMetaKey{}, meta)
}

func commandMetaFrom(ctx context.Context) CommandMeta {
	if ctx == nil {
		return CommandMeta{}
	}
	meta, _ := ctx.Value(commandMetaKey{}).(CommandMeta)
	return meta
}

// reasons maps taxonomy errors to stable metric and API labels.
var reasons = []struct {
	err    error
	reason string
}{
	{ledger.ErrReentrantCall, "reentrant_call"},
	{ledger.ErrUnauthorized, "unauthorized"},
	{ledger.ErrInvalidIdentity, "invalid_identity"},
	{ledger.ErrInvalidAmount, "invalid_amount"},
	{ledger.ErrInvalidPrice, "invalid_price"},
	{ledger.ErrInsufficientBalance, "insufficient_balance"},
	{ledger.ErrInsufficientCollateral, "insufficient_collateral"},
	{ledger.ErrInsufficientLiquidity, "insufficient_liquidity"},
	{ledger.ErrInsufficientRepayment, "insufficient_repayment"},
	{ledger.ErrPositionHealthy, "position_healthy"},
	{ledger.ErrNoDebt, "no_debt"},
	{ledger.ErrUndercollateralizedResult, "undercollateralized_result"},
	{ledger.ErrUnderflow, "underflow"},
	{ledger.ErrTransferFailed, "transfer_failed"},
}

// Reason returns the label of the first taxonomy error err wraps.
// A failed transfer whose recipient hit the gate reports reentrant_call.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "internal"
}
