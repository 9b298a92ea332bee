package ledger

import "errors"

// Error taxonomy shared by the ledger, the risk policy and the engine.
// Callers match with errors.Is; producers wrap with operation context.
var (
	ErrUnauthorized              = errors.New("unauthorized")
	ErrInvalidAmount             = errors.New("invalid amount")
	ErrInsufficientBalance       = errors.New("insufficient balance")
	ErrInsufficientCollateral    = errors.New("insufficient collateral")
	ErrInsufficientLiquidity     = errors.New("insufficient liquidity")
	ErrInsufficientRepayment     = errors.New("insufficient repayment")
	ErrPositionHealthy           = errors.New("position healthy")
	ErrNoDebt                    = errors.New("no debt")
	ErrReentrantCall             = errors.New("reentrant call")
	ErrTransferFailed            = errors.New("transfer failed")
	ErrInvalidPrice              = errors.New("invalid price")
	ErrInvalidIdentity           = errors.New("invalid identity")
	ErrUndercollateralizedResult = errors.New("undercollateralized result")
	ErrUnderflow                 = errors.New("underflow")
)
