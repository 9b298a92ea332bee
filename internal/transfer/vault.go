// Package transfer provides an in-memory value-transfer port: external
// wallets on one side, the pool's custody balance on the other.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"LendLedger/internal/core"
	fpmath "LendLedger/internal/math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRecipientRejected = errors.New("recipient rejected transfer")
)

// ReceiveHook runs after value lands in a wallet. It may call back into the
// engine. Returning an error rejects the transfer and the value is returned
// to the pool.
type ReceiveHook func(ctx context.Context, to uuid.UUID, amount uint64) error

// Options configures a Vault.
type Options struct {
	// OpenWallets lets pulls draw on wallets that were never funded. Used
	// when wallet balances live outside this process.
	OpenWallets bool
	Logger      *zerolog.Logger
}

// Vault holds wallet balances and the pool's liquidity.
// Locks are released before hooks run so a re-entrant caller never deadlocks.
type Vault struct {
	mu        sync.Mutex
	liquidity uint64
	wallets   map[uuid.UUID]uint64
	hooks     map[uuid.UUID]ReceiveHook
	open      bool
	logger    zerolog.Logger
}

var _ core.Port = (*Vault)(nil)

func NewVault(opts Options) *Vault {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Vault{
		wallets: make(map[uuid.UUID]uint64),
		hooks:   make(map[uuid.UUID]ReceiveHook),
		open:    opts.OpenWallets,
		logger:  logger,
	}
}

// Fund credits an external wallet.
func (v *Vault) Fund(id uuid.UUID, amount uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	next, err := fpmath.Add(v.wallets[id], amount)
	if err != nil {
		return fmt.Errorf("fund %s: %w", id, err)
	}
	v.wallets[id] = next
	return nil
}

// OnReceive installs (or with nil removes) the hook for a wallet.
func (v *Vault) OnReceive(id uuid.UUID, hook ReceiveHook) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if hook == nil {
		delete(v.hooks, id)
		return
	}
	v.hooks[id] = hook
}

func (v *Vault) Balance(id uuid.UUID) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.wallets[id]
}

func (v *Vault) Liquidity() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.liquidity
}

// Seed sets the pool's custody balance. Used on startup, before any
// command runs, to restore liquidity recorded in the event log.
func (v *Vault) Seed(liquidity uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.liquidity = liquidity
}

// Pull moves amount from a wallet into the pool. No hook runs.
func (v *Vault) Pull(_ context.Context, from uuid.UUID, amount uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.move(from, amount, true)
}

// Push moves amount from the pool into a wallet, then runs the wallet's hook.
// If the hook fails the move is reversed.
func (v *Vault) Push(ctx context.Context, to uuid.UUID, amount uint64) error {
	v.mu.Lock()
	if err := v.move(to, amount, false); err != nil {
		v.mu.Unlock()
		return err
	}
	hook := v.hooks[to]
	v.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(ctx, to, amount); err != nil {
		v.mu.Lock()
		defer v.mu.Unlock()
		if revertErr := v.move(to, amount, true); revertErr != nil {
			return fmt.Errorf("revert push to %s after hook failure: %w", to, revertErr)
		}
		v.logger.Debug().Str("to", to.String()).Uint64("amount", amount).Err(err).Msg("recipient rejected push")
		return fmt.Errorf("%w: %w", ErrRecipientRejected, err)
	}
	return nil
}

// Unwind reverses a completed leg silently.
func (v *Vault) Unwind(_ context.Context, leg core.Leg) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch leg.Direction {
	case core.LegPull:
		return v.move(leg.Party, leg.Amount, false)
	case core.LegPush:
		return v.move(leg.Party, leg.Amount, true)
	default:
		return fmt.Errorf("unknown leg direction %d", leg.Direction)
	}
}

// move shifts amount between a wallet and the pool. Caller holds mu.
func (v *Vault) move(party uuid.UUID, amount uint64, intoPool bool) error {
	if intoPool {
		wallet := v.wallets[party]
		if wallet < amount && !v.open {
			return fmt.Errorf("wallet %s holds %d, need %d: %w", party, wallet, amount, ErrInsufficientFunds)
		}
		liquidity, err := fpmath.Add(v.liquidity, amount)
		if err != nil {
			return fmt.Errorf("pool liquidity: %w", err)
		}
		if wallet < amount {
			wallet = amount // open wallet: draws on outside funds
		}
		v.wallets[party] = wallet - amount
		v.liquidity = liquidity
		return nil
	}

	if v.liquidity < amount {
		return fmt.Errorf("pool holds %d, need %d: %w", v.liquidity, amount, ErrInsufficientFunds)
	}
	wallet, err := fpmath.Add(v.wallets[party], amount)
	if err != nil {
		return fmt.Errorf("wallet %s: %w", party, err)
	}
	v.liquidity -= amount
	v.wallets[party] = wallet
	return nil
}
