package transfer_test

import (
	"context"
	"errors"
	"testing"

	"LendLedger/internal/core"
	"LendLedger/internal/transfer"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVault_PullAndPush(t *testing.T) {
	v := transfer.NewVault(transfer.Options{})
	alice := uuid.New()
	require.NoError(t, v.Fund(alice, 100))

	require.NoError(t, v.Pull(context.Background(), alice, 60))
	assert.Equal(t, uint64(40), v.Balance(alice))
	assert.Equal(t, uint64(60), v.Liquidity())

	require.NoError(t, v.Push(context.Background(), alice, 10))
	assert.Equal(t, uint64(50), v.Balance(alice))
	assert.Equal(t, uint64(50), v.Liquidity())
}

func TestVault_InsufficientFundsMovesNothing(t *testing.T) {
	v := transfer.NewVault(transfer.Options{})
	alice := uuid.New()
	require.NoError(t, v.Fund(alice, 10))

	assert.ErrorIs(t, v.Pull(context.Background(), alice, 11), transfer.ErrInsufficientFunds)
	assert.ErrorIs(t, v.Push(context.Background(), alice, 1), transfer.ErrInsufficientFunds)
	assert.Equal(t, uint64(10), v.Balance(alice))
	assert.Zero(t, v.Liquidity())
}

func TestVault_OpenWallets(t *testing.T) {
	v := transfer.NewVault(transfer.Options{OpenWallets: true})
	bob := uuid.New()

	require.NoError(t, v.Pull(context.Background(), bob, 25))
	assert.Equal(t, uint64(25), v.Liquidity())
	assert.Zero(t, v.Balance(bob))
}

func TestVault_HookRunsWithoutLock(t *testing.T) {
	v := transfer.NewVault(transfer.Options{})
	alice := uuid.New()
	require.NoError(t, v.Fund(alice, 100))
	require.NoError(t, v.Pull(context.Background(), alice, 100))

	var seenLiquidity uint64
	v.OnReceive(alice, func(ctx context.Context, to uuid.UUID, amount uint64) error {
		seenLiquidity = v.Liquidity()
		return v.Pull(ctx, to, 1)
	})

	require.NoError(t, v.Push(context.Background(), alice, 30))
	assert.Equal(t, uint64(70), seenLiquidity)
	assert.Equal(t, uint64(29), v.Balance(alice))
	assert.Equal(t, uint64(71), v.Liquidity())
}

func TestVault_RejectingHookReversesPush(t *testing.T) {
	v := transfer.NewVault(transfer.Options{})
	alice := uuid.New()
	require.NoError(t, v.Fund(alice, 50))
	require.NoError(t, v.Pull(context.Background(), alice, 50))

	refusal := errors.New("no thanks")
	v.OnReceive(alice, func(context.Context, uuid.UUID, uint64) error { return refusal })

	err := v.Push(context.Background(), alice, 20)
	assert.ErrorIs(t, err, transfer.ErrRecipientRejected)
	assert.ErrorIs(t, err, refusal)
	assert.Zero(t, v.Balance(alice))
	assert.Equal(t, uint64(50), v.Liquidity())

	v.OnReceive(alice, nil)
	require.NoError(t, v.Push(context.Background(), alice, 20))
}

func TestVault_Unwind(t *testing.T) {
	v := transfer.NewVault(transfer.Options{})
	alice := uuid.New()
	require.NoError(t, v.Fund(alice, 50))
	require.NoError(t, v.Pull(context.Background(), alice, 50))
	require.NoError(t, v.Push(context.Background(), alice, 20))

	calls := 0
	v.OnReceive(alice, func(context.Context, uuid.UUID, uint64) error { calls++; return nil })

	require.NoError(t, v.Unwind(context.Background(), core.Leg{Direction: core.LegPush, Party: alice, Amount: 20}))
	require.NoError(t, v.Unwind(context.Background(), core.Leg{Direction: core.LegPull, Party: alice, Amount: 50}))

	assert.Equal(t, uint64(50), v.Balance(alice))
	assert.Zero(t, v.Liquidity())
	assert.Zero(t, calls, "unwinding never notifies")
}

func TestVault_SeedRestoresLiquidity(t *testing.T) {
	v := transfer.NewVault(transfer.Options{})
	alice := uuid.New()
	v.Seed(500)

	require.NoError(t, v.Push(context.Background(), alice, 200))
	assert.Equal(t, uint64(300), v.Liquidity())
	assert.Equal(t, uint64(200), v.Balance(alice))
}
