package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	"LendLedger/internal/state"
	"LendLedger/internal/transfer"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const unit = 100_000_000 // 1.0 in base units and at price scale

var fixedClock = func() time.Time { return time.UnixMicro(1_700_000_000_000_000) }

// --- Test helpers ---

type harness struct {
	engine  *core.Engine
	vault   *transfer.Vault
	persist chan core.CoreOutput
	owner   uuid.UUID
	oracle  uuid.UUID
}

func newTestEngine(t *testing.T) *harness {
	t.Helper()
	return newTestEngineWith(t, state.DefaultRiskParams(), uuid.New(), uuid.New())
}

func newTestEngineWith(t *testing.T, params state.RiskParams, owner, oracle uuid.UUID) *harness {
	t.Helper()
	vault := transfer.NewVault(transfer.Options{})
	persist := make(chan core.CoreOutput, 1024)
	e, err := core.NewEngine(core.Config{
		Owner:       owner,
		Oracle:      oracle,
		Params:      params,
		Port:        vault,
		Clock:       fixedClock,
		PersistChan: persist,
	})
	require.NoError(t, err)
	return &harness{engine: e, vault: vault, persist: persist, owner: owner, oracle: oracle}
}

// funded creates an identity whose wallet holds amount.
func (h *harness) funded(t *testing.T, amount uint64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, h.vault.Fund(id, amount))
	return id
}

func (h *harness) deposit(t *testing.T, id uuid.UUID, amount uint64) {
	t.Helper()
	_, err := h.engine.Deposit(context.Background(), id, amount)
	require.NoError(t, err)
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case out := <-ch:
			outputs = append(outputs, out)
		default:
			return outputs
		}
	}
}

func requireInvariants(t *testing.T, h *harness) {
	t.Helper()
	require.NoError(t, h.engine.CheckInvariants())
	assert.False(t, h.engine.Pool().Locked, "gate must be released")
}

// ============================================================================
// Test: construction
// ============================================================================

func TestNewEngine_RejectsNilIdentities(t *testing.T) {
	vault := transfer.NewVault(transfer.Options{})

	_, err := core.NewEngine(core.Config{Oracle: uuid.New(), Params: state.DefaultRiskParams(), Port: vault})
	assert.ErrorIs(t, err, ledger.ErrInvalidIdentity)

	_, err = core.NewEngine(core.Config{Owner: uuid.New(), Params: state.DefaultRiskParams(), Port: vault})
	assert.ErrorIs(t, err, ledger.ErrInvalidIdentity)

	_, err = core.NewEngine(core.Config{Owner: uuid.New(), Oracle: uuid.New(), Params: state.DefaultRiskParams()})
	assert.Error(t, err, "port is required")
}

func TestNewEngine_InitialPool(t *testing.T) {
	h := newTestEngine(t)
	pool := h.engine.Pool()

	assert.Equal(t, h.owner, pool.Owner)
	assert.Equal(t, h.oracle, pool.Oracle)
	assert.Equal(t, uint64(unit), pool.Price)
	assert.Zero(t, pool.TotalDeposits)
	assert.Zero(t, pool.Liquidity)
	assert.Equal(t, int64(0), pool.Sequence)
}

// ============================================================================
// Test: deposit / withdraw
// ============================================================================

func TestDeposit_CreditsCollateral(t *testing.T) {
	h := newTestEngine(t)
	user := h.funded(t, 10*unit)

	receipt, err := h.engine.Deposit(context.Background(), user, 10*unit)
	require.NoError(t, err)
	assert.Equal(t, int64(1), receipt.Sequence)
	assert.Equal(t, "Deposit", receipt.EventType)
	require.Len(t, receipt.Transfers, 1)
	assert.Equal(t, core.LegPull, receipt.Transfers[0].Direction)

	acct := h.engine.Account(user)
	assert.Equal(t, uint64(10*unit), acct.Deposits)
	assert.Equal(t, uint64(10*unit), acct.Collateral)
	assert.Zero(t, h.vault.Balance(user))
	assert.Equal(t, uint64(10*unit), h.vault.Liquidity())
	requireInvariants(t, h)
}

func TestDeposit_RejectsInvalidInput(t *testing.T) {
	h := newTestEngine(t)
	user := h.funded(t, unit)

	_, err := h.engine.Deposit(context.Background(), user, 0)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = h.engine.Deposit(context.Background(), uuid.Nil, unit)
	assert.ErrorIs(t, err, ledger.ErrInvalidIdentity)

	assert.Equal(t, int64(0), h.engine.GetSequence())
	assert.Empty(t, drainOutputs(h.persist))
}

func TestDeposit_FailedPullMovesNothing(t *testing.T) {
	h := newTestEngine(t)
	user := h.funded(t, unit)

	_, err := h.engine.Deposit(context.Background(), user, 2*unit)
	require.ErrorIs(t, err, ledger.ErrTransferFailed)
	assert.ErrorIs(t, err, transfer.ErrInsufficientFunds)

	assert.True(t, h.engine.Account(user).IsZero())
	assert.Equal(t, uint64(unit), h.vault.Balance(user))
	assert.Empty(t, drainOutputs(h.persist))
}

func TestWithdraw_RespectsHealth(t *testing.T) {
	h := newTestEngine(t)
	user := h.funded(t, 10*unit)
	h.deposit(t, user, 10*unit)
	_, err := h.engine.Borrow(context.Background(), user, 6*unit)
	require.NoError(t, err)

	// (10-3)*100 = 700 < 6*120 = 720
	_, err = h.engine.Withdraw(context.Background(), user, 3*unit)
	assert.ErrorIs(t, err, ledger.ErrUndercollateralizedResult)

	// (10-2)*100 = 800 >= 720
	_, err = h.engine.Withdraw(context.Background(), user, 2*unit)
	require.NoError(t, err)

	acct := h.engine.Account(user)
	assert.Equal(t, uint64(8*unit), acct.Collateral)
	assert.Equal(t, uint64(8*unit), h.vault.Balance(user), "6 borrowed + 2 withdrawn")
	requireInvariants(t, h)
}

func TestWithdraw_InsufficientBalance(t *testing.T) {
	h := newTestEngine(t)
	user := h.funded(t, 10*unit)
	h.deposit(t, user, 10*unit)

	_, err := h.engine.Withdraw(context.Background(), user, 11*unit)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, uint64(10*unit), h.engine.Account(user).Collateral)
}

func TestWithdraw_DrainedPoolRollsBack(t *testing.T) {
	h := newTestEngine(t)
	user := h.funded(t, 10*unit)
	h.deposit(t, user, 10*unit)
	_, err := h.engine.EmergencyWithdraw(context.Background(), h.owner)
	require.NoError(t, err)

	_, err = h.engine.Withdraw(context.Background(), user, 5*unit)
	assert.ErrorIs(t, err, ledger.ErrInsufficientLiquidity)
	assert.Equal(t, uint64(10*unit), h.engine.Account(user).Collateral)
	assert.Equal(t, uint64(10*unit), h.engine.Pool().TotalDeposits)
	requireInvariants(t, h)
}

// ============================================================================
// Test: borrow / repay
// ============================================================================

func TestBorrow_CollateralRatio(t *testing.T) {
	h := newTestEngine(t)
	user := h.funded(t, 10*unit)
	h.deposit(t, user, 10*unit)

	// 7*150 > 10*100
	_, err := h.engine.Borrow(context.Background(), user, 7*unit)
	require.ErrorIs(t, err, ledger.ErrInsufficientCollateral)
	assert.Equal(t, "insufficient_collateral", core.Reason(err))

	_, err = h.engine.Borrow(context.Background(), user, 6*unit)
	require.NoError(t, err)

	acct := h.engine.Account(user)
	assert.Equal(t, uint64(6*unit), acct.Borrows)
	assert.Equal(t, uint64(6*unit), h.vault.Balance(user))
	assert.Equal(t, uint64(4*unit), h.vault.Liquidity())
	assert.Equal(t, uint64(6*unit), h.engine.Pool().TotalBorrows)
	requireInvariants(t, h)
}

func TestBorrow_InsufficientLiquidity(t *testing.T) {
	h := newTestEngine(t)
	user := h.funded(t, 10*unit)
	h.deposit(t, user, 10*unit)
	_, err := h.engine.EmergencyWithdraw(context.Background(), h.owner)
	require.NoError(t, err)

	_, err = h.engine.Borrow(context.Background(), user, unit)
	assert.ErrorIs(t, err, ledger.ErrInsufficientLiquidity)
}

func TestRepay_RefundsExcess(t *testing.T) {
	h := newTestEngine(t)
	user := h.funded(t, 10*unit)
	h.deposit(t, user, 10*unit)
	_, err := h.engine.Borrow(context.Background(), user, 5*unit)
	require.NoError(t, err)
	require.NoError(t, h.vault.Fund(user, 10*unit))
	before := h.vault.Balance(user)

	receipt, err := h.engine.Repay(context.Background(), user, 10*unit)
	require.NoError(t, err)

	assert.Zero(t, h.engine.Account(user).Borrows)
	assert.Equal(t, uint64(5*unit), before-h.vault.Balance(user), "net outflow equals the debt")
	repay := receipt.Event.(*event.Repay)
	assert.Equal(t, uint64(5*unit), repay.Amount)
	assert.Equal(t, uint64(5*unit), repay.Refund)
	requireInvariants(t, h)
}

func TestRepay_Partial(t *testing.T) {
	h := newTestEngine(t)
	user := h.funded(t, 10*unit)
	h.deposit(t, user, 10*unit)
	_, err := h.engine.Borrow(context.Background(), user, 5*unit)
	require.NoError(t, err)

	receipt, err := h.engine.Repay(context.Background(), user, 2*unit)
	require.NoError(t, err)
	assert.Equal(t, uint64(3*unit), h.engine.Account(user).Borrows)
	assert.Len(t, receipt.Transfers, 1, "no refund leg")
}

func TestRepay_NoDebt(t *testing.T) {
	h := newTestEngine(t)
	user := h.funded(t, 10*unit)
	h.deposit(t, user, 10*unit)

	_, err := h.engine.Repay(context.Background(), user, unit)
	assert.ErrorIs(t, err, ledger.ErrNoDebt)
	assert.Zero(t, h.vault.Balance(user), "nothing pulled")
}

func TestRepay_RejectedRefundUnwindsPull(t *testing.T) {
	h := newTestEngine(t)
	user := h.funded(t, 10*unit)
	h.deposit(t, user, 10*unit)
	_, err := h.engine.Borrow(context.Background(), user, 5*unit)
	require.NoError(t, err)
	require.NoError(t, h.vault.Fund(user, 5*unit))
	seq := h.engine.GetSequence()
	drainOutputs(h.persist)

	h.vault.OnReceive(user, func(context.Context, uuid.UUID, uint64) error {
		return errors.New("refund refused")
	})

	_, err = h.engine.Repay(context.Background(), user, 10*unit)
	require.ErrorIs(t, err, ledger.ErrTransferFailed)

	assert.Equal(t, uint64(5*unit), h.engine.Account(user).Borrows)
	assert.Equal(t, uint64(10*unit), h.vault.Balance(user), "pulled payment returned")
	assert.Equal(t, uint64(5*unit), h.vault.Liquidity())
	assert.Equal(t, seq, h.engine.GetSequence())
	assert.Empty(t, drainOutputs(h.persist))
	requireInvariants(t, h)
}

// ============================================================================
// Test: oracle and administration
// ============================================================================

func TestUpdatePrice_OracleOnly(t *testing.T) {
	h := newTestEngine(t)
	user := h.funded(t, 10*unit)
	h.deposit(t, user, 10*unit)
	_, err := h.engine.Borrow(context.Background(), user, 6*unit)
	require.NoError(t, err)

	hf, err := h.engine.HealthFactor(user)
	require.NoError(t, err)
	assert.Equal(t, uint64(166), hf)

	_, err = h.engine.UpdatePrice(context.Background(), user, 2*unit)
	require.ErrorIs(t, err, ledger.ErrUnauthorized)

	_, err = h.engine.UpdatePrice(context.Background(), h.oracle, 0)
	require.ErrorIs(t, err, ledger.ErrInvalidPrice)

	_, err = h.engine.UpdatePrice(context.Background(), h.oracle, 2*unit)
	require.NoError(t, err)

	hf, err = h.engine.HealthFactor(user)
	require.NoError(t, err)
	assert.Equal(t, uint64(333), hf)
	assert.Equal(t, uint64(2*unit), h.engine.Pool().Price)
}

func TestHealthFactor_NoDebt(t *testing.T) {
	h := newTestEngine(t)
	user := h.funded(t, unit)
	h.deposit(t, user, unit)

	hf, err := h.engine.HealthFactor(user)
	require.NoError(t, err)
	assert.Equal(t, uint64(state.MaxHealthFactor), hf)
}

func TestEmergencyWithdraw(t *testing.T) {
	h := newTestEngine(t)
	user := h.funded(t, 10*unit)
	h.deposit(t, user, 10*unit)

	_, err := h.engine.EmergencyWithdraw(context.Background(), user)
	require.ErrorIs(t, err, ledger.ErrUnauthorized)

	_, err = h.engine.EmergencyWithdraw(context.Background(), h.owner)
	require.NoError(t, err)

	assert.Zero(t, h.vault.Liquidity())
	assert.Equal(t, uint64(10*unit), h.vault.Balance(h.owner))
	assert.Equal(t, uint64(10*unit), h.engine.Account(user).Collateral, "accounts untouched")
}

func TestTransferOwnership(t *testing.T) {
	h := newTestEngine(t)
	next := uuid.New()

	_, err := h.engine.TransferOwnership(context.Background(), next, next)
	require.ErrorIs(t, err, ledger.ErrUnauthorized)

	_, err = h.engine.TransferOwnership(context.Background(), h.owner, uuid.Nil)
	require.ErrorIs(t, err, ledger.ErrInvalidIdentity)

	_, err = h.engine.TransferOwnership(context.Background(), h.owner, next)
	require.NoError(t, err)
	assert.Equal(t, next, h.engine.Pool().Owner)

	_, err = h.engine.SetOracle(context.Background(), h.owner, uuid.New())
	assert.ErrorIs(t, err, ledger.ErrUnauthorized, "previous owner lost its rights")
}

func TestSetOracle(t *testing.T) {
	h := newTestEngine(t)
	oracle := uuid.New()

	_, err := h.engine.SetOracle(context.Background(), h.owner, uuid.Nil)
	require.ErrorIs(t, err, ledger.ErrInvalidIdentity)

	_, err = h.engine.SetOracle(context.Background(), h.owner, oracle)
	require.NoError(t, err)

	_, err = h.engine.UpdatePrice(context.Background(), h.oracle, 2*unit)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = h.engine.UpdatePrice(context.Background(), oracle, 2*unit)
	assert.NoError(t, err)
}

// ============================================================================
// Test: liquidation
// ============================================================================

// underwater opens collateral 10, debt 8 at price 2, then drops the price to 0.9.
func underwater(t *testing.T, h *harness) uuid.UUID {
	t.Helper()
	target := h.funded(t, 10*unit)
	h.deposit(t, target, 10*unit)
	_, err := h.engine.UpdatePrice(context.Background(), h.oracle, 2*unit)
	require.NoError(t, err)
	_, err = h.engine.Borrow(context.Background(), target, 8*unit)
	require.NoError(t, err)
	_, err = h.engine.UpdatePrice(context.Background(), h.oracle, 90_000_000)
	require.NoError(t, err)

	healthy, err := h.engine.IsHealthy(target, 0)
	require.NoError(t, err)
	require.False(t, healthy)
	return target
}

func TestLiquidate_RewardWithBonus(t *testing.T) {
	h := newTestEngine(t)
	target := underwater(t, h)
	liquidator := h.funded(t, 8*unit)

	receipt, err := h.engine.Liquidate(context.Background(), liquidator, target, 8*unit)
	require.NoError(t, err)

	liq := receipt.Event.(*event.Liquidate)
	assert.Equal(t, uint64(8*unit), liq.Debt)
	assert.Equal(t, uint64(880_000_000), liq.Reward)
	assert.Zero(t, liq.Shortfall)

	acct := h.engine.Account(target)
	assert.Zero(t, acct.Borrows)
	assert.Equal(t, uint64(120_000_000), acct.Collateral)
	assert.Equal(t, uint64(120_000_000), acct.Deposits)
	assert.Equal(t, uint64(880_000_000), h.vault.Balance(liquidator))
	assert.Equal(t, uint64(120_000_000), h.vault.Liquidity())
	requireInvariants(t, h)
}

func TestLiquidate_RefundsOverpayment(t *testing.T) {
	h := newTestEngine(t)
	target := underwater(t, h)
	liquidator := h.funded(t, 9*unit)

	_, err := h.engine.Liquidate(context.Background(), liquidator, target, 9*unit)
	require.NoError(t, err)
	assert.Equal(t, uint64(980_000_000), h.vault.Balance(liquidator), "reward 8.8 plus refund 1")
}

func TestLiquidate_RewardCappedAtCollateral(t *testing.T) {
	params := state.DefaultRiskParams()
	params.LiquidationBonus = 30
	h := newTestEngineWith(t, params, uuid.New(), uuid.New())
	target := underwater(t, h)
	liquidator := h.funded(t, 8*unit)

	receipt, err := h.engine.Liquidate(context.Background(), liquidator, target, 8*unit)
	require.NoError(t, err)

	liq := receipt.Event.(*event.Liquidate)
	assert.Equal(t, uint64(10*unit), liq.Reward)
	assert.Equal(t, uint64(40_000_000), liq.Shortfall)
	assert.True(t, h.engine.Account(target).IsZero(), "full debt cleared, collateral exhausted")
	requireInvariants(t, h)
}

func TestLiquidate_Rejections(t *testing.T) {
	h := newTestEngine(t)
	healthy := h.funded(t, 10*unit)
	h.deposit(t, healthy, 10*unit)
	liquidator := h.funded(t, 10*unit)

	_, err := h.engine.Liquidate(context.Background(), liquidator, healthy, 10*unit)
	assert.ErrorIs(t, err, ledger.ErrPositionHealthy)

	_, err = h.engine.Liquidate(context.Background(), liquidator, uuid.Nil, 10*unit)
	assert.ErrorIs(t, err, ledger.ErrInvalidIdentity)

	target := underwater(t, h)
	_, err = h.engine.Liquidate(context.Background(), liquidator, target, 7*unit)
	assert.ErrorIs(t, err, ledger.ErrInsufficientRepayment)
	assert.Equal(t, uint64(10*unit), h.vault.Balance(liquidator))
	assert.Equal(t, uint64(8*unit), h.engine.Account(target).Borrows)
}

// ============================================================================
// Test: reentrancy
// ============================================================================

func TestReentrancy_NestedWithdrawRejected(t *testing.T) {
	h := newTestEngine(t)
	attacker := h.funded(t, 10*unit)
	h.deposit(t, attacker, 10*unit)

	var nested []error
	h.vault.OnReceive(attacker, func(ctx context.Context, to uuid.UUID, amount uint64) error {
		_, err := h.engine.Withdraw(ctx, to, amount)
		nested = append(nested, err)
		return nil // swallow and keep the funds
	})

	_, err := h.engine.Withdraw(context.Background(), attacker, 5*unit)
	require.NoError(t, err)

	require.Len(t, nested, 1)
	assert.ErrorIs(t, nested[0], ledger.ErrReentrantCall)
	assert.Equal(t, uint64(5*unit), h.vault.Balance(attacker), "exactly one withdrawal paid out")
	assert.Equal(t, uint64(5*unit), h.engine.Account(attacker).Collateral)
	assert.Equal(t, int64(2), h.engine.GetSequence())
	requireInvariants(t, h)
}

func TestReentrancy_PropagatedFailureRollsBack(t *testing.T) {
	h := newTestEngine(t)
	attacker := h.funded(t, 10*unit)
	h.deposit(t, attacker, 10*unit)
	drainOutputs(h.persist)

	h.vault.OnReceive(attacker, func(ctx context.Context, to uuid.UUID, _ uint64) error {
		_, err := h.engine.Borrow(ctx, to, unit)
		return err
	})

	_, err := h.engine.Withdraw(context.Background(), attacker, 5*unit)
	require.ErrorIs(t, err, ledger.ErrTransferFailed)
	assert.ErrorIs(t, err, ledger.ErrReentrantCall)
	assert.Equal(t, "reentrant_call", core.Reason(err))

	assert.Equal(t, uint64(10*unit), h.engine.Account(attacker).Collateral)
	assert.Zero(t, h.engine.Account(attacker).Borrows)
	assert.Zero(t, h.vault.Balance(attacker))
	assert.Equal(t, uint64(10*unit), h.vault.Liquidity())
	assert.Empty(t, drainOutputs(h.persist))
	requireInvariants(t, h)
}

func TestReentrancy_ViewsAllowedDuringTransfer(t *testing.T) {
	h := newTestEngine(t)
	user := h.funded(t, 10*unit)
	h.deposit(t, user, 10*unit)

	var seen core.PoolView
	h.vault.OnReceive(user, func(context.Context, uuid.UUID, uint64) error {
		seen = h.engine.Pool()
		return nil
	})

	_, err := h.engine.Borrow(context.Background(), user, 6*unit)
	require.NoError(t, err)
	assert.True(t, seen.Locked)
	assert.Equal(t, uint64(6*unit), seen.TotalBorrows, "effects applied before the push")
}

func TestBorrow_RejectedPushRollsBack(t *testing.T) {
	h := newTestEngine(t)
	user := h.funded(t, 10*unit)
	h.deposit(t, user, 10*unit)
	h.vault.OnReceive(user, func(context.Context, uuid.UUID, uint64) error {
		return errors.New("not accepting")
	})

	_, err := h.engine.Borrow(context.Background(), user, 6*unit)
	require.ErrorIs(t, err, ledger.ErrTransferFailed)
	assert.ErrorIs(t, err, transfer.ErrRecipientRejected)

	assert.Zero(t, h.engine.Account(user).Borrows)
	assert.Zero(t, h.engine.Pool().TotalBorrows)
	assert.Equal(t, uint64(10*unit), h.vault.Liquidity())
	requireInvariants(t, h)
}

// ============================================================================
// Test: state hash chain and replay
// ============================================================================

type scriptStep func(ctx context.Context, h *harness, user uuid.UUID) error

func script() []scriptStep {
	return []scriptStep{
		func(ctx context.Context, h *harness, user uuid.UUID) error {
			_, err := h.engine.Deposit(ctx, user, 10*unit)
			return err
		},
		func(ctx context.Context, h *harness, user uuid.UUID) error {
			_, err := h.engine.Borrow(ctx, user, 5*unit)
			return err
		},
		func(ctx context.Context, h *harness, _ uuid.UUID) error {
			_, err := h.engine.UpdatePrice(ctx, h.oracle, 150_000_000)
			return err
		},
		func(ctx context.Context, h *harness, user uuid.UUID) error {
			_, err := h.engine.Repay(ctx, user, 5*unit)
			return err
		},
		func(ctx context.Context, h *harness, user uuid.UUID) error {
			_, err := h.engine.Withdraw(ctx, user, 4*unit)
			return err
		},
		func(ctx context.Context, h *harness, _ uuid.UUID) error {
			_, err := h.engine.SetOracle(ctx, h.owner, h.owner)
			return err
		},
	}
}

// runScript executes the script with fixed command ids so two runs are comparable.
func runScript(t *testing.T, h *harness, user uuid.UUID, ids []uuid.UUID) []core.CoreOutput {
	t.Helper()
	require.NoError(t, h.vault.Fund(user, 10*unit))
	for i, step := range script() {
		ctx := core.WithCommandMeta(context.Background(), core.CommandMeta{ID: ids[i]})
		require.NoError(t, step(ctx, h, user), "step %d", i)
	}
	return drainOutputs(h.persist)
}

func scriptIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(script()))
	for i := range ids {
		ids[i] = uuid.New()
	}
	return ids
}

func TestStateHashChain_Deterministic(t *testing.T) {
	owner, oracle, user := uuid.New(), uuid.New(), uuid.New()
	ids := scriptIDs()

	a := newTestEngineWith(t, state.DefaultRiskParams(), owner, oracle)
	b := newTestEngineWith(t, state.DefaultRiskParams(), owner, oracle)
	outA := runScript(t, a, user, ids)
	outB := runScript(t, b, user, ids)

	require.Len(t, outA, len(ids))
	assert.Equal(t, a.engine.GetStateHash(), b.engine.GetStateHash())

	prev := core.GenesisHash()
	for i, out := range outA {
		env := out.Envelope
		assert.Equal(t, int64(i+1), env.Sequence)
		assert.Equal(t, prev, env.PrevHash, "seq %d links to its predecessor", env.Sequence)
		assert.Equal(t, ids[i].String(), env.IdempotencyKey)
		assert.Equal(t, outB[i].Envelope.StateHash, env.StateHash)
		prev = env.StateHash
	}
}

func TestReplay_RebuildsState(t *testing.T) {
	owner, oracle, user := uuid.New(), uuid.New(), uuid.New()
	live := newTestEngineWith(t, state.DefaultRiskParams(), owner, oracle)
	outputs := runScript(t, live, user, scriptIDs())

	replica := newTestEngineWith(t, state.DefaultRiskParams(), owner, oracle)
	for _, out := range outputs {
		require.NoError(t, replica.engine.ReplayEnvelope(out.Envelope))
	}

	assert.Equal(t, live.engine.GetStateHash(), replica.engine.GetStateHash())
	assert.Equal(t, live.engine.GetSequence(), replica.engine.GetSequence())
	assert.Equal(t, live.engine.Account(user), replica.engine.Account(user))
	assert.Equal(t, live.engine.Pool().Oracle, replica.engine.Pool().Oracle)
	assert.Empty(t, drainOutputs(replica.persist), "replay emits nothing")
	assert.Zero(t, replica.vault.Liquidity(), "replay moves no value")
}

func TestReplay_DetectsTampering(t *testing.T) {
	owner, oracle, user := uuid.New(), uuid.New(), uuid.New()
	live := newTestEngineWith(t, state.DefaultRiskParams(), owner, oracle)
	outputs := runScript(t, live, user, scriptIDs())

	replica := newTestEngineWith(t, state.DefaultRiskParams(), owner, oracle)
	require.NoError(t, replica.engine.ReplayEnvelope(outputs[0].Envelope))

	forged := *outputs[1].Envelope
	forged.Payload = []byte(`{"command_id":"` + uuid.NewString() + `","identity":"` + user.String() + `","amount":"600000000"}`)
	err := replica.engine.ReplayEnvelope(&forged)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state hash mismatch")

	gap := *outputs[3].Envelope
	assert.Error(t, replica.engine.ReplayEnvelope(&gap), "sequence gap")
}

func TestSnapshot_RestoreThenReplayTail(t *testing.T) {
	owner, oracle, user := uuid.New(), uuid.New(), uuid.New()
	live := newTestEngineWith(t, state.DefaultRiskParams(), owner, oracle)
	outputs := runScript(t, live, user, scriptIDs())

	// Rebuild the snapshot at seq 3 from the head of the log.
	head := newTestEngineWith(t, state.DefaultRiskParams(), owner, oracle)
	for _, out := range outputs[:3] {
		require.NoError(t, head.engine.ReplayEnvelope(out.Envelope))
	}
	snap := head.engine.CreateSnapshotState()
	assert.Equal(t, int64(3), snap.Sequence)

	restored := newTestEngineWith(t, state.DefaultRiskParams(), uuid.New(), uuid.New())
	require.NoError(t, restored.engine.RestoreFromSnapshot(snap))
	for _, out := range outputs[3:] {
		require.NoError(t, restored.engine.ReplayEnvelope(out.Envelope))
	}

	assert.Equal(t, live.engine.GetStateHash(), restored.engine.GetStateHash())
	assert.Equal(t, live.engine.Account(user), restored.engine.Account(user))
}

func TestRestoreFromSnapshot_RejectsBrokenBook(t *testing.T) {
	h := newTestEngine(t)
	user := uuid.New()
	snap := &core.SnapshotState{
		Sequence: 7,
		Owner:    uuid.New(),
		Oracle:   uuid.New(),
		Price:    unit,
		Balances: map[ledger.AccountKey]uint64{
			ledger.NewUserAccountKey(user, ledger.FieldDeposits):   5,
			ledger.NewUserAccountKey(user, ledger.FieldCollateral): 4,
		},
	}
	assert.Error(t, h.engine.RestoreFromSnapshot(snap))

	snap.Price = 0
	assert.ErrorIs(t, h.engine.RestoreFromSnapshot(snap), ledger.ErrInvalidPrice)
}

// ============================================================================
// Test: output channels
// ============================================================================

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	vault := transfer.NewVault(transfer.Options{})
	persist := make(chan core.CoreOutput, 1024)
	projection := make(chan core.CoreOutput, 1)
	e, err := core.NewEngine(core.Config{
		Owner:          uuid.New(),
		Oracle:         uuid.New(),
		Params:         state.DefaultRiskParams(),
		Port:           vault,
		Clock:          fixedClock,
		PersistChan:    persist,
		ProjectionChan: projection,
	})
	require.NoError(t, err)

	user := uuid.New()
	require.NoError(t, vault.Fund(user, 5*unit))
	for i := 0; i < 5; i++ {
		_, err := e.Deposit(context.Background(), user, unit)
		require.NoError(t, err)
	}

	assert.Len(t, drainOutputs(persist), 5)
	assert.Len(t, drainOutputs(projection), 1)
}

func TestEnvelope_HasCorrectFields(t *testing.T) {
	h := newTestEngine(t)
	user := h.funded(t, unit)
	id := uuid.New()

	ctx := core.WithCommandMeta(context.Background(), core.CommandMeta{ID: id})
	_, err := h.engine.Deposit(ctx, user, unit)
	require.NoError(t, err)

	outputs := drainOutputs(h.persist)
	require.Len(t, outputs, 1)
	env := outputs[0].Envelope
	assert.Equal(t, event.EventTypeDeposit, env.EventType)
	assert.Equal(t, id.String(), env.IdempotencyKey)
	assert.Equal(t, fixedClock().UTC(), env.Timestamp)
	assert.NotEqual(t, [32]byte{}, env.StateHash)
	require.NotNil(t, outputs[0].Batch)
	assert.Len(t, outputs[0].Batch.Journals, 3)
}

func defaultParams() state.RiskParams {
	return state.DefaultRiskParams()
}
