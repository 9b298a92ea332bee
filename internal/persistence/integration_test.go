package persistence_test

import (
	"context"
	"testing"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
	"LendLedger/internal/state"
	"LendLedger/internal/testutil"
	"LendLedger/internal/transfer"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const unit = 100_000_000

func fixedClock() time.Time { return time.UnixMicro(1_700_000_000_000_000).UTC() }

type node struct {
	engine     *core.Engine
	proc       *core.Processor
	vault      *transfer.Vault
	persist    chan core.CoreOutput
	projection chan core.CoreOutput
}

func newNode(t *testing.T, owner, oracle uuid.UUID, idem core.DBIdempotencyChecker) *node {
	t.Helper()
	n := &node{
		vault:      transfer.NewVault(transfer.Options{}),
		persist:    make(chan core.CoreOutput, 64),
		projection: make(chan core.CoreOutput, 64),
	}
	var err error
	n.engine, err = core.NewEngine(core.Config{
		Owner:          owner,
		Oracle:         oracle,
		Params:         state.DefaultRiskParams(),
		Port:           n.vault,
		Clock:          fixedClock,
		PersistChan:    n.persist,
		ProjectionChan: n.projection,
	})
	require.NoError(t, err)
	n.proc = core.NewProcessor(n.engine, idem, core.ProcessorConfig{QueueSize: 16, LRUCapacity: 128}, nil, zerolog.Nop())
	return n
}

func (n *node) exec(t *testing.T, cmd *core.Command) *core.Receipt {
	t.Helper()
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	receipt, err := n.proc.Execute(context.Background(), cmd)
	require.NoError(t, err, "%s", cmd.Type)
	return receipt
}

func TestPipeline_PersistRecoverAndProject(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	owner, oracle := uuid.New(), uuid.New()

	src := newNode(t, owner, oracle, persistence.NewPostgresIdempotencyChecker(db))
	persistWorker := persistence.NewPersistenceWorker(db, src.persist, 4, 5*time.Millisecond, nil, zerolog.Nop())
	projWorker := projection.NewProjectionWorker(db, src.projection, nil, zerolog.Nop())

	persisted := make(chan error, 1)
	projected := make(chan error, 1)
	go func() { persisted <- persistWorker.Run(ctx) }()
	go func() { projected <- projWorker.Run(ctx) }()

	target, liquidator, saver := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, src.vault.Fund(target, 10*unit))
	require.NoError(t, src.vault.Fund(liquidator, 9*unit))
	require.NoError(t, src.vault.Fund(saver, 5*unit))

	deposit := &core.Command{Type: core.CmdDeposit, Caller: target, Amount: 10 * unit}
	src.exec(t, deposit)
	src.exec(t, &core.Command{Type: core.CmdDeposit, Caller: saver, Amount: 5 * unit})
	src.exec(t, &core.Command{Type: core.CmdUpdatePrice, Caller: oracle, Amount: 2 * unit, PriceSequence: 1})
	src.exec(t, &core.Command{Type: core.CmdBorrow, Caller: target, Amount: 8 * unit})

	// Snapshot partway through; later events are replayed on top of it
	mid := src.proc.Snapshot()

	src.exec(t, &core.Command{Type: core.CmdRepay, Caller: target, Amount: unit})
	src.exec(t, &core.Command{Type: core.CmdUpdatePrice, Caller: oracle, Amount: 80_000_000, PriceSequence: 2})
	liq := src.exec(t, &core.Command{Type: core.CmdLiquidate, Caller: liquidator, Target: target, Amount: 9 * unit})
	src.exec(t, &core.Command{Type: core.CmdWithdraw, Caller: saver, Amount: 2 * unit})
	require.NoError(t, src.engine.CheckInvariants())

	close(src.persist)
	close(src.projection)
	require.NoError(t, <-persisted)
	require.NoError(t, <-projected)

	head := src.engine.GetSequence()
	assert.Equal(t, head, persistWorker.LastSequence())

	snapshots := persistence.NewSnapshotManager(db)
	_, err := snapshots.SaveSnapshot(ctx, persistence.NewSnapshotData(mid, fixedClock()))
	require.NoError(t, err)
	require.NoError(t, snapshots.MarkVerified(ctx, mid.Sequence))

	t.Run("recovery rebuilds identical state", func(t *testing.T) {
		dst := newNode(t, owner, oracle, persistence.NewPostgresIdempotencyChecker(db))
		result, err := persistence.Recover(ctx, snapshots, dst.proc, nil, zerolog.Nop())
		require.NoError(t, err)

		assert.Equal(t, mid.Sequence, result.SnapshotSequence)
		assert.Equal(t, head-mid.Sequence, result.Replayed)
		assert.Equal(t, head, result.Sequence)
		assert.Equal(t, src.engine.GetStateHash(), result.StateHash)
		for _, id := range []uuid.UUID{target, liquidator, saver} {
			assert.Equal(t, src.engine.Account(id), dst.engine.Account(id))
		}

		// Replayed and snapshotted commands are both remembered
		again, err := dst.proc.Execute(ctx, deposit)
		require.NoError(t, err)
		assert.True(t, again.Duplicate)
		assert.Equal(t, head, dst.engine.GetSequence())
	})

	t.Run("custody matches the vault", func(t *testing.T) {
		custody, err := persistence.CustodyBalance(ctx, db, head)
		require.NoError(t, err)
		assert.Equal(t, src.vault.Liquidity(), custody)

		early, err := persistence.CustodyBalance(ctx, db, 2)
		require.NoError(t, err)
		assert.Equal(t, uint64(15*unit), early)
	})

	t.Run("projections agree with the ledger", func(t *testing.T) {
		qs := query.NewQueryService(db)

		acct, err := qs.GetAccount(ctx, target)
		require.NoError(t, err)
		live := src.engine.Account(target)
		assert.Equal(t, live.Deposits, acct.Deposits)
		assert.Equal(t, live.Collateral, acct.Collateral)
		assert.Equal(t, live.Borrows, acct.Borrows)

		liquidations, err := qs.ListLiquidations(ctx, &target, 0, nil)
		require.NoError(t, err)
		require.Len(t, liquidations, 1)
		assert.Equal(t, liq.Sequence, liquidations[0].Sequence)
		assert.Equal(t, liquidator, liquidations[0].Liquidator)

		report, err := qs.VerifyIntegrity(ctx)
		require.NoError(t, err)
		assert.True(t, report.IsHealthy, "%+v", report)

		require.NoError(t, projection.RebuildProjections(ctx, db, zerolog.Nop()))
		report, err = qs.VerifyIntegrity(ctx)
		require.NoError(t, err)
		assert.True(t, report.IsHealthy, "%+v", report)

		pool, err := qs.GetPool(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(80_000_000), pool.Price)
		assert.Equal(t, head, pool.AsOfSequence)
	})
}

func TestSnapshotter_VerifiesOnceDurable(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	n := newNode(t, uuid.New(), uuid.New(), nil)
	user := uuid.New()
	require.NoError(t, n.vault.Fund(user, unit))
	n.exec(t, &core.Command{Type: core.CmdDeposit, Caller: user, Amount: unit})

	var durable int64
	snapshots := persistence.NewSnapshotManager(db)
	source := func(context.Context) (*core.SnapshotState, error) { return n.proc.Snapshot(), nil }
	s := persistence.NewSnapshotter(snapshots, source, func() int64 { return durable }, time.Hour, nil, zerolog.Nop())

	require.NoError(t, s.Tick(ctx))
	loaded, err := snapshots.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded, "not durable yet")

	durable = n.engine.GetSequence()
	require.NoError(t, s.Tick(ctx))
	loaded, err = snapshots.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, durable, loaded.Sequence)
}
