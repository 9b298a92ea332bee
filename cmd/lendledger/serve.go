package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"LendLedger/internal/config"
	"LendLedger/internal/core"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
	"LendLedger/internal/server"
	"LendLedger/internal/transfer"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// stage is a group of goroutines stopped together. Stages shut down in
// order: ingress first, then the processor, then the output workers, so the
// engine never blocks on a consumer that already exited.
type stage struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newStage() *stage {
	ctx, cancel := context.WithCancel(context.Background())
	return &stage{ctx: ctx, cancel: cancel}
}

func (s *stage) goRun(name string, errs chan<- error, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			select {
			case errs <- fmt.Errorf("%s: %w", name, err):
			default: // shutdown already under way
			}
		}
	}()
}

func (s *stage) stop() {
	s.cancel()
	s.wg.Wait()
}

func serve(ctx context.Context, cfg config.Config) error {
	observability.ConfigureLogging(cfg.Log.Observability())
	logger := observability.NewLogger("main")
	logger.Info().Str("version", version).Msg("LendLedger starting")

	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	owner, oracle, err := cfg.Pool.Identities()
	if err != nil {
		return err
	}
	params, err := cfg.Pool.RiskParams()
	if err != nil {
		return err
	}

	// --- Postgres ---
	db, err := openDB(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info().Msg("Postgres connected")

	if err := persistence.NewMigrator(db, migrationFS(cfg), observability.NewLogger("migrate")).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Engine ---
	// The persist channel blocks the engine when full; the projection
	// channel drops instead.
	persistChan := make(chan core.CoreOutput, cfg.Pipeline.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Pipeline.ProjectionChanSize)

	vaultLogger := observability.NewLogger("vault")
	vault := transfer.NewVault(transfer.Options{
		OpenWallets: cfg.Pool.OpenWallets,
		Logger:      &vaultLogger,
	})

	engineLogger := observability.NewLogger("engine")
	engine, err := core.NewEngine(core.Config{
		Owner:          owner,
		Oracle:         oracle,
		Params:         params,
		Port:           vault,
		Clock:          func() time.Time { return time.Now().UTC() },
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
		Metrics:        metrics,
		Logger:         &engineLogger,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	proc := core.NewProcessor(
		engine,
		persistence.NewPostgresIdempotencyChecker(db),
		core.ProcessorConfig{
			QueueSize:   cfg.Pipeline.QueueSize,
			LRUCapacity: cfg.Pipeline.IdempotencyLRU,
		},
		metrics,
		observability.NewLogger("processor"),
	)

	// --- Recovery ---
	snapshots := persistence.NewSnapshotManager(db)
	recovered, err := persistence.Recover(ctx, snapshots, proc, metrics, observability.NewLogger("recovery"))
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	head, err := snapshots.GetLatestSequence(ctx)
	if err != nil {
		return err
	}
	if head != recovered.Sequence {
		return fmt.Errorf("recovered to sequence %d but the log ends at %d", recovered.Sequence, head)
	}
	custody, err := persistence.CustodyBalance(ctx, db, recovered.Sequence)
	if err != nil {
		return err
	}
	vault.Seed(custody)
	logger.Info().
		Int64("sequence", recovered.Sequence).
		Int64("replayed", recovered.Replayed).
		Uint64("liquidity", custody).
		Msg("state recovered")

	// --- NATS ---
	var (
		nc *nats.Conn
		js jetstream.JetStream
	)
	if cfg.NATS.Enabled {
		natsLogger := observability.NewLogger("nats")
		nc, js, err = ingestion.ConnectNATS(cfg.NATS.URL, natsLogger)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js, natsLogger); err != nil {
			return fmt.Errorf("ensure outbound stream: %w", err)
		}
	}

	// --- Output workers ---
	errs := make(chan error, 16)
	outputs := newStage()

	durableChan := make(chan core.CoreOutput, cfg.Pipeline.PersistChanSize)
	var publishChan chan core.CoreOutput
	if js != nil {
		publishChan = make(chan core.CoreOutput, cfg.Pipeline.PublishChanSize)
	}
	outputs.goRun("fan-out", errs, func(ctx context.Context) error {
		return fanOut(ctx, persistChan, durableChan, publishChan, metrics)
	})

	persistWorker := persistence.NewPersistenceWorker(
		db, durableChan,
		cfg.Pipeline.PersistBatchSize, cfg.Pipeline.PersistFlushTimeout,
		metrics, observability.NewLogger("persistence"),
	)
	persistWorker.SetLastSequence(recovered.Sequence)
	outputs.goRun("persistence", errs, persistWorker.Run)

	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics, observability.NewLogger("projection"))
	outputs.goRun("projection", errs, projWorker.Run)

	if publishChan != nil {
		publisher := ingestion.NewOutboundPublisher(js, publishChan, observability.NewLogger("publisher"))
		outputs.goRun("publisher", errs, publisher.Run)
	}

	// --- Processor ---
	processing := newStage()
	processing.goRun("processor", errs, proc.Run)

	// --- Ingress ---
	ingress := newStage()

	var subscriber *ingestion.NATSSubscriber
	if js != nil {
		subscriber = ingestion.NewNATSSubscriber(js, proc, observability.NewLogger("subscriber"))
		if err := subscriber.Subscribe(ingress.ctx, ingestion.DefaultSubjects()); err != nil {
			shutdown(logger, ingress, processing, outputs, persistChan, projectionChan)
			return fmt.Errorf("nats subscribe: %w", err)
		}
	}

	snapshotLogger := observability.NewLogger("snapshot")
	snapshotter := persistence.NewSnapshotter(snapshots, proc.TakeSnapshot, persistWorker.LastSequence, cfg.Snapshot.Interval, metrics, snapshotLogger)
	ingress.goRun("snapshotter", errs, snapshotter.Run)

	var auth *server.Authenticator
	if cfg.Server.JWTSecret != "" {
		auth = server.NewAuthenticator(cfg.Server.JWTSecret, cfg.Server.JWTIssuer)
	} else {
		logger.Warn().Msg("server.jwt_secret not set, API authentication disabled")
	}

	srv, err := server.NewServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr,
		server.RateLimit{PerSecond: cfg.Server.RateLimit, Burst: cfg.Server.RateBurst},
		&server.ServerDeps{
			Processor: proc,
			Queries:   query.NewQueryService(db),
			Snapshot: func(ctx context.Context) (int64, error) {
				return snapshotNow(ctx, snapshots, proc)
			},
			Rebuild: func(ctx context.Context) error {
				return projection.RebuildProjections(ctx, db, observability.NewLogger("projection"))
			},
			HealthChecker: health,
			Auth:          auth,
			Metrics:       metrics,
			Logger:        observability.NewLogger("server"),
		})
	if err != nil {
		shutdown(logger, ingress, processing, outputs, persistChan, projectionChan)
		return err
	}
	ingress.goRun("grpc", errs, srv.StartGRPC)
	ingress.goRun("http", errs, srv.StartHTTP)

	health.SetReady(true)
	logger.Info().
		Int64("sequence", recovered.Sequence).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Bool("nats", js != nil).
		Msg("LendLedger ready")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-errs:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	health.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	shutdown(logger, ingress, processing, outputs, persistChan, projectionChan)

	// The processor has exited, so its state can be read directly.
	finalCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := finalSnapshot(finalCtx, snapshots, proc, persistWorker.LastSequence()); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}

	logger.Info().Msg("LendLedger shutdown complete")
	return runErr
}

// shutdown stops the stages in dependency order. Closing the engine's output
// channels once the processor is gone lets each worker drain and flush.
func shutdown(logger zerolog.Logger, ingress, processing, outputs *stage, persistChan, projectionChan chan core.CoreOutput) {
	ingress.stop()
	processing.stop()

	close(persistChan)
	close(projectionChan)

	done := make(chan struct{})
	go func() {
		outputs.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Error().Msg("output workers did not drain in time")
	}
	outputs.stop()
}

// fanOut copies every durable output to the persistence worker, and to the
// outbound publisher when NATS is enabled. The persistence send blocks so the
// engine feels its backpressure; publishing is best effort.
func fanOut(ctx context.Context, in <-chan core.CoreOutput, durable, publish chan<- core.CoreOutput, metrics *observability.Metrics) error {
	defer close(durable)
	if publish != nil {
		defer close(publish)
	}

	for out := range in {
		select {
		case durable <- out:
		case <-ctx.Done():
			return ctx.Err()
		}
		if publish == nil {
			continue
		}
		select {
		case publish <- out:
		default:
			if metrics != nil {
				metrics.PublishDrops.Inc()
			}
		}
	}
	return nil
}

// snapshotNow serves the admin snapshot route. The snapshot stays unverified
// until the periodic snapshotter sees the persistence worker catch up.
func snapshotNow(ctx context.Context, snapshots *persistence.SnapshotManager, proc *core.Processor) (int64, error) {
	state, err := proc.TakeSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := snapshots.SaveSnapshot(ctx, persistence.NewSnapshotData(state, time.Now().UTC())); err != nil {
		return 0, err
	}
	return state.Sequence, nil
}

func finalSnapshot(ctx context.Context, snapshots *persistence.SnapshotManager, proc *core.Processor, durable int64) error {
	state := proc.Snapshot()
	if state.Sequence == 0 {
		return nil
	}
	if _, err := snapshots.SaveSnapshot(ctx, persistence.NewSnapshotData(state, time.Now().UTC())); err != nil {
		return err
	}
	if durable < state.Sequence {
		return fmt.Errorf("snapshot %d left unverified, log durable to %d", state.Sequence, durable)
	}
	return snapshots.MarkVerified(ctx, state.Sequence)
}
