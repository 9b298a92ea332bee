package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"LendLedger/internal/event"
	"LendLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CommandType names a mutating engine operation.
type CommandType string

const (
	CmdDeposit           CommandType = OpDeposit
	CmdWithdraw          CommandType = OpWithdraw
	CmdBorrow            CommandType = OpBorrow
	CmdRepay             CommandType = OpRepay
	CmdLiquidate         CommandType = OpLiquidate
	CmdUpdatePrice       CommandType = OpUpdatePrice
	CmdEmergencyWithdraw CommandType = OpEmergencyWithdraw
	CmdTransferOwnership CommandType = OpTransferOwnership
	CmdSetOracle         CommandType = OpSetOracle
)

// EventType returns the event the command emits when it commits.
func (t CommandType) EventType() event.EventType {
	switch t {
	case CmdDeposit:
		return event.EventTypeDeposit
	case CmdWithdraw:
		return event.EventTypeWithdraw
	case CmdBorrow:
		return event.EventTypeBorrow
	case CmdRepay:
		return event.EventTypeRepay
	case CmdLiquidate:
		return event.EventTypeLiquidate
	case CmdUpdatePrice:
		return event.EventTypePriceUpdated
	case CmdEmergencyWithdraw:
		return event.EventTypeEmergencyWithdraw
	case CmdTransferOwnership:
		return event.EventTypeOwnershipTransferred
	case CmdSetOracle:
		return event.EventTypeOracleChanged
	default:
		return event.EventTypeUnknown
	}
}

// Command is one request to mutate the pool.
type Command struct {
	ID            uuid.UUID   `json:"command_id"` // idempotency key; Nil disables dedup
	Type          CommandType `json:"type"`
	Caller        uuid.UUID   `json:"caller"`
	Target        uuid.UUID   `json:"target,omitempty"` // liquidation target, new owner or new oracle
	Amount        uint64      `json:"amount,string"`    // amount, supplied repayment, or price
	PriceSequence int64       `json:"price_sequence,omitempty"`

	ReceivedAt time.Time `json:"-"`
	Source     string    `json:"-"` // "http", "nats"
}

var ErrProcessorStopped = errors.New("processor stopped")

// ProcessorConfig sizes the request queue and the dedup cache.
type ProcessorConfig struct {
	QueueSize   int
	LRUCapacity int
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		QueueSize:   1024,
		LRUCapacity: 1_000_000,
	}
}

type request struct {
	ctx   context.Context
	cmd   *Command
	query func(*Engine) error
	reply chan result
}

type result struct {
	receipt *Receipt
	err     error
}

// Processor owns the Engine on a single goroutine. HTTP handlers and NATS
// consumers hand it commands and wait for the reply.
type Processor struct {
	engine      *Engine
	idempotency *IdempotencyChecker
	prices      *PriceSequenceValidator
	requests    chan request
	done        chan struct{}
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

func NewProcessor(
	engine *Engine,
	dbChecker DBIdempotencyChecker,
	cfg ProcessorConfig,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Processor {
	return &Processor{
		engine:      engine,
		idempotency: NewIdempotencyChecker(cfg.LRUCapacity, dbChecker, metrics, logger),
		prices:      NewPriceSequenceValidator(metrics),
		requests:    make(chan request, cfg.QueueSize),
		done:        make(chan struct{}),
		metrics:     metrics,
		logger:      logger,
	}
}

// Run serves requests until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	defer close(p.done)
	p.logger.Info().Int64("sequence", p.engine.GetSequence()).Msg("processor started")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("processor stopping")
			return ctx.Err()
		case req := <-p.requests:
			if p.metrics != nil {
				p.metrics.SetChannelMetrics("processor", len(p.requests), cap(p.requests))
			}
			if req.ctx.Err() != nil {
				req.reply <- result{err: req.ctx.Err()}
				continue
			}
			if req.query != nil {
				req.reply <- result{err: req.query(p.engine)}
				continue
			}
			receipt, err := p.Execute(req.ctx, req.cmd)
			req.reply <- result{receipt: receipt, err: err}
		}
	}
}

// Submit queues cmd and waits for its receipt.
func (p *Processor) Submit(ctx context.Context, cmd *Command) (*Receipt, error) {
	res, err := p.roundTrip(ctx, request{ctx: ctx, cmd: cmd})
	if err != nil {
		return nil, err
	}
	return res.receipt, res.err
}

// Query runs fn against the engine on the processor goroutine.
func (p *Processor) Query(ctx context.Context, fn func(*Engine) error) error {
	res, err := p.roundTrip(ctx, request{ctx: ctx, query: fn})
	if err != nil {
		return err
	}
	return res.err
}

func (p *Processor) roundTrip(ctx context.Context, req request) (result, error) {
	req.reply = make(chan result, 1)
	select {
	case p.requests <- req:
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-p.done:
		return result{}, ErrProcessorStopped
	}

	select {
	case res := <-req.reply:
		return res, nil
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-p.done:
		return result{}, ErrProcessorStopped
	}
}

// Execute deduplicates, orders and dispatches cmd. It must only be called
// from the goroutine that owns the engine (Run, recovery, tests).
func (p *Processor) Execute(ctx context.Context, cmd *Command) (*Receipt, error) {
	eventType := cmd.Type.EventType()
	if eventType == event.EventTypeUnknown {
		return nil, fmt.Errorf("unknown command type %q", cmd.Type)
	}
	key := cmd.ID.String()
	dedup := cmd.ID != uuid.Nil

	if dedup && p.idempotency.IsDuplicate(ctx, eventType.String(), key) {
		p.logger.Debug().Str("command_id", key).Str("type", string(cmd.Type)).Msg("duplicate command skipped")
		return &Receipt{Sequence: p.engine.GetSequence(), Duplicate: true}, nil
	}

	if cmd.Type == CmdUpdatePrice && !p.prices.Accept(cmd.PriceSequence) {
		p.logger.Debug().Int64("price_sequence", cmd.PriceSequence).Msg("stale price ignored")
		return &Receipt{Sequence: p.engine.GetSequence(), Stale: true}, nil
	}

	ctx = WithCommandMeta(ctx, CommandMeta{ID: cmd.ID, PriceSequence: cmd.PriceSequence})
	receipt, err := p.dispatch(ctx, cmd)
	if err != nil {
		return nil, err
	}

	if cmd.Type == CmdUpdatePrice {
		p.prices.Commit(cmd.PriceSequence)
	}
	if dedup {
		p.idempotency.MarkProcessed(eventType.String(), key)
	}
	if p.metrics != nil && !cmd.ReceivedAt.IsZero() {
		p.metrics.IngestToApply.WithLabelValues(cmd.Source).Observe(time.Since(cmd.ReceivedAt).Seconds())
	}
	return receipt, nil
}

func (p *Processor) dispatch(ctx context.Context, cmd *Command) (*Receipt, error) {
	e := p.engine
	switch cmd.Type {
	case CmdDeposit:
		return e.Deposit(ctx, cmd.Caller, cmd.Amount)
	case CmdWithdraw:
		return e.Withdraw(ctx, cmd.Caller, cmd.Amount)
	case CmdBorrow:
		return e.Borrow(ctx, cmd.Caller, cmd.Amount)
	case CmdRepay:
		return e.Repay(ctx, cmd.Caller, cmd.Amount)
	case CmdLiquidate:
		return e.Liquidate(ctx, cmd.Caller, cmd.Target, cmd.Amount)
	case CmdUpdatePrice:
		return e.UpdatePrice(ctx, cmd.Caller, cmd.Amount)
	case CmdEmergencyWithdraw:
		return e.EmergencyWithdraw(ctx, cmd.Caller)
	case CmdTransferOwnership:
		return e.TransferOwnership(ctx, cmd.Caller, cmd.Target)
	case CmdSetOracle:
		return e.SetOracle(ctx, cmd.Caller, cmd.Target)
	default:
		return nil, fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

// --- Recovery ---

// Snapshot captures engine and processor state. Call from the owning goroutine.
func (p *Processor) Snapshot() *SnapshotState {
	snap := p.engine.CreateSnapshotState()
	snap.PriceSequence = p.prices.Last()
	snap.IdempotencyKeys = p.idempotency.lru.Keys()
	return snap
}

// TakeSnapshot captures a snapshot from any goroutine by routing through Run.
func (p *Processor) TakeSnapshot(ctx context.Context) (*SnapshotState, error) {
	var snap *SnapshotState
	err := p.Query(ctx, func(*Engine) error {
		snap = p.Snapshot()
		return nil
	})
	return snap, err
}

// Restore loads a snapshot into the engine and warms the dedup cache.
func (p *Processor) Restore(snap *SnapshotState) error {
	if err := p.engine.RestoreFromSnapshot(snap); err != nil {
		return err
	}
	p.prices.Restore(snap.PriceSequence)
	p.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}

// Replay re-applies a logged event and records its idempotency key.
func (p *Processor) Replay(env *event.EventEnvelope) error {
	if err := p.engine.ReplayEnvelope(env); err != nil {
		return err
	}
	if env.SourceSequence > 0 {
		p.prices.Commit(env.SourceSequence)
	}
	p.idempotency.lru.Add(compositeKey(env.EventType.String(), env.IdempotencyKey))
	if p.metrics != nil {
		p.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

// Engine returns the owned engine. Only touch it from the owning goroutine.
func (p *Processor) Engine() *Engine {
	return p.engine
}
