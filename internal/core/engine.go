package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	"LendLedger/internal/observability"
	"LendLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Operation names, used for errors, metrics and logs.
const (
	OpDeposit           = "deposit"
	OpWithdraw          = "withdraw"
	OpBorrow            = "borrow"
	OpRepay             = "repay"
	OpLiquidate         = "liquidate"
	OpUpdatePrice       = "update_price"
	OpEmergencyWithdraw = "emergency_withdraw"
	OpTransferOwnership = "transfer_ownership"
	OpSetOracle         = "set_oracle"
)

// fullCheckInterval is how often (in sequences) pool totals are re-summed.
const fullCheckInterval = 1000

// Engine is the lending pool. One instance per process; every mutating
// operation runs under the reentrancy gate and commits or rolls back as a whole.
// Not thread-safe: owned by the Processor goroutine.
type Engine struct {
	sequence       int64 // last committed
	owner          uuid.UUID
	gate           ReentrancyGate
	hasher         *StateHasher
	balanceTracker *ledger.BalanceTracker
	journalGen     *ledger.JournalGenerator
	validator      *ledger.InvariantValidator
	oracle         *state.PriceOracle
	policy         *state.CollateralizationPolicy
	liquidations   *state.LiquidationEngine
	port           Port
	clock          func() time.Time
	metrics        *observability.Metrics
	logger         zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// Config wires an Engine. Owner, Oracle and Port are required.
type Config struct {
	Owner  uuid.UUID
	Oracle uuid.UUID
	Params state.RiskParams
	Port   Port

	// Clock stamps events. The engine never reads wall-clock time itself.
	Clock func() time.Time

	PersistChan    chan<- CoreOutput // blocking send
	ProjectionChan chan<- CoreOutput // non-blocking send

	Metrics *observability.Metrics
	Logger  *zerolog.Logger
}

type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Event      event.Event
	Batch      *ledger.Batch // nil for operations without balance effects
	StateDelta []byte
}

// Receipt is returned by every committed operation.
type Receipt struct {
	Sequence  int64       `json:"sequence"`
	Event     event.Event `json:"event,omitempty"`
	EventType string      `json:"event_type,omitempty"`
	Transfers []Leg       `json:"transfers,omitempty"`
	StateHash [32]byte    `json:"-"`

	// Set by the Processor when the command was not executed.
	Duplicate bool `json:"duplicate,omitempty"`
	Stale     bool `json:"stale,omitempty"`
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Owner == uuid.Nil {
		return nil, fmt.Errorf("owner: %w", ledger.ErrInvalidIdentity)
	}
	if cfg.Oracle == uuid.Nil {
		return nil, fmt.Errorf("oracle: %w", ledger.ErrInvalidIdentity)
	}
	if cfg.Port == nil {
		return nil, errors.New("engine requires a value-transfer port")
	}
	if err := state.ValidateRiskParams(cfg.Params); err != nil {
		return nil, fmt.Errorf("invalid risk params: %w", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	balanceTracker := ledger.NewBalanceTracker()
	policy := state.NewCollateralizationPolicy(cfg.Params)

	return &Engine{
		owner:          cfg.Owner,
		hasher:         NewStateHasher(),
		balanceTracker: balanceTracker,
		journalGen:     ledger.NewJournalGenerator(balanceTracker),
		validator:      ledger.NewInvariantValidator(balanceTracker),
		oracle:         state.NewPriceOracle(cfg.Oracle),
		policy:         policy,
		liquidations:   state.NewLiquidationEngine(policy),
		port:           cfg.Port,
		clock:          clock,
		metrics:        cfg.Metrics,
		logger:         logger,
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
	}, nil
}

// execute runs fn under the gate. fn performs checks, then effects, then
// transfers through tx. On error everything fn did is undone and no event
// is emitted.
func (e *Engine) execute(
	ctx context.Context,
	op string,
	caller uuid.UUID,
	fn func(tx *txn) (event.Event, error),
) (*Receipt, error) {
	if err := e.gate.Enter(); err != nil {
		if e.metrics != nil {
			e.metrics.ReentrancyRejected.WithLabelValues(op).Inc()
		}
		e.logger.Warn().Str("op", op).Str("caller", caller.String()).Msg("reentrant call rejected")
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer e.gate.Exit()

	start := time.Now()

	if caller == uuid.Nil {
		return nil, e.reject(op, fmt.Errorf("caller: %w", ledger.ErrInvalidIdentity))
	}

	tx := e.begin(ctx, op)
	evt, err := fn(tx)
	if err != nil {
		if tx.mutated() {
			tx.rollback()
			if e.metrics != nil {
				e.metrics.CoreRollbacks.WithLabelValues(op).Inc()
			}
			e.logger.Info().Str("op", op).Err(err).Msg("operation rolled back")
		}
		return nil, e.reject(op, err)
	}

	receipt, err := e.commit(tx, evt)
	if err != nil {
		tx.rollback()
		return nil, e.reject(op, err)
	}

	if e.metrics != nil {
		e.metrics.CoreOpsApplied.WithLabelValues(op).Inc()
		e.metrics.CoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	return receipt, nil
}

func (e *Engine) reject(op string, err error) error {
	if e.metrics != nil {
		e.metrics.CoreOpsRejected.WithLabelValues(op, Reason(err)).Inc()
	}
	return fmt.Errorf("%s: %w", op, err)
}

// commit hashes, stamps and emits the operation. Nothing after the
// encode step can fail.
func (e *Engine) commit(tx *txn, evt event.Event) (*Receipt, error) {
	if err := e.postCheckInvariants(tx.batch, tx.ref.Sequence); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	payload, err := event.Encode(evt)
	if err != nil {
		return nil, err
	}

	seq := tx.ref.Sequence
	prevHash := e.hasher.GetPrevHash()
	digest := e.computeStateDigest(tx.batch)
	stateHash := e.hasher.ComputeHash(seq, digest)
	e.sequence = seq

	envelope := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Timestamp:      time.UnixMicro(tx.ref.Timestamp).UTC(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	e.emit(CoreOutput{
		Envelope:   envelope,
		Event:      evt,
		Batch:      tx.batch,
		StateDelta: digest,
	})

	if e.metrics != nil {
		e.metrics.CoreSequence.Set(float64(seq))
		e.metrics.PoolTotalDeposits.Set(float64(e.balanceTracker.TotalDeposits()))
		e.metrics.PoolTotalBorrows.Set(float64(e.balanceTracker.TotalBorrows()))
		e.metrics.PoolLiquidity.Set(float64(e.port.Liquidity()))
		e.metrics.PoolPrice.Set(float64(e.oracle.Price()))
		if tx.batch != nil {
			for _, j := range tx.batch.Journals {
				e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	e.logger.Debug().
		Int64("sequence", seq).
		Str("event_type", evt.EventType().String()).
		Str("idempotency_key", evt.IdempotencyKey()).
		Msg("committed")

	return &Receipt{
		Sequence:  seq,
		Event:     evt,
		EventType: evt.EventType().String(),
		Transfers: tx.legs,
		StateHash: stateHash,
	}, nil
}

// emit hands the output to persistence (blocking, backpressure) and to
// projections (non-blocking, projections rebuild from the log).
func (e *Engine) emit(output CoreOutput) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("all").Inc()
			}
		}
	}
}

// --- Account operations ---

// Deposit pulls amount from caller and credits it as collateral.
func (e *Engine) Deposit(ctx context.Context, caller uuid.UUID, amount uint64) (*Receipt, error) {
	return e.execute(ctx, OpDeposit, caller, func(tx *txn) (event.Event, error) {
		if amount == 0 {
			return nil, ledger.ErrInvalidAmount
		}
		batch, err := e.journalGen.GenerateDeposit(tx.ref, caller, amount)
		if err != nil {
			return nil, err
		}
		if err := tx.pull(caller, amount); err != nil {
			return nil, err
		}
		if err := tx.apply(batch); err != nil {
			return nil, err
		}
		return &event.Deposit{CommandID: tx.id, Identity: caller, Amount: amount}, nil
	})
}

// Withdraw returns collateral to its owner if the account stays healthy.
func (e *Engine) Withdraw(ctx context.Context, caller uuid.UUID, amount uint64) (*Receipt, error) {
	return e.execute(ctx, OpWithdraw, caller, func(tx *txn) (event.Event, error) {
		if amount == 0 {
			return nil, ledger.ErrInvalidAmount
		}
		batch, err := e.journalGen.GenerateWithdrawal(tx.ref, caller, amount)
		if err != nil {
			return nil, err
		}
		healthy, err := e.policy.IsHealthy(e.balanceTracker.GetAccount(caller), amount, e.oracle.Price())
		if err != nil {
			return nil, err
		}
		if !healthy {
			return nil, ledger.ErrUndercollateralizedResult
		}

		if err := tx.apply(batch); err != nil {
			return nil, err
		}
		if err := tx.push(caller, amount); err != nil {
			return nil, err
		}
		return &event.Withdraw{CommandID: tx.id, Identity: caller, Amount: amount}, nil
	})
}

// Borrow lends amount of pool liquidity against the caller's collateral.
func (e *Engine) Borrow(ctx context.Context, caller uuid.UUID, amount uint64) (*Receipt, error) {
	return e.execute(ctx, OpBorrow, caller, func(tx *txn) (event.Event, error) {
		if amount == 0 {
			return nil, ledger.ErrInvalidAmount
		}
		if liquidity := e.port.Liquidity(); liquidity < amount {
			return nil, fmt.Errorf("liquidity %d, requested %d: %w", liquidity, amount, ledger.ErrInsufficientLiquidity)
		}
		ok, err := e.policy.CanBorrow(e.balanceTracker.GetAccount(caller), amount, e.oracle.Price())
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ledger.ErrInsufficientCollateral
		}

		batch, err := e.journalGen.GenerateBorrow(tx.ref, caller, amount)
		if err != nil {
			return nil, err
		}
		if err := tx.apply(batch); err != nil {
			return nil, err
		}
		if err := tx.push(caller, amount); err != nil {
			return nil, err
		}
		return &event.Borrow{CommandID: tx.id, Identity: caller, Amount: amount}, nil
	})
}

// Repay pulls paid from caller, applies up to the outstanding debt and
// refunds the rest.
func (e *Engine) Repay(ctx context.Context, caller uuid.UUID, paid uint64) (*Receipt, error) {
	return e.execute(ctx, OpRepay, caller, func(tx *txn) (event.Event, error) {
		if paid == 0 {
			return nil, ledger.ErrInvalidAmount
		}
		acct := e.balanceTracker.GetAccount(caller)
		if acct.Borrows == 0 {
			return nil, ledger.ErrNoDebt
		}
		payment := min(paid, acct.Borrows)
		refund := paid - payment

		batch, err := e.journalGen.GenerateRepay(tx.ref, caller, payment)
		if err != nil {
			return nil, err
		}
		if err := tx.pull(caller, paid); err != nil {
			return nil, err
		}
		if err := tx.apply(batch); err != nil {
			return nil, err
		}
		if err := tx.push(caller, refund); err != nil {
			return nil, err
		}
		return &event.Repay{CommandID: tx.id, Identity: caller, Amount: payment, Refund: refund}, nil
	})
}

// Liquidate clears an unhealthy target's debt with the caller's funds and
// pays the caller debt plus bonus out of the target's collateral.
func (e *Engine) Liquidate(ctx context.Context, caller, target uuid.UUID, supplied uint64) (*Receipt, error) {
	return e.execute(ctx, OpLiquidate, caller, func(tx *txn) (event.Event, error) {
		if target == uuid.Nil {
			return nil, fmt.Errorf("target: %w", ledger.ErrInvalidIdentity)
		}
		plan, err := e.liquidations.Plan(e.balanceTracker.GetAccount(target), supplied, e.oracle.Price())
		if err != nil {
			return nil, err
		}
		batch, err := e.journalGen.GenerateLiquidation(tx.ref, target, plan.Debt, plan.Reward)
		if err != nil {
			return nil, err
		}

		if err := tx.pull(caller, supplied); err != nil {
			return nil, err
		}
		if liquidity := e.port.Liquidity(); liquidity < plan.Reward {
			return nil, fmt.Errorf("liquidity %d, reward %d: %w", liquidity, plan.Reward, ledger.ErrInsufficientLiquidity)
		}
		if err := tx.apply(batch); err != nil {
			return nil, err
		}
		if err := tx.push(caller, plan.Reward); err != nil {
			return nil, err
		}
		if err := tx.push(caller, plan.Refund); err != nil {
			return nil, err
		}

		if e.metrics != nil {
			e.metrics.LiquidationsTotal.Inc()
			e.metrics.LiquidationShortfall.Add(float64(plan.Shortfall))
		}
		if plan.Shortfall > 0 {
			e.logger.Warn().
				Str("target", target.String()).
				Uint64("debt", plan.Debt).
				Uint64("reward", plan.Reward).
				Uint64("shortfall", plan.Shortfall).
				Msg("liquidation reward capped by collateral")
		}

		return &event.Liquidate{
			CommandID:  tx.id,
			Liquidator: caller,
			Target:     target,
			Debt:       plan.Debt,
			Reward:     plan.Reward,
			Refund:     plan.Refund,
			Shortfall:  plan.Shortfall,
		}, nil
	})
}

// --- Oracle and administration ---

// UpdatePrice sets the collateral price. Oracle only.
func (e *Engine) UpdatePrice(ctx context.Context, caller uuid.UUID, price uint64) (*Receipt, error) {
	return e.execute(ctx, OpUpdatePrice, caller, func(tx *txn) (event.Event, error) {
		if err := e.oracle.Authorize(caller); err != nil {
			return nil, err
		}
		prev := e.oracle.Price()
		if err := e.oracle.SetPrice(price); err != nil {
			return nil, err
		}
		tx.onRollback(func() error { return e.oracle.SetPrice(prev) })

		return &event.PriceUpdated{
			CommandID:     tx.id,
			Oracle:        caller,
			Price:         price,
			PriceSequence: commandMetaFrom(tx.ctx).PriceSequence,
		}, nil
	})
}

// EmergencyWithdraw sweeps the pool's entire liquidity to the owner.
// Account balances are left untouched.
func (e *Engine) EmergencyWithdraw(ctx context.Context, caller uuid.UUID) (*Receipt, error) {
	return e.execute(ctx, OpEmergencyWithdraw, caller, func(tx *txn) (event.Event, error) {
		if err := e.authorizeOwner(caller); err != nil {
			return nil, err
		}
		amount := e.port.Liquidity()
		if err := tx.push(e.owner, amount); err != nil {
			return nil, err
		}
		e.logger.Warn().Str("owner", e.owner.String()).Uint64("amount", amount).Msg("emergency withdraw")
		return &event.EmergencyWithdraw{CommandID: tx.id, Owner: e.owner, Amount: amount}, nil
	})
}

func (e *Engine) TransferOwnership(ctx context.Context, caller, newOwner uuid.UUID) (*Receipt, error) {
	return e.execute(ctx, OpTransferOwnership, caller, func(tx *txn) (event.Event, error) {
		if err := e.authorizeOwner(caller); err != nil {
			return nil, err
		}
		if newOwner == uuid.Nil {
			return nil, fmt.Errorf("new owner: %w", ledger.ErrInvalidIdentity)
		}
		prev := e.owner
		e.owner = newOwner
		tx.onRollback(func() error { e.owner = prev; return nil })
		return &event.OwnershipTransferred{CommandID: tx.id, Previous: prev, Owner: newOwner}, nil
	})
}

func (e *Engine) SetOracle(ctx context.Context, caller, newOracle uuid.UUID) (*Receipt, error) {
	return e.execute(ctx, OpSetOracle, caller, func(tx *txn) (event.Event, error) {
		if err := e.authorizeOwner(caller); err != nil {
			return nil, err
		}
		prev := e.oracle.Identity()
		if err := e.oracle.SetIdentity(newOracle); err != nil {
			return nil, err
		}
		tx.onRollback(func() error { return e.oracle.SetIdentity(prev) })
		return &event.OracleChanged{CommandID: tx.id, Previous: prev, Oracle: newOracle}, nil
	})
}

func (e *Engine) authorizeOwner(caller uuid.UUID) error {
	if caller != e.owner {
		return fmt.Errorf("caller %s is not the owner: %w", caller, ledger.ErrUnauthorized)
	}
	return nil
}

// --- Invariants and hashing ---

// postCheckInvariants checks the accounts touched by batch every time and
// the pool totals periodically.
func (e *Engine) postCheckInvariants(batch *ledger.Batch, sequence int64) error {
	if batch != nil {
		seen := make(map[uuid.UUID]struct{})
		for _, j := range batch.Journals {
			if j.Account.Scope != ledger.AccountScopeUser {
				continue
			}
			if _, ok := seen[j.Account.EntityID]; ok {
				continue
			}
			seen[j.Account.EntityID] = struct{}{}
			acct := e.balanceTracker.GetAccount(j.Account.EntityID)
			if acct.Deposits != acct.Collateral {
				return fmt.Errorf("post-check: account %s deposits=%d collateral=%d",
					acct.Identity, acct.Deposits, acct.Collateral)
			}
		}
	}

	if sequence%fullCheckInterval == 0 {
		if err := e.validator.ValidateTotals(); err != nil {
			return fmt.Errorf("post-check totals at seq %d: %w", sequence, err)
		}
	}
	return nil
}

// CheckInvariants runs every ledger invariant over the whole book.
func (e *Engine) CheckInvariants() error {
	return e.validator.ValidateAll()
}

// computeStateDigest creates canonical bytes for the state hash: the pool
// header followed by every account field the batch touched.
func (e *Engine) computeStateDigest(batch *ledger.Batch) []byte {
	digest := make([]byte, 0, 128)

	owner := e.owner
	oracle := e.oracle.Identity()
	digest = append(digest, owner[:]...)
	digest = append(digest, oracle[:]...)
	digest = appendUint64LE(digest, e.oracle.Price())
	digest = appendUint64LE(digest, e.balanceTracker.TotalDeposits())
	digest = appendUint64LE(digest, e.balanceTracker.TotalBorrows())

	if batch == nil {
		return digest
	}

	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.Account] = true
	}
	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendUint64LE(digest, e.balanceTracker.GetBalance(key))
	}
	return digest
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// --- Views (no gate; safe to call from a transfer callback) ---

// PoolView is a point-in-time copy of the pool header.
type PoolView struct {
	Owner         uuid.UUID `json:"owner"`
	Oracle        uuid.UUID `json:"oracle"`
	Price         uint64    `json:"price,string"`
	TotalDeposits uint64    `json:"total_deposits,string"`
	TotalBorrows  uint64    `json:"total_borrows,string"`
	Liquidity     uint64    `json:"liquidity,string"`
	Locked        bool      `json:"locked"`
	Sequence      int64     `json:"sequence"`
}

func (e *Engine) Pool() PoolView {
	return PoolView{
		Owner:         e.owner,
		Oracle:        e.oracle.Identity(),
		Price:         e.oracle.Price(),
		TotalDeposits: e.balanceTracker.TotalDeposits(),
		TotalBorrows:  e.balanceTracker.TotalBorrows(),
		Liquidity:     e.port.Liquidity(),
		Locked:        e.gate.Locked(),
		Sequence:      e.sequence,
	}
}

func (e *Engine) Account(id uuid.UUID) ledger.Account {
	return e.balanceTracker.GetAccount(id)
}

func (e *Engine) Accounts() []ledger.Account {
	return e.balanceTracker.Accounts()
}

func (e *Engine) Params() state.RiskParams {
	return e.policy.Params()
}

func (e *Engine) CollateralValue(id uuid.UUID) (uint64, error) {
	return e.policy.CollateralValue(e.Account(id), e.oracle.Price())
}

func (e *Engine) BorrowValue(id uuid.UUID) (uint64, error) {
	return e.policy.BorrowValue(e.Account(id), e.oracle.Price())
}

func (e *Engine) IsHealthy(id uuid.UUID, withdrawal uint64) (bool, error) {
	return e.policy.IsHealthy(e.Account(id), withdrawal, e.oracle.Price())
}

func (e *Engine) HealthFactor(id uuid.UUID) (uint64, error) {
	return e.policy.HealthFactor(e.Account(id), e.oracle.Price())
}

// GetSequence returns the last committed sequence number.
func (e *Engine) GetSequence() int64 {
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	return e.hasher.GetPrevHash()
}
