package projection

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	"LendLedger/internal/observability"

	"github.com/rs/zerolog"
)

const workerID = "main"

// ProjectionWorker updates projection tables from committed operations.
// The engine sends to it without blocking and drops on a full channel; a
// projection that fell behind is rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run applies outputs until ctx is cancelled or the input closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := out.Envelope.Sequence
			if pw.lastSeq > 0 && seq != pw.lastSeq+1 {
				pw.logger.Warn().Int64("expected", pw.lastSeq+1).Int64("got", seq).Msg("projection skipped outputs, rebuild recommended")
			}

			start := time.Now()
			if err := pw.apply(ctx, out); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
				continue
			}
			pw.lastSeq = seq
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(out.Envelope.EventType.String()).Observe(time.Since(start).Seconds())
			}
		}
	}
}

func (pw *ProjectionWorker) apply(ctx context.Context, out core.CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := out.Envelope.Sequence
	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			if err := applyJournal(ctx, tx, j, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	if err := applyEvent(ctx, tx, out.Event, seq, out.Envelope.Timestamp); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func applyJournal(ctx context.Context, tx *sql.Tx, j ledger.Journal, seq int64) error {
	amount := strconv.FormatUint(j.Amount, 10)
	delta := amount
	if j.Direction == ledger.DirectionDecrease {
		delta = "-" + amount
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, $2::numeric, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $2::numeric, last_sequence = $3
	`, j.Account.AccountPath(), delta, seq)
	return err
}

func applyEvent(ctx context.Context, tx *sql.Tx, evt event.Event, seq int64, ts time.Time) error {
	var err error
	switch ev := evt.(type) {
	case *event.PriceUpdated:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO projections.pool (id, price, last_sequence) VALUES (1, $1::numeric, $2)
			ON CONFLICT (id) DO UPDATE SET price = $1::numeric, last_sequence = $2
		`, strconv.FormatUint(ev.Price, 10), seq)
	case *event.OwnershipTransferred:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO projections.pool (id, owner, last_sequence) VALUES (1, $1, $2)
			ON CONFLICT (id) DO UPDATE SET owner = $1, last_sequence = $2
		`, ev.Owner, seq)
	case *event.OracleChanged:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO projections.pool (id, oracle, last_sequence) VALUES (1, $1, $2)
			ON CONFLICT (id) DO UPDATE SET oracle = $1, last_sequence = $2
		`, ev.Oracle, seq)
	case *event.EmergencyWithdraw:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO projections.pool (id, swept_total, last_sequence) VALUES (1, $1::numeric, $2)
			ON CONFLICT (id) DO UPDATE SET swept_total = projections.pool.swept_total + $1::numeric, last_sequence = $2
		`, strconv.FormatUint(ev.Amount, 10), seq)
	case *event.Liquidate:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO projections.liquidations
				(sequence, liquidator, target, debt, reward, refund, shortfall, timestamp)
			VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8)
			ON CONFLICT (sequence) DO NOTHING
		`, seq, ev.Liquidator, ev.Target,
			strconv.FormatUint(ev.Debt, 10), strconv.FormatUint(ev.Reward, 10),
			strconv.FormatUint(ev.Refund, 10), strconv.FormatUint(ev.Shortfall, 10), ts)
	}
	if err != nil {
		return fmt.Errorf("%s projection: %w", evt.EventType(), err)
	}
	return nil
}

// RebuildProjections rebuilds every projection table from the event log.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	statements := []struct {
		name  string
		query string
	}{
		{"truncate", `TRUNCATE projections.balances, projections.pool, projections.liquidations`},
		{"watermark", `DELETE FROM projections.watermark WHERE worker_id = 'main'`},
		{"balances", `
			INSERT INTO projections.balances (account_path, balance, last_sequence)
			SELECT account_path,
			       SUM(CASE WHEN direction = 'increase' THEN amount ELSE -amount END),
			       MAX(sequence)
			FROM ledger.journal
			GROUP BY account_path`},
		{"liquidations", `
			INSERT INTO projections.liquidations
				(sequence, liquidator, target, debt, reward, refund, shortfall, timestamp)
			SELECT sequence,
			       (payload->>'liquidator')::uuid, (payload->>'target')::uuid,
			       (payload->>'debt')::numeric, (payload->>'reward')::numeric,
			       (payload->>'refund')::numeric, (payload->>'shortfall')::numeric,
			       timestamp
			FROM ledger.events
			WHERE event_type = 'Liquidate'`},
		{"pool", `
			INSERT INTO projections.pool (id, owner, oracle, price, swept_total, last_sequence)
			SELECT 1,
			       (SELECT (payload->>'owner')::uuid FROM ledger.events
			         WHERE event_type = 'OwnershipTransferred' ORDER BY sequence DESC LIMIT 1),
			       (SELECT (payload->>'oracle')::uuid FROM ledger.events
			         WHERE event_type = 'OracleChanged' ORDER BY sequence DESC LIMIT 1),
			       (SELECT (payload->>'price')::numeric FROM ledger.events
			         WHERE event_type = 'PriceUpdated' ORDER BY sequence DESC LIMIT 1),
			       COALESCE((SELECT SUM((payload->>'amount')::numeric) FROM ledger.events
			         WHERE event_type = 'EmergencyWithdraw'), 0),
			       COALESCE(MAX(sequence), 0)
			FROM ledger.events`},
		{"watermark", `
			INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
			SELECT 'main', COALESCE(MAX(sequence), 0), NOW() FROM ledger.events`},
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt.query); err != nil {
			return fmt.Errorf("rebuild %s: %w", stmt.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info().Msg("projection rebuild complete")
	return nil
}
