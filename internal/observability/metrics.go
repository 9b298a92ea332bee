package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for LendLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreOpsApplied      *prometheus.CounterVec
	CoreOpsRejected     *prometheus.CounterVec
	CoreOpDuration      *prometheus.HistogramVec
	CoreJournals        *prometheus.CounterVec
	CoreSequence        prometheus.Gauge
	CoreRollbacks       *prometheus.CounterVec
	ReentrancyRejected  *prometheus.CounterVec
	TransferLegs        *prometheus.CounterVec
	TransferLegsUnwound *prometheus.CounterVec

	// --- Pool ---
	PoolTotalDeposits prometheus.Gauge
	PoolTotalBorrows  prometheus.Gauge
	PoolLiquidity     prometheus.Gauge
	PoolPrice         prometheus.Gauge

	// --- Liquidation ---
	LiquidationsTotal    prometheus.Counter
	LiquidationShortfall prometheus.Counter

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	PriceSequenceGap      prometheus.Counter
	PriceSequenceStale    prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- API ---
	APIRequests    *prometheus.CounterVec
	APIDuration    *prometheus.HistogramVec
	APIRateLimited prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreOpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_core_ops_applied_total",
			Help: "Operations committed by the engine",
		}, []string{"op"}),

		CoreOpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_core_ops_rejected_total",
			Help: "Operations rejected (validation, reentrancy, transfer)",
		}, []string{"op", "reason"}),

		CoreOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_core_op_duration_seconds",
			Help:    "Time to execute a single operation including transfers",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		CoreJournals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_core_journals_generated_total",
			Help: "Journal entries applied",
		}, []string{"journal_type"}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_core_sequence",
			Help: "Last committed global sequence number",
		}),

		CoreRollbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_core_rollbacks_total",
			Help: "Operations rolled back after mutation",
		}, []string{"op"}),

		ReentrancyRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_core_reentrancy_rejected_total",
			Help: "Nested calls rejected by the reentrancy gate",
		}, []string{"op"}),

		TransferLegs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_transfer_legs_total",
			Help: "Value transfer legs executed",
		}, []string{"direction"}),

		TransferLegsUnwound: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_transfer_legs_unwound_total",
			Help: "Value transfer legs reversed during rollback",
		}, []string{"direction"}),

		// Pool
		PoolTotalDeposits: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_pool_total_deposits",
			Help: "Sum of all deposits (base units)",
		}),

		PoolTotalBorrows: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_pool_total_borrows",
			Help: "Sum of all borrows (base units)",
		}),

		PoolLiquidity: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_pool_liquidity",
			Help: "Value held by the pool (base units)",
		}),

		PoolPrice: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_pool_price",
			Help: "Oracle price (fixed point, 1e8 scale)",
		}),

		// Liquidation
		LiquidationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_liquidations_total",
			Help: "Liquidations committed",
		}),

		LiquidationShortfall: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_liquidation_shortfall_total",
			Help: "Debt plus bonus withheld by the collateral cap (base units)",
		}),

		// Latency
		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_ingest_to_apply_seconds",
			Help:    "Command receive to engine commit",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}, []string{"source"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"op", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		PriceSequenceGap: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_price_sequence_gap_total",
			Help: "Price feed sequence gaps (tolerated)",
		}),

		PriceSequenceStale: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_price_sequence_stale_total",
			Help: "Stale price updates ignored",
		}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// API
		APIRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		APIDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_api_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"route"}),

		APIRateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_api_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
