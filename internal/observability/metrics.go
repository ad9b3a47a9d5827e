package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the liquidator.
// Every user of *Metrics treats a nil receiver as "metrics disabled".
type Metrics struct {
	// --- Engine ---
	LiquidationsTotal     *prometheus.CounterVec
	LiquidationRejections *prometheus.CounterVec
	LiquidationDuration   *prometheus.HistogramVec
	LiquidatorRewards     *prometheus.CounterVec
	CompensationFailures  prometheus.Counter

	// --- Insurance fund ---
	BadDebtTotal         prometheus.Counter
	InsuranceCovered     prometheus.Counter
	InsuranceUncovered   prometheus.Counter
	InsolvencyEvents     prometheus.Counter
	InsuranceFundBalance prometheus.Gauge

	// --- Oracle ---
	OracleRejections *prometheus.CounterVec

	// --- Publishing & ingestion ---
	EventsPublished  *prometheus.CounterVec
	PublishDrops     prometheus.Counter
	PublishQueueSize prometheus.Gauge
	RequestsConsumed *prometheus.CounterVec

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter

	// --- Persistence & locking ---
	PersistErrors  *prometheus.CounterVec
	LockFailures   *prometheus.CounterVec
	SettleDuration prometheus.Histogram

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.00005, 0.0001, 0.00025, 0.0005,
		0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	}

	return &Metrics{
		// Engine
		LiquidationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liq_liquidations_total",
			Help: "Liquidation calls by kind and outcome (noop, partial, settled, bad_debt, rejected)",
		}, []string{"kind", "outcome"}),

		LiquidationRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liq_liquidation_rejections_total",
			Help: "Liquidation calls that failed, by error code",
		}, []string{"kind", "code"}),

		LiquidationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "liq_liquidation_duration_seconds",
			Help:    "Time spent in one engine call",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		LiquidatorRewards: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liq_liquidator_rewards_total",
			Help: "Liquidator rewards paid, fixed-point units",
		}, []string{"kind"}),

		CompensationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "liq_compensation_failures_total",
			Help: "Compensating transfers that failed during rollback",
		}),

		// Insurance fund
		BadDebtTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "liq_bad_debt_total",
			Help: "Bad debt produced by full liquidations, fixed-point units",
		}),

		InsuranceCovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "liq_insurance_covered_total",
			Help: "Bad debt absorbed by the insurance fund, fixed-point units",
		}),

		InsuranceUncovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "liq_insurance_uncovered_total",
			Help: "Bad debt the insurance fund could not absorb, fixed-point units",
		}),

		InsolvencyEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "liq_insolvency_events_total",
			Help: "Protocol insolvency notifications emitted",
		}),

		InsuranceFundBalance: factory.NewGauge(prometheus.GaugeOpts{
			Name: "liq_insurance_fund_balance",
			Help: "Insurance fund balance after the last settlement, fixed-point units",
		}),

		// Oracle
		OracleRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liq_oracle_rejections_total",
			Help: "Price readings rejected by the oracle adapter",
		}, []string{"code"}),

		// Publishing & ingestion
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liq_events_published_total",
			Help: "Outbound events published",
		}, []string{"event_type"}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "liq_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PublishQueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "liq_publish_queue_size",
			Help: "Events waiting in the publish channel",
		}),

		RequestsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liq_requests_consumed_total",
			Help: "Liquidation requests consumed from NATS",
		}, []string{"kind", "result"}),

		// Idempotency
		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liq_idempotency_duplicates_total",
			Help: "Duplicate requests caught (lru/db)",
		}, []string{"tier"}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "liq_dedup_lru_size",
			Help: "Entries in the request dedup LRU",
		}),

		DedupLRUEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "liq_dedup_lru_evictions_total",
			Help: "Entries evicted from the request dedup LRU",
		}),

		// Persistence & locking
		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liq_persist_errors_total",
			Help: "Store errors by operation",
		}, []string{"operation"}),

		LockFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liq_lock_failures_total",
			Help: "Position lock acquisitions that failed",
		}, []string{"backend"}),

		SettleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "liq_settle_duration_seconds",
			Help:    "Lock, load, liquidate and commit for one request",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		// Query API
		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liq_query_requests_total",
			Help: "HTTP API requests by endpoint and status",
		}, []string{"endpoint", "status"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "liq_query_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
