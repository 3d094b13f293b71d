package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ward daemon.
// Components accept a nil *Metrics and skip recording in that case.
type Metrics struct {
	// --- Detection ---
	DefaultsDetected     *prometheus.CounterVec
	DefaultsInconsistent prometheus.Counter
	EventsDeduplicated   *prometheus.CounterVec
	FeedReconnects       *prometheus.CounterVec
	ReconciledTxs        prometheus.Counter
	LastProcessedSeq     prometheus.Gauge

	// --- Ledger queries ---
	LedgerQueryDuration *prometheus.HistogramVec
	LedgerQueryErrors   *prometheus.CounterVec

	// --- Claims ---
	ClaimsEvaluated *prometheus.CounterVec
	ClaimPayouts    prometheus.Histogram
	ManualReviews   prometheus.Counter

	// --- Pools ---
	PoolCoverageRatio *prometheus.GaugeVec
	PoolAvailable     *prometheus.GaugeVec
	PoolExposure      *prometheus.GaugeVec
	PoolMutations     *prometheus.CounterVec

	// --- Settlement ---
	SettlementTransitions *prometheus.CounterVec
	FinalizeRetries       prometheus.Counter
	EscrowsOpen           prometheus.Gauge

	// --- Pricing ---
	QuotesIssued   *prometheus.CounterVec
	QuoteCacheHits *prometheus.CounterVec

	// --- Pipeline & fan-out ---
	PipelineDuration prometheus.Histogram
	DefaultsResumed  prometheus.Counter
	ChannelSize      *prometheus.GaugeVec
	ChannelCapacity  *prometheus.GaugeVec
	PublishDrops     prometheus.Counter

	// --- Audit persistence ---
	AuditBatchDur      prometheus.Histogram
	AuditBatchSize     prometheus.Histogram
	AuditEventsWritten prometheus.Counter
	AuditErrors        *prometheus.CounterVec

	// --- HTTP surface ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	queryBuckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	return &Metrics{
		DefaultsDetected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ward_defaults_detected_total",
			Help: "Loan defaults detected on the ledger",
		}, []string{"source"}),

		DefaultsInconsistent: f.NewCounter(prometheus.CounterOpts{
			Name: "ward_defaults_inconsistent_total",
			Help: "Defaults whose computed vault loss disagreed with the observed vault delta",
		}),

		EventsDeduplicated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ward_events_deduplicated_total",
			Help: "Ledger transactions dropped as already processed",
		}, []string{"tier"}),

		FeedReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ward_feed_reconnects_total",
			Help: "Feed resubscriptions after a transport failure",
		}, []string{"feed"}),

		ReconciledTxs: f.NewCounter(prometheus.CounterOpts{
			Name: "ward_reconciled_transactions_total",
			Help: "Transactions replayed from history after a resubscription",
		}),

		LastProcessedSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "ward_monitor_last_processed_sequence",
			Help: "Highest ledger sequence handled by the monitor",
		}),

		LedgerQueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ward_ledger_query_duration_seconds",
			Help:    "Ledger RPC latency",
			Buckets: queryBuckets,
		}, []string{"method"}),

		LedgerQueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ward_ledger_query_errors_total",
			Help: "Ledger RPC failures",
		}, []string{"method", "kind"}),

		ClaimsEvaluated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ward_claims_evaluated_total",
			Help: "Claim validation outcomes",
		}, []string{"outcome", "reason"}),

		ClaimPayouts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ward_claim_payout_drops",
			Help:    "Approved claim payouts in minor units",
			Buckets: prometheus.ExponentialBuckets(1_000, 10, 9),
		}),

		ManualReviews: f.NewCounter(prometheus.CounterOpts{
			Name: "ward_manual_reviews_total",
			Help: "Defaults escalated for manual review",
		}),

		PoolCoverageRatio: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ward_pool_coverage_ratio",
			Help: "Available capital divided by total exposure",
		}, []string{"pool_id"}),

		PoolAvailable: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ward_pool_available_capital",
			Help: "Pool capital not reserved for pending payouts",
		}, []string{"pool_id"}),

		PoolExposure: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ward_pool_total_exposure",
			Help: "Sum of coverage of active policies backed by the pool",
		}, []string{"pool_id"}),

		PoolMutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ward_pool_mutations_total",
			Help: "Pool ledger mutations by operation and result",
		}, []string{"op", "result"}),

		SettlementTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ward_settlement_transitions_total",
			Help: "Settlement state machine transitions",
		}, []string{"to"}),

		FinalizeRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "ward_settlement_finalize_retries_total",
			Help: "Escrow finalize submissions that failed and were rescheduled",
		}),

		EscrowsOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "ward_escrows_open",
			Help: "Claims currently tracked by the settlement engine",
		}),

		QuotesIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ward_quotes_issued_total",
			Help: "Premium quotes by risk tier",
		}, []string{"tier"}),

		QuoteCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ward_quote_cache_total",
			Help: "Quote cache lookups by result",
		}, []string{"result"}),

		PipelineDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ward_pipeline_event_duration_seconds",
			Help:    "Time from default event receipt to settlement hand-off",
			Buckets: queryBuckets,
		}),

		DefaultsResumed: f.NewCounter(prometheus.CounterOpts{
			Name: "ward_defaults_resumed_total",
			Help: "Recorded defaults evaluated by the sweep after an incomplete pass",
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ward_channel_size",
			Help: "Current buffered items",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ward_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "ward_publish_drops_total",
			Help: "Lifecycle events dropped because the publish channel was full",
		}),

		AuditBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ward_audit_batch_duration_seconds",
			Help:    "Audit log batch write latency",
			Buckets: queryBuckets,
		}),

		AuditBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ward_audit_batch_size",
			Help:    "Lifecycle events per audit batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		}),

		AuditEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "ward_audit_events_written_total",
			Help: "Lifecycle events persisted to the audit log",
		}),

		AuditErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ward_audit_errors_total",
			Help: "Audit log write failures by stage",
		}, []string{"stage"}),

		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ward_api_requests_total",
			Help: "HTTP call-in requests",
		}, []string{"route", "code"}),

		APIDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ward_api_duration_seconds",
			Help:    "HTTP call-in latency",
			Buckets: queryBuckets,
		}, []string{"route"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}

// ObservePool records the headline figures of a pool after a mutation.
func (m *Metrics) ObservePool(poolID string, available, exposure int64) {
	m.PoolAvailable.WithLabelValues(poolID).Set(float64(available))
	m.PoolExposure.WithLabelValues(poolID).Set(float64(exposure))
	if exposure > 0 {
		m.PoolCoverageRatio.WithLabelValues(poolID).Set(float64(available) / float64(exposure))
	} else {
		m.PoolCoverageRatio.DeleteLabelValues(poolID)
	}
}
