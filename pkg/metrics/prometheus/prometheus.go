package prometheus

import (
	"strconv"
	"time"

	"transfer-engine/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements MetricsCollector for Prometheus.
type PrometheusCollector struct {
	namespace string

	// Orchestrator
	transfers       *prometheus.CounterVec
	transferLatency *prometheus.HistogramVec

	// Gateway
	gatewayCalls   *prometheus.CounterVec
	gatewayLatency *prometheus.HistogramVec
	retries        *prometheus.CounterVec

	// Circuit breaker
	circuitOpens    *prometheus.CounterVec
	circuitState    *prometheus.GaugeVec
	circuitRejected *prometheus.CounterVec

	// Ledger
	ledgerWrites *prometheus.CounterVec

	// Scheduler
	queueDepth   *prometheus.GaugeVec
	batchItems   *prometheus.CounterVec
	batchRuns    prometheus.Counter
	batchLatency prometheus.Histogram
}

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	pc := &PrometheusCollector{
		namespace: namespace,
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_total",
				Help:      "Total number of transfer attempts per gateway, purpose and outcome",
			},
			[]string{"gateway", "purpose", "outcome"},
		),
		transferLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_duration_seconds",
				Help:      "Transfer attempt latency including ledger writes",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"gateway", "purpose"},
		),
		gatewayCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_calls_total",
				Help:      "Total number of gateway calls per operation and result class",
			},
			[]string{"gateway", "operation", "class"},
		),
		gatewayLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_call_duration_seconds",
				Help:      "Gateway call latency",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"gateway", "operation"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_retries_total",
				Help:      "Total number of read-path retries per gateway and operation",
			},
			[]string{"gateway", "operation"},
		),
		circuitOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_opens_total",
				Help:      "Total number of circuit breaker opens per gateway",
			},
			[]string{"gateway"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state per gateway (0=closed, 1=open, 2=half-open)",
			},
			[]string{"gateway"},
		),
		circuitRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_rejected_total",
				Help:      "Total number of calls refused by an open circuit",
			},
			[]string{"gateway"},
		),
		ledgerWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_writes_total",
				Help:      "Total number of ledger appends per state and status",
			},
			[]string{"state", "status"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current worker pool queue depth",
			},
			[]string{"pool"},
		),
		batchItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_items_total",
				Help:      "Total number of scheduler batch items per outcome group",
			},
			[]string{"result"},
		),
		batchRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_runs_total",
				Help:      "Total number of scheduler batch runs",
			},
		),
		batchLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_run_duration_seconds",
				Help:      "Scheduler batch run latency",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
	}

	return pc
}

// Register registers all metrics with the given Prometheus registry.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pc.transfers,
		pc.transferLatency,
		pc.gatewayCalls,
		pc.gatewayLatency,
		pc.retries,
		pc.circuitOpens,
		pc.circuitState,
		pc.circuitRejected,
		pc.ledgerWrites,
		pc.queueDepth,
		pc.batchItems,
		pc.batchRuns,
		pc.batchLatency,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

// RecordTransfer records one orchestrator attempt.
func (pc *PrometheusCollector) RecordTransfer(gateway, purpose, outcome string, duration time.Duration) {
	pc.transfers.WithLabelValues(gateway, purpose, outcome).Inc()
	pc.transferLatency.WithLabelValues(gateway, purpose).Observe(duration.Seconds())
}

// RecordGatewayCall records one gateway call.
func (pc *PrometheusCollector) RecordGatewayCall(gateway, operation, class string, duration time.Duration) {
	pc.gatewayCalls.WithLabelValues(gateway, operation, class).Inc()
	pc.gatewayLatency.WithLabelValues(gateway, operation).Observe(duration.Seconds())
}

// RecordCircuitState records a circuit breaker state change.
func (pc *PrometheusCollector) RecordCircuitState(gateway string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(gateway).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(gateway).Inc()
	}
}

// RecordCircuitRejected records a call refused without touching the network.
func (pc *PrometheusCollector) RecordCircuitRejected(gateway string) {
	pc.circuitRejected.WithLabelValues(gateway).Inc()
}

// RecordRetry records a read-path retry. attempt is the 1-based attempt that failed.
func (pc *PrometheusCollector) RecordRetry(gateway, operation string, attempt int) {
	pc.retries.WithLabelValues(gateway, operation).Inc()
}

// RecordLedgerWrite records a ledger append.
func (pc *PrometheusCollector) RecordLedgerWrite(state string, success bool) {
	pc.ledgerWrites.WithLabelValues(state, strconv.FormatBool(success)).Inc()
}

// RecordQueueDepth records the current worker pool queue depth.
func (pc *PrometheusCollector) RecordQueueDepth(pool string, depth int) {
	pc.queueDepth.WithLabelValues(pool).Set(float64(depth))
}

// RecordBatchRun records a finished scheduler run.
func (pc *PrometheusCollector) RecordBatchRun(counts metrics.BatchCounts, duration time.Duration) {
	pc.batchRuns.Inc()
	pc.batchLatency.Observe(duration.Seconds())
	pc.batchItems.WithLabelValues("succeeded").Add(float64(counts.Succeeded))
	pc.batchItems.WithLabelValues("already_completed").Add(float64(counts.AlreadyCompleted))
	pc.batchItems.WithLabelValues("failed").Add(float64(counts.Failed))
	pc.batchItems.WithLabelValues("unknown").Add(float64(counts.Unknown))
	pc.batchItems.WithLabelValues("skipped").Add(float64(counts.Skipped))
}
