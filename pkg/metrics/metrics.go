package metrics

import (
	"time"
)

// MetricsCollector defines the interface for collecting transfer engine metrics.
// Implementations can export metrics to various backends (Prometheus, in-memory for tests).
type MetricsCollector interface {
	// Orchestrator: one call per attempt, outcome is the per-attempt result
	// ("succeeded", "already_completed", "rejected", "unknown", ...).
	RecordTransfer(gateway, purpose, outcome string, duration time.Duration)

	// Gateway calls. class is "ok" or the reason code of the failure.
	RecordGatewayCall(gateway, operation, class string, duration time.Duration)

	// Circuit breaker
	RecordCircuitState(gateway string, state CircuitState)
	RecordCircuitRejected(gateway string)

	// Retry policy, read paths only
	RecordRetry(gateway, operation string, attempt int)

	// Ledger
	RecordLedgerWrite(state string, success bool)

	// Scheduler
	RecordQueueDepth(pool string, depth int)
	RecordBatchRun(counts BatchCounts, duration time.Duration)
}

// BatchCounts is the per-outcome tally of one scheduler run.
type BatchCounts struct {
	Total            int
	Succeeded        int
	AlreadyCompleted int
	Failed           int
	Unknown          int
	Skipped          int
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is admitting a single trial call.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// NoOpCollector is a no-op implementation of MetricsCollector.
// It's used as the default collector when metrics are not needed.
type NoOpCollector struct{}

// RecordTransfer does nothing.
func (NoOpCollector) RecordTransfer(gateway, purpose, outcome string, duration time.Duration) {}

// RecordGatewayCall does nothing.
func (NoOpCollector) RecordGatewayCall(gateway, operation, class string, duration time.Duration) {}

// RecordCircuitState does nothing.
func (NoOpCollector) RecordCircuitState(gateway string, state CircuitState) {}

// RecordCircuitRejected does nothing.
func (NoOpCollector) RecordCircuitRejected(gateway string) {}

// RecordRetry does nothing.
func (NoOpCollector) RecordRetry(gateway, operation string, attempt int) {}

// RecordLedgerWrite does nothing.
func (NoOpCollector) RecordLedgerWrite(state string, success bool) {}

// RecordQueueDepth does nothing.
func (NoOpCollector) RecordQueueDepth(pool string, depth int) {}

// RecordBatchRun does nothing.
func (NoOpCollector) RecordBatchRun(counts BatchCounts, duration time.Duration) {}

// OrNoOp returns c, or a NoOpCollector when c is nil.
func OrNoOp(c MetricsCollector) MetricsCollector {
	if c == nil {
		return NoOpCollector{}
	}
	return c
}
