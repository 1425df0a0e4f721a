package memory

import (
	"sync"
	"time"

	"transfer-engine/pkg/metrics"
)

// MemoryCollector implements MetricsCollector for in-memory testing.
type MemoryCollector struct {
	mu sync.RWMutex

	// Per-gateway metrics
	gateways map[string]*GatewayMetrics

	// Ledger appends by "STATE" and "STATE:error"
	ledgerWrites map[string]int64

	// Scheduler
	queueDepth map[string]int
	batchRuns  []metrics.BatchCounts
}

// GatewayMetrics holds metrics for a single gateway.
type GatewayMetrics struct {
	// Transfers by outcome
	Transfers map[string]int64

	// Calls by "operation:class"
	Calls map[string]int64

	// Retries by operation
	Retries map[string]int64

	// Circuit breaker
	CircuitState    metrics.CircuitState
	CircuitOpens    int64
	CircuitRejected int64
	CircuitHistory  []metrics.CircuitState

	TransferLatencies []time.Duration
}

// NewMemoryCollector creates a new in-memory metrics collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		gateways:     make(map[string]*GatewayMetrics),
		ledgerWrites: make(map[string]int64),
		queueDepth:   make(map[string]int),
	}
}

// gateway returns the metrics for the given gateway, creating them if needed.
// Callers must hold mc.mu.
func (mc *MemoryCollector) gateway(name string) *GatewayMetrics {
	gm, ok := mc.gateways[name]
	if !ok {
		gm = &GatewayMetrics{
			Transfers: make(map[string]int64),
			Calls:     make(map[string]int64),
			Retries:   make(map[string]int64),
		}
		mc.gateways[name] = gm
	}
	return gm
}

// RecordTransfer records one orchestrator attempt.
func (mc *MemoryCollector) RecordTransfer(gateway, purpose, outcome string, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	gm := mc.gateway(gateway)
	gm.Transfers[outcome]++
	gm.TransferLatencies = append(gm.TransferLatencies, duration)
}

// RecordGatewayCall records one gateway call.
func (mc *MemoryCollector) RecordGatewayCall(gateway, operation, class string, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.gateway(gateway).Calls[operation+":"+class]++
}

// RecordCircuitState records the current circuit breaker state.
func (mc *MemoryCollector) RecordCircuitState(gateway string, state metrics.CircuitState) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	gm := mc.gateway(gateway)
	if gm.CircuitState != metrics.CircuitOpen && state == metrics.CircuitOpen {
		gm.CircuitOpens++
	}
	gm.CircuitState = state
	gm.CircuitHistory = append(gm.CircuitHistory, state)
}

// RecordCircuitRejected records a call refused by an open circuit.
func (mc *MemoryCollector) RecordCircuitRejected(gateway string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.gateway(gateway).CircuitRejected++
}

// RecordRetry records a read-path retry.
func (mc *MemoryCollector) RecordRetry(gateway, operation string, attempt int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.gateway(gateway).Retries[operation]++
}

// RecordLedgerWrite records a ledger append.
func (mc *MemoryCollector) RecordLedgerWrite(state string, success bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if success {
		mc.ledgerWrites[state]++
	} else {
		mc.ledgerWrites[state+":error"]++
	}
}

// RecordQueueDepth records the current worker pool queue depth.
func (mc *MemoryCollector) RecordQueueDepth(pool string, depth int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.queueDepth[pool] = depth
}

// RecordBatchRun records a finished scheduler run.
func (mc *MemoryCollector) RecordBatchRun(counts metrics.BatchCounts, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.batchRuns = append(mc.batchRuns, counts)
}

// Snapshot is a copy of the collected metrics.
type Snapshot struct {
	Gateways     map[string]GatewayMetrics
	LedgerWrites map[string]int64
	QueueDepth   map[string]int
	BatchRuns    []metrics.BatchCounts
}

// Snapshot returns a copy of the current metrics state.
func (mc *MemoryCollector) Snapshot() Snapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	snapshot := Snapshot{
		Gateways:     make(map[string]GatewayMetrics, len(mc.gateways)),
		LedgerWrites: make(map[string]int64, len(mc.ledgerWrites)),
		QueueDepth:   make(map[string]int, len(mc.queueDepth)),
		BatchRuns:    append([]metrics.BatchCounts(nil), mc.batchRuns...),
	}

	for name, gm := range mc.gateways {
		snapshot.Gateways[name] = gm.clone()
	}
	for k, v := range mc.ledgerWrites {
		snapshot.LedgerWrites[k] = v
	}
	for k, v := range mc.queueDepth {
		snapshot.QueueDepth[k] = v
	}

	return snapshot
}

// Reset clears all collected metrics.
func (mc *MemoryCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.gateways = make(map[string]*GatewayMetrics)
	mc.ledgerWrites = make(map[string]int64)
	mc.queueDepth = make(map[string]int)
	mc.batchRuns = nil
}

// GetGatewayMetrics returns a copy of the metrics for a specific gateway.
func (mc *MemoryCollector) GetGatewayMetrics(gateway string) *GatewayMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if gm, exists := mc.gateways[gateway]; exists {
		c := gm.clone()
		return &c
	}
	return nil
}

func (gm *GatewayMetrics) clone() GatewayMetrics {
	c := *gm
	c.Transfers = copyCounts(gm.Transfers)
	c.Calls = copyCounts(gm.Calls)
	c.Retries = copyCounts(gm.Retries)
	c.CircuitHistory = append([]metrics.CircuitState(nil), gm.CircuitHistory...)
	c.TransferLatencies = append([]time.Duration(nil), gm.TransferLatencies...)
	return c
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
