package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"transfer-engine/pkg/metrics"
	"transfer-engine/pkg/metrics/memory"
	promcollector "transfer-engine/pkg/metrics/prometheus"
)

var (
	_ metrics.MetricsCollector = metrics.NoOpCollector{}
	_ metrics.MetricsCollector = (*memory.MemoryCollector)(nil)
	_ metrics.MetricsCollector = (*promcollector.PrometheusCollector)(nil)
)

func TestCircuitState_String(t *testing.T) {
	tests := map[metrics.CircuitState]string{
		metrics.CircuitClosed:    "CLOSED",
		metrics.CircuitOpen:      "OPEN",
		metrics.CircuitHalfOpen:  "HALF_OPEN",
		metrics.CircuitState(42): "UNKNOWN",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("CircuitState(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestMemoryCollector_CountsOpens(t *testing.T) {
	mc := memory.NewMemoryCollector()

	mc.RecordCircuitState("bank", metrics.CircuitOpen)
	mc.RecordCircuitState("bank", metrics.CircuitHalfOpen)
	mc.RecordCircuitState("bank", metrics.CircuitOpen)
	mc.RecordCircuitState("bank", metrics.CircuitHalfOpen)
	mc.RecordCircuitState("bank", metrics.CircuitClosed)
	mc.RecordTransfer("bank", "OTHER", "succeeded", time.Millisecond)
	mc.RecordLedgerWrite("SUCCESS", true)
	mc.RecordLedgerWrite("SUCCESS", false)

	gm := mc.GetGatewayMetrics("bank")
	if gm == nil {
		t.Fatal("expected metrics for gateway bank")
	}
	if gm.CircuitOpens != 2 {
		t.Errorf("CircuitOpens = %d, want 2", gm.CircuitOpens)
	}
	if gm.CircuitState != metrics.CircuitClosed {
		t.Errorf("CircuitState = %v, want CLOSED", gm.CircuitState)
	}
	if gm.Transfers["succeeded"] != 1 {
		t.Errorf("Transfers[succeeded] = %d, want 1", gm.Transfers["succeeded"])
	}

	snap := mc.Snapshot()
	if snap.LedgerWrites["SUCCESS"] != 1 || snap.LedgerWrites["SUCCESS:error"] != 1 {
		t.Errorf("unexpected ledger writes: %v", snap.LedgerWrites)
	}

	mc.Reset()
	if mc.GetGatewayMetrics("bank") != nil {
		t.Error("expected no metrics after Reset")
	}
}

func TestPrometheusCollector_Register(t *testing.T) {
	pc := promcollector.NewPrometheusCollector("transfer_engine")
	reg := prometheus.NewRegistry()
	if err := pc.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	pc.RecordTransfer("bank", "RECURRING_RENT", "succeeded", 10*time.Millisecond)
	pc.RecordCircuitState("bank", metrics.CircuitOpen)
	pc.RecordBatchRun(metrics.BatchCounts{Total: 5, Succeeded: 4, Failed: 1}, time.Second)

	if n := testutil.CollectAndCount(reg, "transfer_engine_transfers_total"); n != 1 {
		t.Errorf("transfers_total series = %d, want 1", n)
	}
	if err := pc.Register(prometheus.NewRegistry()); err != nil {
		t.Errorf("registering on a fresh registry: %v", err)
	}
}
