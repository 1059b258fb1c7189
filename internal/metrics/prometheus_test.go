package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// gather returns the value of the series of family name whose labels match.
func gather(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	series:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue series
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue(), true
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue(), true
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount()), true
			}
		}
	}
	return 0, false
}

func TestRecordTransactions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.RecordTxSent("storage-set")
	m.RecordTxSent("storage-set")
	m.RecordTxFailed("storage-set")
	m.RecordBatch(false)

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"chainhammer_transactions_total", map[string]string{"status": "sent", "tx_type": "storage-set"}, 2},
		{"chainhammer_transactions_total", map[string]string{"status": "failed", "tx_type": "storage-set"}, 1},
		{"chainhammer_batches_total", map[string]string{"result": "failed"}, 1},
	}
	for _, tt := range tests {
		got, ok := gather(t, reg, tt.name, tt.labels)
		if !ok || got != tt.want {
			t.Errorf("%s%v = %v (found %v), want %v", tt.name, tt.labels, got, ok, tt.want)
		}
	}
}

func TestRecordRPCLatencyBucketsUnknownMethods(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.RecordRPCLatency("eth_blockNumber", true, 0.002)
	m.RecordRPCLatency("debug_traceBlock", false, 0.5)
	m.RecordRPCLatency("debug_traceCall", false, 0.5)

	if got, _ := gather(t, reg, "chainhammer_rpc_latency_seconds", map[string]string{"method": "eth_blockNumber", "status": "success"}); got != 1 {
		t.Errorf("eth_blockNumber observations = %v, want 1", got)
	}
	if got, _ := gather(t, reg, "chainhammer_rpc_latency_seconds", map[string]string{"method": "other", "status": "error"}); got != 2 {
		t.Errorf("other observations = %v, want 2", got)
	}
}

func TestSetRunStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.SetRunStatus("sending")
	m.SetRunStatus("verifying")

	for status, want := range map[string]float64{"sending": 0, "verifying": 1, "idle": 0} {
		if got, _ := gather(t, reg, "chainhammer_run_status", map[string]string{"status": status}); got != want {
			t.Errorf("run_status{%s} = %v, want %v", status, got, want)
		}
	}
}

func TestObserveBlockAndReset(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.ObserveBlock(500, 120, 60, 45.5, 55)
	if got, _ := gather(t, reg, "chainhammer_peak_tps_average", nil); got != 55 {
		t.Errorf("peak = %v, want 55", got)
	}
	if got, _ := gather(t, reg, "chainhammer_block_number", nil); got != 500 {
		t.Errorf("block = %v, want 500", got)
	}

	m.RecordTxSent("eth-transfer")
	m.Reset()
	if got, _ := gather(t, reg, "chainhammer_average_tps", nil); got != 0 {
		t.Errorf("average after reset = %v, want 0", got)
	}
	if _, ok := gather(t, reg, "chainhammer_transactions_total", nil); ok {
		t.Error("transaction counters survived Reset")
	}
	if got, _ := gather(t, reg, "chainhammer_run_status", map[string]string{"status": "idle"}); got != 1 {
		t.Errorf("run_status{idle} after reset = %v, want 1", got)
	}
}
