// Package metrics exposes Prometheus metrics for chainhammer runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics holds all Prometheus metrics for chainhammer.
type PrometheusMetrics struct {
	// Transaction counters
	TxTotal      *prometheus.CounterVec
	BatchesTotal *prometheus.CounterVec

	// Gauges
	CurrentTPS     prometheus.Gauge
	AverageTPS     prometheus.Gauge
	PeakTPSAverage prometheus.Gauge
	BlockNumber    prometheus.Gauge
	InFlight       prometheus.Gauge
	RunStatus      *prometheus.GaugeVec

	// Histograms
	BlockTxs   prometheus.Histogram
	RPCLatency *prometheus.HistogramVec

	// Sampling and errors
	SampleChecks *prometheus.CounterVec
	ErrorsTotal  *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		TxTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainhammer_transactions_total",
				Help: "Total transactions by status and type",
			},
			[]string{"status", "tx_type"},
		),

		BatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainhammer_batches_total",
				Help: "Batch broadcasts by result",
			},
			[]string{"result"},
		),

		CurrentTPS: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chainhammer_current_tps",
				Help: "Transactions per second over the last observed block interval",
			},
		),

		AverageTPS: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chainhammer_average_tps",
				Help: "Transactions per second since the baseline block",
			},
		),

		PeakTPSAverage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chainhammer_peak_tps_average",
				Help: "Highest average TPS after the relaxation window",
			},
		),

		BlockNumber: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chainhammer_block_number",
				Help: "Latest block number observed by the monitor",
			},
		),

		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chainhammer_inflight_requests",
				Help: "Broadcast requests currently in flight",
			},
		),

		RunStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chainhammer_run_status",
				Help: "Current run status (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),

		BlockTxs: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chainhammer_block_transactions",
				Help:    "Transactions per observed block interval",
				Buckets: []float64{0, 10, 50, 100, 250, 500, 1000, 2500, 5000},
			},
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chainhammer_rpc_latency_seconds",
				Help:    "RPC call latency by method",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "status"},
		),

		SampleChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainhammer_sample_checks_total",
				Help: "Receipt sample verdicts",
			},
			[]string{"verdict"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainhammer_errors_total",
				Help: "Errors by category and tx_type",
			},
			[]string{"category", "tx_type"},
		),
	}
}

// RecordTxSent records a broadcast accepted by the node.
func (m *PrometheusMetrics) RecordTxSent(txType string) {
	m.TxTotal.WithLabelValues("sent", txType).Inc()
}

// RecordTxFailed records a transaction that was not accepted.
func (m *PrometheusMetrics) RecordTxFailed(txType string) {
	m.TxTotal.WithLabelValues("failed", txType).Inc()
}

// RecordBatch records a batch broadcast outcome.
func (m *PrometheusMetrics) RecordBatch(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.BatchesTotal.WithLabelValues(result).Inc()
}

// knownRPCMethods is a fixed set of known RPC methods to prevent cardinality explosion
var knownRPCMethods = map[string]bool{
	"eth_sendRawTransaction":    true,
	"eth_getTransactionCount":   true,
	"eth_blockNumber":           true,
	"eth_getBlockByNumber":      true,
	"eth_getBalance":            true,
	"eth_getTransactionReceipt": true,
	"web3_clientVersion":        true,
	"batch":                     true,
}

// RecordRPCLatency records RPC call latency.
func (m *PrometheusMetrics) RecordRPCLatency(method string, success bool, latencySeconds float64) {
	// Bucket unknown methods into 'other' to prevent cardinality explosion
	bucketedMethod := method
	if !knownRPCMethods[method] {
		bucketedMethod = "other"
	}

	status := "success"
	if !success {
		status = "error"
	}
	m.RPCLatency.WithLabelValues(bucketedMethod, status).Observe(latencySeconds)
}

// RecordSample records a receipt sample verdict.
func (m *PrometheusMetrics) RecordSample(passed bool) {
	verdict := "passed"
	if !passed {
		verdict = "failed"
	}
	m.SampleChecks.WithLabelValues(verdict).Inc()
}

// RecordError records an error.
func (m *PrometheusMetrics) RecordError(category, txType string) {
	m.ErrorsTotal.WithLabelValues(category, txType).Inc()
}

// ObserveBlock updates the throughput gauges from one monitor observation.
func (m *PrometheusMetrics) ObserveBlock(block uint64, newTxs int, current, average, peak float64) {
	m.BlockNumber.Set(float64(block))
	m.BlockTxs.Observe(float64(newTxs))
	m.CurrentTPS.Set(current)
	m.AverageTPS.Set(average)
	m.PeakTPSAverage.Set(peak)
}

// SetInFlight updates the in-flight requests gauge.
func (m *PrometheusMetrics) SetInFlight(n int) {
	m.InFlight.Set(float64(n))
}

// SetRunStatus updates the run status gauges.
func (m *PrometheusMetrics) SetRunStatus(status string) {
	for _, s := range []string{"idle", "initializing", "sending", "verifying", "settling", "watching", "completed", "error"} {
		if s == status {
			m.RunStatus.WithLabelValues(s).Set(1)
		} else {
			m.RunStatus.WithLabelValues(s).Set(0)
		}
	}
}

// Reset resets all metrics.
// Note: Prometheus histograms don't have a Reset method - they are cumulative by design.
// Only CounterVec and GaugeVec support Reset().
func (m *PrometheusMetrics) Reset() {
	m.TxTotal.Reset()
	m.BatchesTotal.Reset()
	m.RPCLatency.Reset()
	m.SampleChecks.Reset()
	m.ErrorsTotal.Reset()
	m.CurrentTPS.Set(0)
	m.AverageTPS.Set(0)
	m.PeakTPSAverage.Set(0)
	m.InFlight.Set(0)
	m.SetRunStatus("idle")
}
