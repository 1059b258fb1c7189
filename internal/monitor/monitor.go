// Package monitor measures the throughput of a node by polling for new blocks.
//
// A Monitor takes a baseline at the current head, then on every new head sums
// the transaction counts of the blocks since the last one it saw. It keeps the
// running average TPS per block so the value at the experiment's last block
// can be resolved once the sender signals completion.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gateway-fm/chainhammer/internal/metrics"
	"github.com/gateway-fm/chainhammer/internal/rpc"
	"github.com/gateway-fm/chainhammer/pkg/types"
)

const (
	DefaultInterval = 300 * time.Millisecond
	// DefaultRelaxationRounds is the number of first iterations whose peak is discarded.
	DefaultRelaxationRounds = 3
)

// State is the monitor's lifecycle position.
type State int32

const (
	StateAwaitingBaseline State = iota
	StatePolling
	StateFinalizing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAwaitingBaseline:
		return "awaiting-baseline"
	case StatePolling:
		return "polling"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// FinishSignal reports when the sender has finished and the last block of
// its experiment.
type FinishSignal interface {
	Finished(ctx context.Context) (blockLast uint64, done bool, err error)
}

// Observer receives every sample. Observers run on the polling goroutine and
// must not block.
type Observer func(types.TpsSample)

// Config configures a Monitor.
type Config struct {
	Client   rpc.Client
	Clock    Clock
	Interval time.Duration
	// RelaxationRounds defaults to DefaultRelaxationRounds when zero.
	// Negative disables the relaxation window.
	RelaxationRounds int
	Metrics          *metrics.PrometheusMetrics
	Logger           *slog.Logger
}

// Result is the outcome of a finished measurement.
type Result struct {
	PeakTPSAverage  float64
	FinalTPSAverage float64
	StartEpochTime  float64
	BaselineBlock   uint64
	BlockLast       uint64
	Samples         []types.TpsSample
}

// Monitor is the block-polling throughput engine.
type Monitor struct {
	client   rpc.Client
	clock    Clock
	interval time.Duration
	relax    int
	metrics  *metrics.PrometheusMetrics
	logger   *slog.Logger

	state  atomic.Int32
	series *Series

	obsMu     sync.RWMutex
	observers []Observer

	mu            sync.Mutex
	baseline      uint64
	lastBlock     uint64
	lastTimestamp time.Time
	totalTxs      int
	start         time.Time
	peak          float64
	iteration     int
	samples       []types.TpsSample
}

// New creates a Monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Client == nil {
		return nil, errors.New("monitor: client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	switch {
	case cfg.RelaxationRounds == 0:
		cfg.RelaxationRounds = DefaultRelaxationRounds
	case cfg.RelaxationRounds < 0:
		cfg.RelaxationRounds = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Monitor{
		client:   cfg.Client,
		clock:    cfg.Clock,
		interval: cfg.Interval,
		relax:    cfg.RelaxationRounds,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		series:   NewSeries(),
	}, nil
}

// OnSample registers an observer.
func (m *Monitor) OnSample(o Observer) {
	m.obsMu.Lock()
	m.observers = append(m.observers, o)
	m.obsMu.Unlock()
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Series returns the per-block average TPS series.
func (m *Monitor) Series() *Series {
	return m.series
}

// Baseline records the current head and its transaction count as the t=0
// reference.
func (m *Monitor) Baseline(ctx context.Context) error {
	head, err := m.client.GetBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("baseline block number: %w", err)
	}
	block, err := m.block(ctx, head)
	if err != nil {
		return fmt.Errorf("baseline: %w", err)
	}

	m.mu.Lock()
	m.baseline = head
	m.lastBlock = head
	m.lastTimestamp = block.Timestamp
	m.totalTxs = block.TxCount
	m.start = m.clock.Now()
	m.peak = 0
	m.iteration = 0
	m.samples = nil
	start := m.start
	m.mu.Unlock()

	m.state.Store(int32(StatePolling))
	m.logger.Info("Starting timer",
		slog.Uint64("block", head),
		slog.Int("txs", block.TxCount),
		slog.Float64("start_epoch_time", epochSeconds(start)),
	)
	return nil
}

// Poll reads the head once. It returns nil when no new block has appeared.
func (m *Monitor) Poll(ctx context.Context) (*types.TpsSample, error) {
	if m.State() != StatePolling {
		return nil, fmt.Errorf("monitor: poll in state %s", m.State())
	}

	head, err := m.client.GetBlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("poll block number: %w", err)
	}

	m.mu.Lock()
	last, lastTS := m.lastBlock, m.lastTimestamp
	m.mu.Unlock()
	if head <= last {
		return nil, nil
	}

	newTxs := 0
	var headTS time.Time
	for n := last + 1; n <= head; n++ {
		block, err := m.block(ctx, n)
		if err != nil {
			return nil, err
		}
		newTxs += block.TxCount
		headTS = block.Timestamp
	}

	interval := int64(headTS.Sub(lastTS) / time.Second)
	var current float64
	if interval > 0 {
		current = float64(newTxs) / float64(interval)
	}

	m.mu.Lock()
	now := m.clock.Now()
	m.totalTxs += newTxs
	elapsed := now.Sub(m.start).Seconds()
	var average float64
	if elapsed > 0 {
		average = float64(m.totalTxs) / elapsed
	}
	m.peak = max(m.peak, average)
	if m.iteration < m.relax {
		m.peak = 0
	}
	m.iteration++
	m.lastBlock = head
	m.lastTimestamp = headTS

	sample := types.TpsSample{
		Block:          head,
		NewTxs:         newTxs,
		BlockInterval:  interval,
		TPSCurrent:     current,
		TotalTxs:       m.totalTxs,
		ElapsedSeconds: elapsed,
		TPSAverage:     average,
		PeakTPSAverage: m.peak,
		Iteration:      m.iteration,
		Timestamp:      now,
	}
	m.samples = append(m.samples, sample)
	m.mu.Unlock()

	m.series.Record(head, average)
	m.publish(sample)
	return &sample, nil
}

func (m *Monitor) block(ctx context.Context, n uint64) (*rpc.Block, error) {
	block, err := m.client.GetBlockByNumber(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", n, err)
	}
	if block == nil {
		return nil, fmt.Errorf("block %d not found", n)
	}
	return block, nil
}

func (m *Monitor) publish(s types.TpsSample) {
	m.logger.Info("New block",
		slog.Uint64("block", s.Block),
		slog.Int("new_txs", s.NewTxs),
		slog.Int64("block_interval_s", s.BlockInterval),
		slog.Float64("tps_current", s.TPSCurrent),
		slog.Int("total_txs", s.TotalTxs),
		slog.Float64("elapsed_s", s.ElapsedSeconds),
		slog.Float64("tps_average", s.TPSAverage),
		slog.Float64("peak_tps_average", s.PeakTPSAverage),
	)
	if m.metrics != nil {
		m.metrics.ObserveBlock(s.Block, s.NewTxs, s.TPSCurrent, s.TPSAverage, s.PeakTPSAverage)
	}

	m.obsMu.RLock()
	observers := m.observers
	m.obsMu.RUnlock()
	for _, o := range observers {
		o(s)
	}
}

// Run polls every interval until signal reports completion, then finalizes.
// Poll failures are logged and retried on the next tick; a signal error ends
// the run.
func (m *Monitor) Run(ctx context.Context, signal FinishSignal) (*Result, error) {
	if m.State() == StateAwaitingBaseline {
		if err := m.Baseline(ctx); err != nil {
			return nil, err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.clock.After(m.interval):
		}

		if _, err := m.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.logger.Warn("Poll failed", slog.String("error", err.Error()))
			if m.metrics != nil {
				m.metrics.RecordError("poll", "")
			}
		}

		blockLast, done, err := signal.Finished(ctx)
		if err != nil {
			return nil, fmt.Errorf("finish signal: %w", err)
		}
		if done {
			m.logger.Info("Received finish signal", slog.Uint64("block_last", blockLast))
			return m.Finalize(blockLast)
		}
	}
}

// Finalize resolves the final average at blockLast and ends the measurement.
func (m *Monitor) Finalize(blockLast uint64) (*Result, error) {
	m.state.Store(int32(StateFinalizing))

	final, err := m.series.Nearest(blockLast)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	res := &Result{
		PeakTPSAverage:  m.peak,
		FinalTPSAverage: final,
		StartEpochTime:  epochSeconds(m.start),
		BaselineBlock:   m.baseline,
		BlockLast:       blockLast,
		Samples:         append([]types.TpsSample(nil), m.samples...),
	}
	head := m.lastBlock
	m.mu.Unlock()

	m.state.Store(int32(StateDone))
	m.logger.Info("Experiment ended",
		slog.Uint64("head", head),
		slog.Uint64("block_last", blockLast),
		slog.Float64("peak_tps_average", res.PeakTPSAverage),
		slog.Float64("final_tps_average", res.FinalTPSAverage),
	)
	return res, nil
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
