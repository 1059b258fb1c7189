package experiment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gateway-fm/chainhammer/internal/ledger"
	"github.com/gateway-fm/chainhammer/internal/metrics"
	"github.com/gateway-fm/chainhammer/internal/monitor"
	"github.com/gateway-fm/chainhammer/internal/rpc"
	"github.com/gateway-fm/chainhammer/internal/storage"
	"github.com/gateway-fm/chainhammer/pkg/types"
)

// DefaultWaitInterval is how often the watcher looks for the sender's reset.
const DefaultWaitInterval = 100 * time.Millisecond

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Client           rpc.Client
	RPCAddress       string
	Ledger           *ledger.Ledger
	Store            storage.Storage // optional experiment history
	Clock            monitor.Clock
	Interval         time.Duration
	RelaxationRounds int

	// WaitStart delays the baseline until the sender resets the record.
	WaitStart    bool
	WaitInterval time.Duration

	Observers []monitor.Observer
	Metrics   *metrics.PrometheusMetrics
	Logger    *slog.Logger
}

// Watcher measures one experiment from the watching side.
type Watcher struct {
	cfg    WatcherConfig
	logger *slog.Logger
}

// NewWatcher creates a Watcher.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Client == nil || cfg.Ledger == nil {
		return nil, errors.New("experiment: client and ledger are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = monitor.SystemClock()
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = DefaultWaitInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{cfg: cfg, logger: cfg.Logger}, nil
}

// Run measures until the sender writes its record, merges the TPS section
// into it and stores the experiment when a store is configured. A store
// failure is logged; the record is the source of truth.
func (w *Watcher) Run(ctx context.Context) (*monitor.Result, error) {
	signal, err := w.cfg.Ledger.NewWatcher()
	if err != nil {
		return nil, err
	}
	if w.cfg.WaitStart {
		if err := signal.WaitStart(ctx, w.cfg.WaitInterval); err != nil {
			return nil, err
		}
	}

	mon, err := monitor.New(monitor.Config{
		Client:           w.cfg.Client,
		Clock:            w.cfg.Clock,
		Interval:         w.cfg.Interval,
		RelaxationRounds: w.cfg.RelaxationRounds,
		Metrics:          w.cfg.Metrics,
		Logger:           w.logger,
	})
	if err != nil {
		return nil, err
	}
	for _, o := range w.cfg.Observers {
		mon.OnSample(o)
	}

	if w.cfg.Metrics != nil {
		w.cfg.Metrics.SetRunStatus("watching")
	}
	started := w.cfg.Clock.Now()
	res, err := mon.Run(ctx, signal)
	if err != nil {
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.SetRunStatus(string(types.StatusError))
		}
		return nil, err
	}

	tps := ledger.TPSSection{
		PeakTPSAverage:  res.PeakTPSAverage,
		FinalTPSAverage: res.FinalTPSAverage,
		StartEpochTime:  res.StartEpochTime,
	}
	if err := w.cfg.Ledger.MergeTPS(tps); err != nil {
		return res, err
	}

	if w.cfg.Store != nil {
		w.store(ctx, res, started)
	}
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.SetRunStatus(string(types.StatusCompleted))
	}
	return res, nil
}

func (w *Watcher) store(ctx context.Context, res *monitor.Result, started time.Time) {
	rec, err := w.cfg.Ledger.Read()
	if err != nil {
		w.logger.Warn("Experiment not stored", slog.String("error", err.Error()))
		return
	}

	exp := &types.ExperimentDetail{
		ExperimentSummary: types.ExperimentSummary{
			StartedAt:       started,
			FinishedAt:      w.cfg.Clock.Now(),
			RPCAddress:      w.cfg.RPCAddress,
			PeakTPSAverage:  ledger.Round1(res.PeakTPSAverage),
			FinalTPSAverage: ledger.Round1(res.FinalTPSAverage),
		},
		Samples: res.Samples,
	}
	if rec.Send != nil {
		exp.BlockFirst = rec.Send.BlockFirst
		exp.BlockLast = rec.Send.BlockLast
		exp.NumTxs = rec.Send.NumTxs
		exp.SampleSuccessful = rec.Send.SampleTxsSuccessful
	}
	if rec.Node != nil {
		exp.NodeVersion = rec.Node.NodeVersion
		if rec.Node.RPCAddress != "" {
			exp.RPCAddress = rec.Node.RPCAddress
		}
	}

	if err := w.cfg.Store.SaveExperiment(ctx, exp); err != nil {
		w.logger.Warn("Experiment not stored", slog.String("error", err.Error()))
		return
	}
	w.logger.Info("Experiment stored", slog.String("id", exp.ID), slog.Int("samples", len(exp.Samples)))
}
