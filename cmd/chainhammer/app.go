package main

import (
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gateway-fm/chainhammer/internal/account"
	"github.com/gateway-fm/chainhammer/internal/config"
	"github.com/gateway-fm/chainhammer/internal/experiment"
	"github.com/gateway-fm/chainhammer/internal/ledger"
	"github.com/gateway-fm/chainhammer/internal/metrics"
	"github.com/gateway-fm/chainhammer/internal/monitor"
	"github.com/gateway-fm/chainhammer/internal/rpc"
	"github.com/gateway-fm/chainhammer/internal/sender"
	"github.com/gateway-fm/chainhammer/internal/storage"
	"github.com/gateway-fm/chainhammer/internal/txbuilder"
	"github.com/gateway-fm/chainhammer/internal/verification"
)

// app holds the components shared by every command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	client  *rpc.HTTPClient
	metrics *metrics.PrometheusMetrics
	ledger  *ledger.Ledger
	store   *storage.SQLiteStorage // nil when history is disabled
}

func newApp(cfg *config.Config) (*app, error) {
	logger := slog.Default()
	m := metrics.NewPrometheusMetrics(prometheus.DefaultRegisterer)

	clientCfg := rpc.DefaultClientConfig(cfg.RPCURL)
	clientCfg.Timeout = cfg.RPCTimeout
	clientCfg.MaxRetries = cfg.RPCRetries
	clientCfg.Latency = m
	clientCfg.Logger = logger

	a := &app{
		cfg:     cfg,
		logger:  logger,
		client:  rpc.NewHTTPClient(clientCfg),
		metrics: m,
		ledger:  ledger.New(cfg.LedgerPath, logger),
	}

	if cfg.DatabasePath != "" {
		store, err := storage.NewSQLiteStorage(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("opening history database %s: %w", cfg.DatabasePath, err)
		}
		a.store = store
		logger.Info("initialized storage", "path", cfg.DatabasePath)
	}
	return a, nil
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing storage", "error", err)
		}
	}
}

// history returns the store as the interface, keeping a nil store nil.
func (a *app) history() storage.Storage {
	if a.store == nil {
		return nil
	}
	return a.store
}

func (a *app) newSender() (*experiment.Sender, error) {
	cfg := a.cfg
	if err := cfg.ValidateSend(); err != nil {
		return nil, err
	}

	builder, err := txbuilder.NewDefaultRegistry(
		common.HexToAddress(cfg.Contract),
		common.HexToAddress(cfg.Recipient),
	).Get(cfg.TxType)
	if err != nil {
		return nil, err
	}

	factory := txbuilder.NewFactory(builder, nil, txbuilder.ChainParams{
		ChainID:   cfg.ChainIDBig(),
		GasLimit:  cfg.GasLimit,
		GasPrice:  cfg.GasPrice(),
		UseLegacy: cfg.UseLegacy,
	})

	fetcher := verification.NewFetcher(verification.FetcherConfig{
		Client: a.client,
		Logger: a.logger,
	})

	scfg := experiment.SenderConfig{
		Client:     a.client,
		RPCAddress: cfg.RPCURL,
		Ledger:     a.ledger,
		Manager: account.NewManager(account.ManagerConfig{
			ChainID:   cfg.ChainIDBig(),
			GasPrice:  cfg.GasPrice(),
			UseLegacy: cfg.UseLegacy,
			Logger:    a.logger,
		}),
		Keys:    cfg.Keys,
		Factory: factory,
		Broadcaster: sender.New(sender.Config{
			Client:      a.client,
			Concurrency: cfg.Concurrency,
			Logger:      a.logger,
		}),
		Fetcher: fetcher,
		Sampler: verification.NewSampler(verification.SamplerConfig{
			Fetcher: fetcher,
			Metrics: a.metrics,
			Logger:  a.logger,
		}),
		SampleSize:     cfg.SampleSize,
		SampleTimeout:  cfg.SampleTimeout,
		RangeTimeout:   cfg.RangeTimeout,
		EmptyBlocks:    cfg.EmptyBlocks,
		SettleInterval: cfg.SettleInterval,
		MaxPerTxTasks:  cfg.MaxPerTxTasks,
		MaxRate:        cfg.MaxRate,
		TxType:         string(cfg.TxType),
		Metrics:        a.metrics,
		Logger:         a.logger,
	}
	if a.store != nil {
		scfg.Cache = a.store
	}
	return experiment.NewSender(scfg)
}

func (a *app) newWatcher(waitStart bool, observers ...monitor.Observer) (*experiment.Watcher, error) {
	return experiment.NewWatcher(experiment.WatcherConfig{
		Client:           a.client,
		RPCAddress:       a.cfg.RPCURL,
		Ledger:           a.ledger,
		Store:            a.history(),
		Interval:         a.cfg.PollInterval,
		RelaxationRounds: a.cfg.RelaxationRounds,
		WaitStart:        waitStart,
		Observers:        observers,
		Metrics:          a.metrics,
		Logger:           a.logger,
	})
}
