// Package experiment runs the two halves of a benchmark: the sender, which
// floods the node and writes the experiment record, and the watcher, which
// measures throughput until that record says the sender is done.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/chainhammer/internal/account"
	"github.com/gateway-fm/chainhammer/internal/dispatch"
	"github.com/gateway-fm/chainhammer/internal/ledger"
	"github.com/gateway-fm/chainhammer/internal/metrics"
	"github.com/gateway-fm/chainhammer/internal/rpc"
	"github.com/gateway-fm/chainhammer/internal/sender"
	"github.com/gateway-fm/chainhammer/internal/storage"
	"github.com/gateway-fm/chainhammer/internal/txbuilder"
	"github.com/gateway-fm/chainhammer/internal/verification"
	"github.com/gateway-fm/chainhammer/pkg/types"
)

// ErrSampleFailed is returned after the record is written when the receipt
// sample did not confirm the run.
var ErrSampleFailed = errors.New("receipt sample failed")

// Defaults.
const (
	DefaultEdgeSize       = 100
	DefaultRangeTimeout   = 60 * time.Second
	DefaultEmptyBlocks    = 10
	DefaultSettleInterval = 300 * time.Millisecond
)

// SenderConfig configures a Sender.
type SenderConfig struct {
	Client      rpc.Client
	RPCAddress  string
	Ledger      *ledger.Ledger
	Manager     *account.Manager
	Keys        []string // hex keys; the first one funds generated accounts
	Factory     *txbuilder.Factory
	Broadcaster *sender.Sender
	Fetcher     *verification.Fetcher
	Sampler     *verification.Sampler
	Cache       storage.CacheStorage // optional, reuses generated accounts

	SampleSize     int
	SampleTimeout  time.Duration
	EdgeSize       int
	RangeTimeout   time.Duration
	EmptyBlocks    int
	SettleInterval time.Duration

	MaxPerTxTasks int
	MaxRate       float64
	TxType        string

	// OnStatus is called on every phase change.
	OnStatus func(types.RunStatus)

	Metrics *metrics.PrometheusMetrics
	Logger  *slog.Logger
}

// RunOptions select how one run dispatches its transactions.
type RunOptions struct {
	Count     int
	Strategy  dispatch.Strategy
	Workers   int // pool size, or number of accounts for the accounts strategy
	BatchSize int
	Progress  func(n int)
}

// SendReport summarizes a finished sender run.
type SendReport struct {
	Dispatch  *dispatch.Result
	Verdict   verification.Verdict
	Range     verification.Range
	Send      ledger.SendSection
	Node      ledger.NodeSection
	StartedAt time.Time
	Elapsed   time.Duration
}

// Sender drives one experiment from the sending side.
type Sender struct {
	cfg     SenderConfig
	logger  *slog.Logger
	current atomic.Pointer[dispatch.Dispatcher]
}

// NewSender creates a Sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if cfg.Client == nil || cfg.Ledger == nil || cfg.Factory == nil || cfg.Broadcaster == nil {
		return nil, errors.New("experiment: client, ledger, factory and broadcaster are required")
	}
	if cfg.Fetcher == nil || cfg.Sampler == nil {
		return nil, errors.New("experiment: fetcher and sampler are required")
	}
	if len(cfg.Keys) == 0 {
		return nil, errors.New("experiment: at least one sender key is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Manager == nil {
		params := cfg.Factory.Params()
		cfg.Manager = account.NewManager(account.ManagerConfig{
			ChainID:   params.ChainID,
			GasPrice:  params.GasPrice,
			UseLegacy: params.UseLegacy,
			Logger:    cfg.Logger,
		})
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = verification.DefaultSampleSize
	}
	if cfg.SampleTimeout <= 0 {
		cfg.SampleTimeout = verification.DefaultSampleTimeout
	}
	if cfg.EdgeSize <= 0 {
		cfg.EdgeSize = DefaultEdgeSize
	}
	if cfg.RangeTimeout <= 0 {
		cfg.RangeTimeout = DefaultRangeTimeout
	}
	if cfg.EmptyBlocks < 0 {
		cfg.EmptyBlocks = 0
	}
	if cfg.SettleInterval <= 0 {
		cfg.SettleInterval = DefaultSettleInterval
	}
	return &Sender{cfg: cfg, logger: cfg.Logger}, nil
}

// Progress reports the sent and failed counts of the running dispatch.
func (s *Sender) Progress() (sent, failed uint64) {
	if d := s.current.Load(); d != nil {
		return d.Sent(), d.Failed()
	}
	return 0, 0
}

func (s *Sender) status(st types.RunStatus) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SetRunStatus(string(st))
	}
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(st)
	}
}

// Run sends, verifies, settles and writes the record. A failed sample is
// reported as ErrSampleFailed together with the report.
func (s *Sender) Run(ctx context.Context, opts RunOptions) (*SendReport, error) {
	started := time.Now()
	res, err := s.Send(ctx, opts)
	if err != nil {
		s.status(types.StatusError)
		return nil, err
	}
	report, err := s.Finish(ctx, res)
	if report != nil {
		report.StartedAt = started
		report.Elapsed = time.Since(started)
	}
	switch {
	case errors.Is(err, ErrSampleFailed):
		s.status(types.StatusCompleted)
	case err != nil:
		s.status(types.StatusError)
	default:
		s.status(types.StatusCompleted)
	}
	return report, err
}

// Send prepares the accounts, resets the record and dispatches the run.
// Per-item failures are in the result, not the error.
func (s *Sender) Send(ctx context.Context, opts RunOptions) (*dispatch.Result, error) {
	if opts.Count < 0 {
		return nil, fmt.Errorf("transaction count must not be negative, got %d", opts.Count)
	}
	if opts.Strategy == "" {
		opts.Strategy = dispatch.StrategyPool
	}

	s.status(types.StatusInitializing)
	accounts, err := s.prepareAccounts(ctx, opts)
	if err != nil {
		return nil, err
	}

	d, err := dispatch.New(dispatch.Config{
		Accounts:      accounts,
		Factory:       s.cfg.Factory,
		Sender:        s.cfg.Broadcaster,
		Strategy:      opts.Strategy,
		Workers:       opts.Workers,
		MaxPerTxTasks: s.cfg.MaxPerTxTasks,
		BatchSize:     opts.BatchSize,
		MaxRate:       s.cfg.MaxRate,
		Progress:      opts.Progress,
		Metrics:       s.cfg.Metrics,
		TxType:        s.cfg.TxType,
		Logger:        s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.current.Store(d)

	// Reset after funding so setup transactions fall before the watcher's baseline.
	if err := s.cfg.Ledger.Reset(); err != nil {
		return nil, err
	}

	s.status(types.StatusSending)
	res, err := d.Run(ctx, opts.Count)
	if err != nil {
		return res, fmt.Errorf("dispatch: %w", err)
	}
	s.logger.Info("Transaction hashes recorded",
		slog.Int("hashes", len(res.Hashes)),
		slog.Int("failures", len(res.Failures)),
		slog.Int("incomplete", res.Incomplete),
	)
	return res, nil
}

// prepareAccounts returns one account for the per-tx and pool strategies and
// Workers accounts for the accounts strategy, with nonces synced and every
// generated account funded from the first key.
func (s *Sender) prepareAccounts(ctx context.Context, opts RunOptions) ([]*account.Account, error) {
	n := 1
	if opts.Strategy == dispatch.StrategyAccounts {
		n = opts.Workers
		if n <= 0 {
			n = dispatch.DefaultAccounts
		}
	}

	keys := s.cfg.Keys
	chainID := s.cfg.Factory.Params().ChainID.Int64()
	if s.cfg.Cache != nil && n > len(keys) {
		cached, err := s.cfg.Cache.LoadCachedAccounts(ctx, chainID)
		if err != nil {
			s.logger.Warn("Failed to load cached accounts", slog.String("error", err.Error()))
		}
		keys = append(append([]string(nil), keys...), cachedKeys(cached)...)
	}

	accounts, err := s.cfg.Manager.Accounts(keys, n)
	if err != nil {
		return nil, fmt.Errorf("accounts: %w", err)
	}
	if s.cfg.Cache != nil && n > len(keys) {
		s.cacheAccounts(ctx, chainID, accounts[len(keys):])
	}

	if err := s.cfg.Manager.SyncNonces(ctx, s.cfg.Client, accounts); err != nil {
		return nil, err
	}
	if len(accounts) > 1 {
		if _, err := s.cfg.Manager.EnsureFunded(ctx, s.cfg.Client, accounts[0], accounts[1:]); err != nil {
			return nil, fmt.Errorf("funding: %w", err)
		}
	}
	return accounts, nil
}

func cachedKeys(cached []storage.CachedAccount) []string {
	keys := make([]string, 0, len(cached))
	for _, c := range cached {
		keys = append(keys, c.PrivateKeyHex)
	}
	return keys
}

func (s *Sender) cacheAccounts(ctx context.Context, chainID int64, accounts []*account.Account) {
	now := time.Now()
	cached := make([]storage.CachedAccount, len(accounts))
	for i, acc := range accounts {
		cached[i] = storage.CachedAccount{
			Address:       acc.Address.Hex(),
			PrivateKeyHex: common.Bytes2Hex(crypto.FromECDSA(acc.PrivateKey)),
			ChainID:       chainID,
			CreatedAt:     now,
		}
	}
	if err := s.cfg.Cache.SaveCachedAccounts(ctx, cached); err != nil {
		s.logger.Warn("Failed to save accounts to cache", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("Saved accounts to cache", slog.Int("count", len(cached)))
}

// Finish samples receipts, resolves the block range, waits for the settling
// blocks and writes the record. Receipt timeouts make the run fail its sample
// but still produce a record, so the watcher always terminates.
func (s *Sender) Finish(ctx context.Context, res *dispatch.Result) (*SendReport, error) {
	s.status(types.StatusVerifying)
	report := &SendReport{Dispatch: res}

	report.Verdict = s.cfg.Sampler.Check(ctx, res.Hashes, s.cfg.SampleSize, s.cfg.SampleTimeout)
	success := report.Verdict.Passed() && len(res.Hashes) > 0

	r, err := s.cfg.Fetcher.BlockRange(ctx, res.Hashes, s.cfg.EdgeSize, s.cfg.RangeTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("Block range unavailable, using the current head", slog.String("error", err.Error()))
		head, herr := s.cfg.Client.GetBlockNumber(ctx)
		if herr != nil {
			return nil, fmt.Errorf("block range: %w", errors.Join(err, herr))
		}
		r = verification.Range{First: head, Last: head}
		success = false
	} else {
		s.logger.Info("Receipts from beginning and end arrived",
			slog.Uint64("block_first", r.First),
			slog.Uint64("block_last", r.Last),
		)
	}
	report.Range = r

	s.status(types.StatusSettling)
	if _, _, err := WaitBlocks(ctx, s.cfg.Client, s.cfg.EmptyBlocks, s.cfg.SettleInterval, s.logger); err != nil {
		return nil, err
	}

	report.Send = ledger.SendSection{
		BlockFirst:          r.First,
		BlockLast:           r.Last,
		EmptyBlocks:         s.cfg.EmptyBlocks,
		NumTxs:              len(res.Hashes),
		SampleTxsSuccessful: success,
	}
	report.Node = ledger.NodeSection{RPCAddress: s.cfg.RPCAddress, NodeVersion: s.nodeVersion(ctx)}
	if err := s.cfg.Ledger.WriteSend(report.Send, report.Node); err != nil {
		return report, err
	}

	if !success {
		return report, fmt.Errorf("%w: %s", ErrSampleFailed, report.Verdict)
	}
	return report, nil
}

func (s *Sender) nodeVersion(ctx context.Context) string {
	v, err := s.cfg.Client.ClientVersion(ctx)
	if err != nil {
		s.logger.Warn("web3_clientVersion failed", slog.String("error", err.Error()))
		return "unknown"
	}
	return v
}

// WaitBlocks polls until n blocks have been added on top of the current head.
// It returns the starting and final block numbers.
func WaitBlocks(ctx context.Context, client rpc.Client, n int, interval time.Duration, logger *slog.Logger) (uint64, uint64, error) {
	if logger == nil {
		logger = slog.Default()
	}
	start, err := client.GetBlockNumber(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("block number: %w", err)
	}
	target := start + uint64(max(n, 0))
	logger.Info("Waiting for settling blocks", slog.Uint64("block", start), slog.Int("blocks", n))

	now := start
	for now < target {
		select {
		case <-ctx.Done():
			return start, now, ctx.Err()
		case <-time.After(interval):
		}
		next, err := client.GetBlockNumber(ctx)
		if err != nil {
			logger.Warn("Block number poll failed", slog.String("error", err.Error()))
			continue
		}
		if next != now {
			logger.Debug("Block", slog.Uint64("number", next))
			now = next
		}
	}
	logger.Info("Done waiting for blocks", slog.Uint64("block", now))
	return start, now, nil
}
