package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/gateway-fm/chainhammer/internal/account"
	"github.com/gateway-fm/chainhammer/internal/metrics"
	"github.com/gateway-fm/chainhammer/internal/sender"
	"github.com/gateway-fm/chainhammer/internal/txbuilder"
)

// Defaults.
const (
	DefaultWorkers       = 25
	DefaultAccounts      = 20
	DefaultMaxPerTxTasks = 2000
	DefaultBatchSize     = 400
)

// Config for creating a Dispatcher.
type Config struct {
	// Accounts send the run. per-tx and pool spread units over them round-robin;
	// accounts gives each one its own worker. Nonces must already be synced.
	Accounts []*account.Account
	Factory  *txbuilder.Factory
	Sender   *sender.Sender
	Strategy Strategy

	Workers       int     // pool size (default 25)
	MaxPerTxTasks int     // per-tx fan-out limit before falling back to pool (default 2000)
	BatchSize     int     // >1 sends units of up to BatchSize txs as one JSON-RPC batch
	MaxRate       float64 // tx/s throttle, 0 means unlimited

	// Progress is called with the number of items that just completed, from
	// worker goroutines.
	Progress func(n int)

	Metrics *metrics.PrometheusMetrics
	TxType  string // metrics label
	Logger  *slog.Logger
}

// Result of a dispatch run. Every requested transaction ends up either in
// Hashes or in Failures.
type Result struct {
	Hashes     []common.Hash
	Failures   []error // *sender.BroadcastError, *txbuilder.SigningError or context errors
	Incomplete int     // items lost to failed batches or failed batch items
	Strategy   Strategy
	Elapsed    time.Duration
}

// Attempted returns the number of transactions the run accounted for.
func (r *Result) Attempted() int {
	return len(r.Hashes) + len(r.Failures)
}

// Dispatcher drives a run's transactions through signing and broadcast.
type Dispatcher struct {
	accounts      []*account.Account
	factory       *txbuilder.Factory
	sender        *sender.Sender
	strategy      Strategy
	workers       int
	maxPerTxTasks int
	batchSize     int
	limiter       *rate.Limiter
	progress      func(n int)
	metrics       *metrics.PrometheusMetrics
	txType        string
	logger        *slog.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if len(cfg.Accounts) == 0 {
		return nil, errors.New("dispatch: no accounts")
	}
	if cfg.Factory == nil || cfg.Sender == nil {
		return nil, errors.New("dispatch: factory and sender are required")
	}
	switch cfg.Strategy {
	case StrategyPerTx, StrategyPool, StrategyAccounts:
	case "":
		cfg.Strategy = StrategyPool
	default:
		return nil, fmt.Errorf("dispatch: unknown strategy %q", cfg.Strategy)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		accounts:      cfg.Accounts,
		factory:       cfg.Factory,
		sender:        cfg.Sender,
		strategy:      cfg.Strategy,
		workers:       cfg.Workers,
		maxPerTxTasks: cfg.MaxPerTxTasks,
		batchSize:     cfg.BatchSize,
		progress:      cfg.Progress,
		metrics:       cfg.Metrics,
		txType:        cfg.TxType,
		logger:        logger,
	}
	if d.workers <= 0 {
		d.workers = DefaultWorkers
	}
	if d.maxPerTxTasks <= 0 {
		d.maxPerTxTasks = DefaultMaxPerTxTasks
	}
	if d.batchSize < 1 {
		d.batchSize = 1
	}
	if cfg.MaxRate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRate), d.batchSize)
	}
	return d, nil
}

// Sent returns how many transactions the node accepted so far.
func (d *Dispatcher) Sent() uint64 { return d.sent.Load() }

// Failed returns how many transactions failed so far.
func (d *Dispatcher) Failed() uint64 { return d.failed.Load() }

// unit is a contiguous range of transaction indices sent by one account.
type unit struct {
	start, end int
	acc        *account.Account
}

func (u unit) size() int { return u.end - u.start }

// Run submits count transactions. The returned Result is never nil; the error
// is non-nil only when ctx ended the run early, in which case the unsent
// items are reported as failures.
func (d *Dispatcher) Run(ctx context.Context, count int) (*Result, error) {
	if count < 0 {
		return nil, fmt.Errorf("dispatch: negative count %d", count)
	}
	start := time.Now()
	col := newCollector(count)

	strategy := d.strategy
	var units []unit
	if strategy == StrategyAccounts {
		units = d.accountUnits(count)
	} else {
		units = d.roundRobinUnits(count)
		if strategy == StrategyPerTx && len(units) > d.maxPerTxTasks {
			d.logger.Warn("per-tx fan-out above limit, falling back to worker pool",
				slog.Int("units", len(units)),
				slog.Int("limit", d.maxPerTxTasks),
				slog.Int("workers", d.workers),
			)
			strategy = StrategyPool
		}
	}

	d.logger.Info("Dispatching transactions",
		slog.Int("count", count),
		slog.String("strategy", strategy.String()),
		slog.Int("units", len(units)),
		slog.Int("accounts", len(d.accounts)),
		slog.Int("batch_size", d.batchSize),
	)

	switch strategy {
	case StrategyPerTx:
		d.runPerTx(ctx, units, col)
	case StrategyPool:
		d.runPool(ctx, units, col)
	case StrategyAccounts:
		d.runAccounts(ctx, units, col)
	}

	res := col.result()
	res.Strategy = strategy
	res.Elapsed = time.Since(start)

	d.logger.Info("Dispatch complete",
		slog.Int("sent", len(res.Hashes)),
		slog.Int("failed", len(res.Failures)),
		slog.Int("incomplete", res.Incomplete),
		slog.Duration("elapsed", res.Elapsed),
	)
	return res, ctx.Err()
}

// roundRobinUnits chunks [0,count) into units of batchSize and assigns them to
// accounts in turn.
func (d *Dispatcher) roundRobinUnits(count int) []unit {
	units := make([]unit, 0, (count+d.batchSize-1)/d.batchSize)
	for s := 0; s < count; s += d.batchSize {
		units = append(units, unit{
			start: s,
			end:   min(s+d.batchSize, count),
			acc:   d.accounts[len(units)%len(d.accounts)],
		})
	}
	return units
}

// accountUnits splits [0,count) into one contiguous share per account, as even
// as possible, then chunks each share into units of batchSize.
func (d *Dispatcher) accountUnits(count int) []unit {
	n := len(d.accounts)
	per, extra := count/n, count%n
	var units []unit
	s := 0
	for i, acc := range d.accounts {
		share := per
		if i < extra {
			share++
		}
		for off := 0; off < share; off += d.batchSize {
			units = append(units, unit{start: s + off, end: s + min(off+d.batchSize, share), acc: acc})
		}
		s += share
	}
	return units
}

func (d *Dispatcher) runPerTx(ctx context.Context, units []unit, col *collector) {
	var wg sync.WaitGroup
	for _, u := range units {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.execute(ctx, u, col)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) runPool(ctx context.Context, units []unit, col *collector) {
	queue := make(chan unit, len(units))
	for _, u := range units {
		queue <- u
	}
	close(queue)

	var wg sync.WaitGroup
	for range min(d.workers, len(units)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range queue {
				d.execute(ctx, u, col)
			}
		}()
	}
	wg.Wait()
}

// runAccounts gives every account one worker that sends its units in order.
func (d *Dispatcher) runAccounts(ctx context.Context, units []unit, col *collector) {
	byAccount := make(map[*account.Account][]unit, len(d.accounts))
	for _, u := range units {
		byAccount[u.acc] = append(byAccount[u.acc], u)
	}

	var g errgroup.Group
	for _, acc := range d.accounts {
		share := byAccount[acc]
		if len(share) == 0 {
			continue
		}
		g.Go(func() error {
			for _, u := range share {
				d.execute(ctx, u, col)
			}
			return nil
		})
	}
	_ = g.Wait() // workers record failures instead of returning them
}

func (d *Dispatcher) execute(ctx context.Context, u unit, col *collector) {
	if d.limiter != nil {
		if err := d.limiter.WaitN(ctx, u.size()); err != nil {
			for i := u.start; i < u.end; i++ {
				d.recordFailure(col, "canceled", fmt.Errorf("tx %d: %w", i, err))
			}
			return
		}
	}
	if d.batchSize > 1 {
		d.sendBatch(ctx, u, col)
		return
	}
	for i := u.start; i < u.end; i++ {
		d.sendOne(ctx, u.acc, i, col)
	}
}

// sendOne reserves the next nonce before signing. A signing failure leaves a
// gap at that nonce, and the node holds the account's later transactions
// behind it.
func (d *Dispatcher) sendOne(ctx context.Context, acc *account.Account, index int, col *collector) {
	nonce := acc.NextNonce()
	stx, err := d.factory.Sign(acc, nonce, uint64(index))
	if err != nil {
		d.recordFailure(col, "signing", err)
		return
	}

	hash, err := d.sender.Send(ctx, stx)
	if err != nil {
		d.recordFailure(col, "broadcast", err)
		return
	}
	d.recordSent(col, hash)
}

// sendBatch signs the unit in nonce order and broadcasts it as one batch. A
// failed batch or rejected items are reported and never retried. As in
// sendOne, a transaction that fails to sign leaves a nonce gap.
func (d *Dispatcher) sendBatch(ctx context.Context, u unit, col *collector) {
	txs := make([]*txbuilder.SignedTx, 0, u.size())
	for i := u.start; i < u.end; i++ {
		nonce := u.acc.NextNonce()
		stx, err := d.factory.Sign(u.acc, nonce, uint64(i))
		if err != nil {
			d.recordFailure(col, "signing", err)
			continue
		}
		txs = append(txs, stx)
	}
	if len(txs) == 0 {
		return
	}

	items, err := d.sender.SendBatch(ctx, txs)
	if d.metrics != nil {
		d.metrics.RecordBatch(err == nil)
	}
	if err != nil {
		d.logger.Warn("batch broadcast failed",
			slog.Int("size", len(txs)),
			slog.String("from", u.acc.Address.Hex()),
			slog.Uint64("first_nonce", txs[0].Nonce),
			slog.String("error", err.Error()),
		)
		errs := make([]error, len(txs))
		for i, tx := range txs {
			errs[i] = &sender.BroadcastError{Hash: tx.Hash, From: tx.From, Nonce: tx.Nonce, Err: err}
		}
		d.recordBatchFailure(col, errs)
		return
	}

	var rejected []error
	for _, item := range items {
		if item.Err != nil {
			rejected = append(rejected, item.Err)
			continue
		}
		d.recordSent(col, item.Hash)
	}
	if len(rejected) > 0 {
		d.logger.Warn("batch items rejected",
			slog.Int("size", len(txs)),
			slog.Int("rejected", len(rejected)),
			slog.String("first_error", rejected[0].Error()),
		)
		d.recordBatchFailure(col, rejected)
	}
}

func (d *Dispatcher) recordSent(col *collector, hash common.Hash) {
	col.ok(hash)
	d.sent.Add(1)
	if d.metrics != nil {
		d.metrics.RecordTxSent(d.txType)
		d.metrics.SetInFlight(d.sender.InFlight())
	}
	if d.progress != nil {
		d.progress(1)
	}
}

func (d *Dispatcher) recordFailure(col *collector, category string, err error) {
	col.fail(err)
	d.failed.Add(1)
	d.logger.Debug("transaction failed",
		slog.String("category", category),
		slog.String("error", err.Error()),
	)
	if d.metrics != nil {
		d.metrics.RecordTxFailed(d.txType)
		d.metrics.RecordError(category, d.txType)
	}
	if d.progress != nil {
		d.progress(1)
	}
}

func (d *Dispatcher) recordBatchFailure(col *collector, errs []error) {
	col.failBatch(errs...)
	d.failed.Add(uint64(len(errs)))
	if d.metrics != nil {
		for range errs {
			d.metrics.RecordTxFailed(d.txType)
		}
		d.metrics.RecordError("batch", d.txType)
	}
	if d.progress != nil {
		d.progress(len(errs))
	}
}
