// Package verification checks that a run's transactions committed: bounded
// receipt fetching, a random receipt sample and the block range they landed in.
package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/chainhammer/internal/rpc"
)

// ErrTimedOut is returned when a receipt did not appear before the timeout.
var ErrTimedOut = errors.New("receipt not available before timeout")

// Defaults.
const (
	DefaultFetchWorkers = 8
	DefaultPollInterval = 100 * time.Millisecond
)

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	Client       rpc.Client
	Workers      int           // concurrent receipt lookups (default 8)
	PollInterval time.Duration // delay between lookups of a pending receipt (default 100ms)
	Logger       *slog.Logger
}

// Fetcher looks up transaction receipts with bounded concurrency.
type Fetcher struct {
	client       rpc.Client
	workers      int
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fetcher{
		client:       cfg.Client,
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
		logger:       logger,
	}
	if f.workers <= 0 {
		f.workers = DefaultFetchWorkers
	}
	if f.pollInterval <= 0 {
		f.pollInterval = DefaultPollInterval
	}
	return f
}

// FetchOne polls for the receipt of hash until it exists or timeout elapses.
// A receipt still missing at the deadline yields ErrTimedOut; RPC errors are
// treated as transient and retried until then.
func (f *Fetcher) FetchOne(ctx context.Context, hash common.Hash, timeout time.Duration) (*rpc.TransactionReceipt, error) {
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		receipt, err := f.client.GetTransactionReceipt(deadline, hash.Hex())
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && deadline.Err() == nil {
			f.logger.Debug("receipt lookup failed",
				slog.String("tx", hash.Hex()),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-deadline.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("tx %s: %w", hash.Hex(), ErrTimedOut)
		case <-time.After(f.pollInterval):
		}
	}
}

// FetchAll fetches receipts for hashes with the configured number of workers.
// The timeout bounds the whole call. Hashes whose receipt did not arrive are
// absent from the returned map.
func (f *Fetcher) FetchAll(ctx context.Context, hashes []common.Hash, timeout time.Duration) map[common.Hash]*rpc.TransactionReceipt {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		receipts = make(map[common.Hash]*rpc.TransactionReceipt, len(hashes))
	)

	queue := make(chan common.Hash, len(hashes))
	for _, h := range hashes {
		queue <- h
	}
	close(queue)

	var wg sync.WaitGroup
	for range min(f.workers, len(hashes)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for h := range queue {
				receipt, err := f.FetchOne(ctx, h, timeout)
				if err != nil {
					continue
				}
				mu.Lock()
				receipts[h] = receipt
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return receipts
}

// Range is the span of blocks a run's transactions landed in.
type Range struct {
	First uint64
	Last  uint64
}

// BlockRange fetches the receipts of the first and last edge hashes and returns
// the lowest and highest block among them.
func (f *Fetcher) BlockRange(ctx context.Context, hashes []common.Hash, edge int, timeout time.Duration) (Range, error) {
	if len(hashes) == 0 {
		return Range{}, errors.New("block range: no transactions")
	}
	edges := hashes
	if len(hashes) > 2*edge {
		edges = make([]common.Hash, 0, 2*edge)
		edges = append(edges, hashes[:edge]...)
		edges = append(edges, hashes[len(hashes)-edge:]...)
	}

	receipts := f.FetchAll(ctx, edges, timeout)
	if len(receipts) == 0 {
		return Range{}, fmt.Errorf("block range: none of %d receipts arrived: %w", len(edges), ErrTimedOut)
	}

	r := Range{First: ^uint64(0)}
	for _, receipt := range receipts {
		r.First = min(r.First, receipt.BlockNumber)
		r.Last = max(r.Last, receipt.BlockNumber)
	}

	f.logger.Info("Transactions block range",
		slog.Uint64("block_first", r.First),
		slog.Uint64("block_last", r.Last),
		slog.Int("receipts", len(receipts)),
	)
	return r, nil
}
