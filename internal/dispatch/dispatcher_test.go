package dispatch

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/chainhammer/internal/account"
	"github.com/gateway-fm/chainhammer/internal/rpc"
	"github.com/gateway-fm/chainhammer/internal/rpc/rpctest"
	"github.com/gateway-fm/chainhammer/internal/sender"
	"github.com/gateway-fm/chainhammer/internal/txbuilder"
)

var testContract = common.HexToAddress("0x00000000000000000000000000000000000c0de1")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAccounts(t *testing.T, n int) []*account.Account {
	t.Helper()
	accounts := make([]*account.Account, n)
	for i := range n {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		accounts[i] = account.NewAccount(key)
	}
	return accounts
}

type fixture struct {
	chain    *rpctest.Chain
	accounts []*account.Account
	cfg      Config
}

func newFixture(t *testing.T, numAccounts int) *fixture {
	t.Helper()
	chain := rpctest.NewChain(txbuilder.DefaultChainID, 0, 0)
	accounts := newAccounts(t, numAccounts)
	for _, acc := range accounts {
		if err := acc.SyncNonce(context.Background(), chain); err != nil {
			t.Fatalf("SyncNonce: %v", err)
		}
	}
	return &fixture{
		chain:    chain,
		accounts: accounts,
		cfg: Config{
			Accounts: accounts,
			Factory:  txbuilder.NewFactory(txbuilder.NewStorageSetBuilder(testContract), nil, txbuilder.ChainParams{UseLegacy: true}),
			Sender:   sender.New(sender.Config{Client: chain, Concurrency: 64, Logger: quietLogger()}),
			Logger:   quietLogger(),
		},
	}
}

func (f *fixture) run(t *testing.T, count int) *Result {
	t.Helper()
	d, err := New(f.cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := d.Run(context.Background(), count)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

// assertGapFree checks every account's accepted nonces are 0..k-1 and returns k per account.
func (f *fixture) assertGapFree(t *testing.T) []int {
	t.Helper()
	counts := make([]int, len(f.accounts))
	for i, acc := range f.accounts {
		nonces := f.chain.Nonces(acc.Address)
		sort.Slice(nonces, func(a, b int) bool { return nonces[a] < nonces[b] })
		for j, n := range nonces {
			if n != uint64(j) {
				t.Fatalf("account %d nonces %v are not gap-free", i, nonces)
			}
		}
		counts[i] = len(nonces)
	}
	return counts
}

func TestDispatcherCounts(t *testing.T) {
	for _, strategy := range []Strategy{StrategyPerTx, StrategyPool, StrategyAccounts} {
		for _, workers := range []int{1, 8, 64} {
			for _, count := range []int{1, 25, 1000} {
				t.Run(fmt.Sprintf("%s/workers=%d/count=%d", strategy, workers, count), func(t *testing.T) {
					numAccounts := 1
					if strategy == StrategyAccounts {
						numAccounts = workers
					}
					f := newFixture(t, numAccounts)
					f.cfg.Strategy = strategy
					f.cfg.Workers = workers

					res := f.run(t, count)

					if len(res.Hashes) != count {
						t.Errorf("hashes = %d, want %d", len(res.Hashes), count)
					}
					if len(res.Failures) != 0 {
						t.Errorf("failures = %d, want 0 (first: %v)", len(res.Failures), res.Failures[0])
					}
					if f.chain.Sent() != count {
						t.Errorf("chain accepted %d, want %d", f.chain.Sent(), count)
					}
					if f.chain.Duplicates() != 0 {
						t.Errorf("duplicate nonces = %d", f.chain.Duplicates())
					}
					f.assertGapFree(t)

					seen := make(map[common.Hash]bool, count)
					for _, h := range res.Hashes {
						if seen[h] {
							t.Fatalf("duplicate hash %s", h.Hex())
						}
						seen[h] = true
					}
				})
			}
		}
	}
}

func TestDispatcherPerTxFallsBackToPool(t *testing.T) {
	f := newFixture(t, 1)
	f.cfg.Strategy = StrategyPerTx
	f.cfg.MaxPerTxTasks = 10
	f.cfg.Workers = 4

	res := f.run(t, 50)
	if res.Strategy != StrategyPool {
		t.Errorf("strategy = %s, want pool", res.Strategy)
	}
	if len(res.Hashes) != 50 {
		t.Errorf("hashes = %d, want 50", len(res.Hashes))
	}
}

func TestDispatcherAccountShares(t *testing.T) {
	f := newFixture(t, 3)
	f.cfg.Strategy = StrategyAccounts

	f.run(t, 10)

	counts := f.assertGapFree(t)
	want := []int{4, 3, 3}
	for i := range want {
		if counts[i] != want[i] {
			t.Errorf("account %d sent %d, want %d", i, counts[i], want[i])
		}
	}
}

func TestDispatcherRoundRobinAccounts(t *testing.T) {
	f := newFixture(t, 4)
	f.cfg.Strategy = StrategyPool
	f.cfg.Workers = 8

	f.run(t, 100)

	for i, n := range f.assertGapFree(t) {
		if n != 25 {
			t.Errorf("account %d sent %d, want 25", i, n)
		}
	}
}

func TestDispatcherBroadcastFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.cfg.Strategy = StrategyPool
	f.cfg.Workers = 4
	f.chain.SendErr = func(tx *types.Transaction) error {
		if tx.Nonce() == 3 {
			return &rpc.RPCError{Code: -32000, Message: "txpool is full"}
		}
		return nil
	}

	res := f.run(t, 20)

	if len(res.Hashes) != 19 || len(res.Failures) != 1 {
		t.Fatalf("hashes=%d failures=%d, want 19/1", len(res.Hashes), len(res.Failures))
	}
	var be *sender.BroadcastError
	if !errors.As(res.Failures[0], &be) {
		t.Fatalf("failure = %v, want *sender.BroadcastError", res.Failures[0])
	}
	if be.Nonce != 3 {
		t.Errorf("failed nonce = %d, want 3", be.Nonce)
	}
	if res.Attempted() != 20 {
		t.Errorf("Attempted() = %d, want 20", res.Attempted())
	}
}

func TestDispatcherLiveCounters(t *testing.T) {
	tests := []struct {
		name       string
		batchSize  int
		rejectNonce uint64
		wantSent   uint64
		wantFailed uint64
	}{
		{"single", 0, 2, 9, 1},
		{"batched", 5, 7, 9, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1)
			f.cfg.Strategy = StrategyPool
			f.cfg.Workers = 2
			f.cfg.BatchSize = tt.batchSize
			f.chain.SendErr = func(tx *types.Transaction) error {
				if tx.Nonce() == tt.rejectNonce {
					return &rpc.RPCError{Code: -32000, Message: "nonce too low"}
				}
				return nil
			}

			d, err := New(f.cfg)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if d.Sent() != 0 || d.Failed() != 0 {
				t.Fatalf("counters before run = %d/%d", d.Sent(), d.Failed())
			}
			res, err := d.Run(context.Background(), 10)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}

			if d.Sent() != tt.wantSent || d.Failed() != tt.wantFailed {
				t.Errorf("Sent()/Failed() = %d/%d, want %d/%d", d.Sent(), d.Failed(), tt.wantSent, tt.wantFailed)
			}
			if d.Sent() != uint64(len(res.Hashes)) || d.Failed() != uint64(len(res.Failures)) {
				t.Errorf("counters %d/%d disagree with result %d/%d", d.Sent(), d.Failed(), len(res.Hashes), len(res.Failures))
			}
		})
	}
}

type failingSigner struct{}

func (failingSigner) Sign(*types.Transaction, *ecdsa.PrivateKey) (*types.Transaction, error) {
	return nil, errors.New("key rejected")
}

func TestDispatcherSigningFailure(t *testing.T) {
	f := newFixture(t, 2)
	f.cfg.Strategy = StrategyAccounts
	f.cfg.Factory = txbuilder.NewFactory(txbuilder.NewStorageSetBuilder(testContract), failingSigner{}, txbuilder.ChainParams{})

	res := f.run(t, 6)

	if len(res.Hashes) != 0 || len(res.Failures) != 6 {
		t.Fatalf("hashes=%d failures=%d, want 0/6", len(res.Hashes), len(res.Failures))
	}
	for _, err := range res.Failures {
		var se *txbuilder.SigningError
		if !errors.As(err, &se) {
			t.Errorf("failure = %v, want *txbuilder.SigningError", err)
		}
	}
}

func TestDispatcherBatches(t *testing.T) {
	f := newFixture(t, 1)
	f.cfg.Strategy = StrategyPool
	f.cfg.Workers = 4
	f.cfg.BatchSize = 10

	res := f.run(t, 95)

	if len(res.Hashes) != 95 || res.Incomplete != 0 {
		t.Errorf("hashes=%d incomplete=%d, want 95/0", len(res.Hashes), res.Incomplete)
	}
	if f.chain.Batches() != 10 {
		t.Errorf("batches = %d, want 10", f.chain.Batches())
	}
	f.assertGapFree(t)
}

func TestDispatcherBatchFailureNotRetried(t *testing.T) {
	f := newFixture(t, 1)
	f.cfg.Strategy = StrategyPerTx
	f.cfg.BatchSize = 10
	f.chain.BatchErr = func(size int) error {
		if size == 5 {
			return errors.New("connection reset by peer")
		}
		return nil
	}

	res := f.run(t, 25)

	if len(res.Hashes) != 20 {
		t.Errorf("hashes = %d, want 20", len(res.Hashes))
	}
	if res.Incomplete != 5 || len(res.Failures) != 5 {
		t.Errorf("incomplete=%d failures=%d, want 5/5", res.Incomplete, len(res.Failures))
	}
	if f.chain.Batches() != 3 {
		t.Errorf("batches = %d, want 3 (no retry)", f.chain.Batches())
	}
	for _, err := range res.Failures {
		var be *sender.BroadcastError
		if !errors.As(err, &be) {
			t.Errorf("failure = %v, want *sender.BroadcastError", err)
		}
	}
}

func TestDispatcherBatchItemRejected(t *testing.T) {
	f := newFixture(t, 2)
	f.cfg.Strategy = StrategyAccounts
	f.cfg.BatchSize = 4
	f.chain.SendErr = func(tx *types.Transaction) error {
		if tx.Nonce() == 1 {
			return &rpc.RPCError{Code: -32000, Message: "underpriced"}
		}
		return nil
	}

	res := f.run(t, 8)

	// Nonce 1 of both accounts is rejected.
	if len(res.Hashes) != 6 || res.Incomplete != 2 {
		t.Errorf("hashes=%d incomplete=%d, want 6/2", len(res.Hashes), res.Incomplete)
	}
	if res.Attempted() != 8 {
		t.Errorf("Attempted() = %d, want 8", res.Attempted())
	}
}

func TestDispatcherProgress(t *testing.T) {
	f := newFixture(t, 1)
	f.cfg.Strategy = StrategyPool
	f.cfg.BatchSize = 7
	var done atomic.Int64
	f.cfg.Progress = func(n int) { done.Add(int64(n)) }

	f.run(t, 50)

	if got := done.Load(); got != 50 {
		t.Errorf("progress = %d, want 50", got)
	}
}

func TestDispatcherRateLimit(t *testing.T) {
	f := newFixture(t, 1)
	f.cfg.Strategy = StrategyPool
	f.cfg.Workers = 8
	f.cfg.MaxRate = 500

	res := f.run(t, 26)

	// 26 tokens at 500/s with a burst of one take at least 50ms.
	if res.Elapsed < 40*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 40ms", res.Elapsed)
	}
	if len(res.Hashes) != 26 {
		t.Errorf("hashes = %d, want 26", len(res.Hashes))
	}
}

func TestDispatcherCanceled(t *testing.T) {
	f := newFixture(t, 1)
	f.cfg.Strategy = StrategyPool
	d, err := New(f.cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := d.Run(ctx, 30)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if res.Attempted() != 30 {
		t.Errorf("Attempted() = %d, want 30", res.Attempted())
	}
	if len(res.Hashes) != 0 {
		t.Errorf("hashes = %d, want 0", len(res.Hashes))
	}
}

func TestDispatcherZeroCount(t *testing.T) {
	f := newFixture(t, 1)
	res := f.run(t, 0)
	if res.Attempted() != 0 || f.chain.Sent() != 0 {
		t.Errorf("attempted=%d sent=%d, want 0/0", res.Attempted(), f.chain.Sent())
	}
}

func TestNewValidation(t *testing.T) {
	f := newFixture(t, 1)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no accounts", func(c *Config) { c.Accounts = nil }},
		{"no factory", func(c *Config) { c.Factory = nil }},
		{"no sender", func(c *Config) { c.Sender = nil }},
		{"bad strategy", func(c *Config) { c.Strategy = "threaded3" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := f.cfg
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"per-tx", StrategyPerTx, false},
		{"threaded1", StrategyPerTx, false},
		{"pool", StrategyPool, false},
		{"threaded2", StrategyPool, false},
		{"Threaded2", StrategyPool, false},
		{"accounts", StrategyAccounts, false},
		{"sequential", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrategy(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseStrategy(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseStrategy(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}
