package verification

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/chainhammer/internal/metrics"
)

// Defaults.
const (
	DefaultSampleSize    = 100
	DefaultSampleTimeout = 300 * time.Second
)

// Verdict classifies a run from a random sample of its receipts. It is a
// statistical signal, not a verification of every transaction.
type Verdict struct {
	Population int
	Requested  int
	Received   int
	Reverted   []common.Hash // receipts with status 0
	Missing    []common.Hash // no receipt before the timeout
}

// Passed reports whether every requested receipt arrived and succeeded.
func (v Verdict) Passed() bool {
	return v.Received == v.Requested && len(v.Reverted) == 0
}

func (v Verdict) String() string {
	status := "passed"
	if !v.Passed() {
		status = "failed"
	}
	return fmt.Sprintf("%s: %d/%d receipts from %d txs, %d reverted, %d missing",
		status, v.Received, v.Requested, v.Population, len(v.Reverted), len(v.Missing))
}

// SamplerConfig configures a Sampler.
type SamplerConfig struct {
	Fetcher *Fetcher
	Source  rand.Source // nil selects a randomly seeded PCG
	Metrics *metrics.PrometheusMetrics
	Logger  *slog.Logger
}

// Sampler checks a uniform random sample of a run's transactions.
type Sampler struct {
	fetcher *Fetcher
	metrics *metrics.PrometheusMetrics
	logger  *slog.Logger

	mu  sync.Mutex // guards rng
	rng *rand.Rand
}

// NewSampler creates a Sampler.
func NewSampler(cfg SamplerConfig) *Sampler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	src := cfg.Source
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Sampler{
		fetcher: cfg.Fetcher,
		metrics: cfg.Metrics,
		logger:  logger,
		rng:     rand.New(src),
	}
}

// Sample draws min(size, len(hashes)) distinct hashes uniformly at random.
func (s *Sampler) Sample(hashes []common.Hash, size int) []common.Hash {
	n := min(max(size, 0), len(hashes))
	pool := make([]common.Hash, len(hashes))
	copy(pool, hashes)

	s.mu.Lock()
	defer s.mu.Unlock()
	// Partial Fisher-Yates: the first n slots end up a uniform sample.
	for i := range n {
		j := i + s.rng.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:n]
}

// Check samples size hashes, fetches their receipts within timeout and
// classifies the run.
func (s *Sampler) Check(ctx context.Context, hashes []common.Hash, size int, timeout time.Duration) Verdict {
	sample := s.Sample(hashes, size)

	s.logger.Info("Sampling transaction receipts",
		slog.Int("population", len(hashes)),
		slog.Int("sample_size", len(sample)),
		slog.Duration("timeout", timeout),
	)

	receipts := s.fetcher.FetchAll(ctx, sample, timeout)

	v := Verdict{
		Population: len(hashes),
		Requested:  len(sample),
		Received:   len(receipts),
	}
	for _, h := range sample {
		receipt, ok := receipts[h]
		switch {
		case !ok:
			v.Missing = append(v.Missing, h)
		case !receipt.Succeeded():
			v.Reverted = append(v.Reverted, h)
		}
	}

	if s.metrics != nil {
		s.metrics.RecordSample(v.Passed())
	}
	if v.Passed() {
		s.logger.Info("Receipt sample passed", slog.String("verdict", v.String()))
	} else {
		s.logger.Warn("Receipt sample failed", slog.String("verdict", v.String()))
	}
	return v
}
