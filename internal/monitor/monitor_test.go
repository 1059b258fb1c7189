package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/gateway-fm/chainhammer/internal/rpc/rpctest"
	"github.com/gateway-fm/chainhammer/pkg/types"
)

// fakeClock fires every After immediately, advancing its time by the
// requested duration.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

// fakeSignal finishes on its nth check.
type fakeSignal struct {
	calls     int
	after     int
	blockLast uint64
	err       error
}

func (s *fakeSignal) Finished(ctx context.Context) (uint64, bool, error) {
	s.calls++
	if s.err != nil {
		return 0, false, s.err
	}
	if s.calls >= s.after {
		return s.blockLast, true, nil
	}
	return 0, false, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMonitor(t *testing.T, chain *rpctest.Chain, clock Clock, relax int) *Monitor {
	t.Helper()
	m, err := New(Config{
		Client:           chain,
		Clock:            clock,
		Interval:         time.Second,
		RelaxationRounds: relax,
		Logger:           quietLogger(),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return m
}

func TestSeriesNearest(t *testing.T) {
	s := NewSeries()
	s.Record(100, 5.0)
	s.Record(102, 7.0)
	s.Record(105, 9.0)

	tests := []struct {
		block uint64
		want  float64
	}{
		{100, 5.0},
		{102, 7.0},
		{101, 7.0},  // forward
		{103, 9.0},  // forward before backward
		{106, 9.0},  // backward
		{99, 5.0},   // forward from below
		{5000, 9.0}, // far above
	}
	for _, tt := range tests {
		got, err := s.Nearest(tt.block)
		if err != nil {
			t.Errorf("Nearest(%d) error: %v", tt.block, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Nearest(%d) = %v, want %v", tt.block, got, tt.want)
		}
	}
}

func TestSeriesNearestZeroValue(t *testing.T) {
	s := NewSeries()
	s.Record(10, 0)
	s.Record(12, 4)
	got, err := s.Nearest(10)
	if err != nil || got != 0 {
		t.Errorf("Nearest(10) = %v, %v, want 0 (a recorded zero is a match)", got, err)
	}
}

func TestSeriesNearestEmpty(t *testing.T) {
	_, err := NewSeries().Nearest(1)
	var ce *CodingError
	if !errors.As(err, &ce) {
		t.Errorf("error = %v, want *CodingError", err)
	}
}

func TestSeriesConcurrentRecord(t *testing.T) {
	s := NewSeries()
	var wg sync.WaitGroup
	for g := range 64 {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range 100 {
				s.Record(uint64(g*100+i), float64(i))
			}
		}(g)
	}
	wg.Wait()

	if s.Len() != 6400 {
		t.Errorf("Len() = %d, want 6400", s.Len())
	}
	blocks := s.Blocks()
	if blocks[0] != 0 || blocks[len(blocks)-1] != 6399 {
		t.Errorf("blocks span %d..%d, want 0..6399", blocks[0], blocks[len(blocks)-1])
	}
}

func TestPollExactValues(t *testing.T) {
	chain := rpctest.NewChain(big.NewInt(2019), 100, 1000)
	clock := newFakeClock()
	m := newTestMonitor(t, chain, clock, 1)
	ctx := context.Background()

	if err := m.Baseline(ctx); err != nil {
		t.Fatalf("Baseline() error: %v", err)
	}
	if m.State() != StatePolling {
		t.Fatalf("State() = %s, want polling", m.State())
	}

	type blk struct {
		txs int
		ts  uint64
	}
	steps := []struct {
		name        string
		blocks      []blk
		advance     time.Duration
		wantBlock   uint64
		wantNew     int
		wantCurrent float64
		wantTotal   int
		wantAverage float64
		wantPeak    float64
	}{
		{"first block, peak discarded", []blk{{10, 1002}}, 2 * time.Second, 101, 10, 5, 10, 5, 0},
		{"second block", []blk{{30, 1004}}, 2 * time.Second, 102, 30, 15, 40, 10, 10},
		{"zero interval", []blk{{20, 1004}}, time.Second, 103, 20, 0, 60, 12, 12},
		{"two blocks in one poll", []blk{{20, 1006}, {20, 1008}}, 3 * time.Second, 105, 40, 10, 100, 12.5, 12.5},
		{"empty block, peak holds", []blk{{0, 1010}}, 2 * time.Second, 106, 0, 0, 100, 10, 12.5},
	}

	for _, st := range steps {
		for _, b := range st.blocks {
			chain.AddBlock(b.txs, b.ts)
		}
		clock.Advance(st.advance)

		s, err := m.Poll(ctx)
		if err != nil {
			t.Fatalf("%s: Poll() error: %v", st.name, err)
		}
		if s == nil {
			t.Fatalf("%s: Poll() returned no sample", st.name)
		}
		if s.Block != st.wantBlock || s.NewTxs != st.wantNew || s.TotalTxs != st.wantTotal {
			t.Errorf("%s: block/new/total = %d/%d/%d, want %d/%d/%d", st.name,
				s.Block, s.NewTxs, s.TotalTxs, st.wantBlock, st.wantNew, st.wantTotal)
		}
		if s.TPSCurrent != st.wantCurrent {
			t.Errorf("%s: tps_current = %v, want %v", st.name, s.TPSCurrent, st.wantCurrent)
		}
		if s.TPSAverage != st.wantAverage {
			t.Errorf("%s: tps_average = %v, want %v", st.name, s.TPSAverage, st.wantAverage)
		}
		if want := float64(s.TotalTxs) / s.ElapsedSeconds; s.TPSAverage != want {
			t.Errorf("%s: tps_average = %v, want total/elapsed = %v", st.name, s.TPSAverage, want)
		}
		if s.PeakTPSAverage != st.wantPeak {
			t.Errorf("%s: peak = %v, want %v", st.name, s.PeakTPSAverage, st.wantPeak)
		}
		if v, ok := m.Series().Get(s.Block); !ok || v != s.TPSAverage {
			t.Errorf("%s: series[%d] = %v, %v", st.name, s.Block, v, ok)
		}
	}

	// Unchanged head yields no sample.
	s, err := m.Poll(ctx)
	if err != nil || s != nil {
		t.Errorf("Poll() on unchanged head = %v, %v, want nil, nil", s, err)
	}
}

func TestBaselineCountsHeadTxs(t *testing.T) {
	chain := rpctest.NewChain(big.NewInt(2019), 100, 1000)
	chain.AddBlock(6, 1001)
	clock := newFakeClock()
	m := newTestMonitor(t, chain, clock, -1)
	ctx := context.Background()

	if err := m.Baseline(ctx); err != nil {
		t.Fatal(err)
	}
	chain.AddBlock(4, 1003)
	clock.Advance(2 * time.Second)

	s, err := m.Poll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalTxs != 10 || s.TPSAverage != 5 || s.TPSCurrent != 2 {
		t.Errorf("sample = %+v, want total 10, average 5, current 2", s)
	}
	if s.PeakTPSAverage != 5 {
		t.Errorf("peak = %v, want 5 with relaxation disabled", s.PeakTPSAverage)
	}
}

func TestPeakMonotonicAfterRelaxation(t *testing.T) {
	chain := rpctest.NewChain(big.NewInt(2019), 0, 0)
	clock := newFakeClock()
	m := newTestMonitor(t, chain, clock, 0) // default window
	ctx := context.Background()
	if err := m.Baseline(ctx); err != nil {
		t.Fatal(err)
	}

	// Bursty feed: the average rises and falls.
	feed := []int{50, 0, 200, 10, 0, 300, 0, 0, 5, 120, 0, 0}
	var prev float64
	for i, txs := range feed {
		chain.AddBlock(txs, uint64(i+1))
		clock.Advance(time.Second)
		s, err := m.Poll(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if i < DefaultRelaxationRounds {
			if s.PeakTPSAverage != 0 {
				t.Errorf("iteration %d: peak = %v inside relaxation window", i, s.PeakTPSAverage)
			}
			continue
		}
		if s.PeakTPSAverage < prev {
			t.Errorf("iteration %d: peak decreased %v -> %v", i, prev, s.PeakTPSAverage)
		}
		if s.PeakTPSAverage < s.TPSAverage {
			t.Errorf("iteration %d: peak %v below average %v", i, s.PeakTPSAverage, s.TPSAverage)
		}
		prev = s.PeakTPSAverage
	}
}

func TestPollBeforeBaseline(t *testing.T) {
	chain := rpctest.NewChain(big.NewInt(2019), 0, 0)
	m := newTestMonitor(t, chain, newFakeClock(), 0)
	if _, err := m.Poll(context.Background()); err == nil {
		t.Error("expected error polling before baseline")
	}
}

func TestRun(t *testing.T) {
	chain := rpctest.NewChain(big.NewInt(2019), 200, 5000)
	ts := uint64(5000)
	chain.OnBlockNumber = func(c *rpctest.Chain) {
		ts++
		c.AddBlock(10, ts)
	}
	clock := newFakeClock()
	m := newTestMonitor(t, chain, clock, 1)

	var observed []types.TpsSample
	m.OnSample(func(s types.TpsSample) { observed = append(observed, s) })

	signal := &fakeSignal{after: 5, blockLast: 203}
	res, err := m.Run(context.Background(), signal)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	// The baseline read consumed block 201.
	if res.BaselineBlock != 201 {
		t.Errorf("BaselineBlock = %d, want 201", res.BaselineBlock)
	}
	if len(res.Samples) != 5 || len(observed) != 5 {
		t.Fatalf("samples = %d, observed = %d, want 5", len(res.Samples), len(observed))
	}
	// The baseline block carries 10 txs and every tick adds a block of 10 one
	// second later: block 203 is 30 txs over 2s. The first sample (20 TPS) is
	// inside the relaxation window, so the peak is the value at 203.
	if res.FinalTPSAverage != 15 {
		t.Errorf("FinalTPSAverage = %v, want 15 (value at block 203)", res.FinalTPSAverage)
	}
	if res.PeakTPSAverage != 15 {
		t.Errorf("PeakTPSAverage = %v, want 15", res.PeakTPSAverage)
	}
	if res.BlockLast != 203 {
		t.Errorf("BlockLast = %d, want 203", res.BlockLast)
	}
	if m.State() != StateDone {
		t.Errorf("State() = %s, want done", m.State())
	}
}

func TestRunSignalError(t *testing.T) {
	chain := rpctest.NewChain(big.NewInt(2019), 0, 0)
	m := newTestMonitor(t, chain, newFakeClock(), 0)
	wantErr := errors.New("disk gone")

	_, err := m.Run(context.Background(), &fakeSignal{err: wantErr})
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want %v", err, wantErr)
	}
}

func TestRunCanceled(t *testing.T) {
	chain := rpctest.NewChain(big.NewInt(2019), 0, 0)
	m := newTestMonitor(t, chain, newFakeClock(), 0)
	if err := m.Baseline(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Run(ctx, &fakeSignal{after: 1000})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestFinalizeWithoutBlocks(t *testing.T) {
	chain := rpctest.NewChain(big.NewInt(2019), 0, 0)
	m := newTestMonitor(t, chain, newFakeClock(), 0)
	if err := m.Baseline(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := m.Finalize(10)
	var ce *CodingError
	if !errors.As(err, &ce) {
		t.Errorf("error = %v, want *CodingError", err)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateAwaitingBaseline, "awaiting-baseline"},
		{StatePolling, "polling"},
		{StateFinalizing, "finalizing"},
		{StateDone, "done"},
		{State(9), "state(9)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
