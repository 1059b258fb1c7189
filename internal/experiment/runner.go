package experiment

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gateway-fm/chainhammer/internal/dispatch"
	"github.com/gateway-fm/chainhammer/pkg/types"
)

// ErrRunInProgress is returned by Start while a run is still active.
var ErrRunInProgress = errors.New("a run is already in progress")

// Runner runs one sender run at a time in the background for the HTTP API.
type Runner struct {
	sender *Sender
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state types.RunState
	done  chan struct{}
}

// NewRunner creates a Runner. Runs are canceled when ctx is done or Stop is called.
func NewRunner(ctx context.Context, s *Sender, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Runner{
		sender: s,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		state:  types.RunState{Status: types.StatusIdle},
	}

	prev := s.cfg.OnStatus
	s.cfg.OnStatus = func(st types.RunStatus) {
		r.mu.Lock()
		r.state.Status = st
		r.mu.Unlock()
		if prev != nil {
			prev(st)
		}
	}
	return r
}

// Start begins a run described by req.
func (r *Runner) Start(req types.RunRequest) error {
	strategy, err := dispatch.ParseStrategy(req.Strategy)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.done != nil {
		select {
		case <-r.done:
		default:
			r.mu.Unlock()
			return ErrRunInProgress
		}
	}
	r.state = types.RunState{
		Status:    types.StatusInitializing,
		Count:     req.Count,
		Strategy:  string(strategy),
		StartedAt: time.Now(),
	}
	done := make(chan struct{})
	r.done = done
	r.mu.Unlock()

	opts := RunOptions{Count: req.Count, Strategy: strategy, Workers: req.Workers, BatchSize: req.BatchSize}
	go func() {
		defer close(done)
		report, err := r.sender.Run(r.ctx, opts)

		r.mu.Lock()
		defer r.mu.Unlock()
		if report != nil && report.Dispatch != nil {
			r.state.Sent = len(report.Dispatch.Hashes)
			r.state.Failed = len(report.Dispatch.Failures)
		}
		if err != nil {
			r.state.Error = err.Error()
			r.logger.Error("Run failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// State returns the current run state with live progress while sending.
func (r *Runner) State() types.RunState {
	r.mu.Lock()
	st := r.state
	r.mu.Unlock()

	if st.Status == types.StatusSending {
		sent, failed := r.sender.Progress()
		st.Sent, st.Failed = int(sent), int(failed)
	}
	return st
}

// Wait blocks until the current run, if any, has finished.
func (r *Runner) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Stop cancels any active run and waits for it.
func (r *Runner) Stop() {
	r.cancel()
	r.Wait()
}
