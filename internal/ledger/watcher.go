package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Watcher detects the sender finishing an experiment. It remembers the record
// version seen when it was created; a later version that carries a send
// section ends the experiment. A version without one (the sender's reset)
// only moves the reference point.
type Watcher struct {
	ledger *Ledger

	mu     sync.Mutex
	marker Marker
}

// NewWatcher captures the record's current version.
func (l *Ledger) NewWatcher() (*Watcher, error) {
	m, err := l.Fingerprint()
	if err != nil {
		return nil, err
	}
	return &Watcher{ledger: l, marker: m}, nil
}

// Finished reports the terminal block once the sender has written its
// final record.
func (w *Watcher) Finished(ctx context.Context) (uint64, bool, error) {
	current, err := w.ledger.Fingerprint()
	if err != nil {
		return 0, false, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !current.Changed(w.marker) {
		return 0, false, nil
	}

	rec, err := w.ledger.Read()
	if err != nil {
		return 0, false, err
	}
	w.marker = current
	if rec.Send == nil {
		w.ledger.logger.Info("Experiment record changed without send section, still waiting",
			slog.String("path", w.ledger.path))
		return 0, false, nil
	}
	return rec.Send.BlockLast, true, nil
}

// WaitStart blocks until the sender resets the record, then uses the reset
// version as the reference point.
func (w *Watcher) WaitStart(ctx context.Context, interval time.Duration) error {
	w.ledger.logger.Info("Waiting for the sender to start", slog.String("path", w.ledger.path))
	for {
		current, err := w.ledger.Fingerprint()
		if err != nil {
			return err
		}

		w.mu.Lock()
		changed := current.Changed(w.marker)
		w.mu.Unlock()

		if changed {
			rec, err := w.ledger.Read()
			if err != nil {
				return err
			}
			w.mu.Lock()
			w.marker = current
			w.mu.Unlock()
			if rec.Send == nil {
				w.ledger.logger.Info("Sender started")
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
