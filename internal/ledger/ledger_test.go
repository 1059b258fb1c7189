package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "last-experiment.json"), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var testSend = SendSection{BlockFirst: 500, BlockLast: 509, EmptyBlocks: 0, NumTxs: 1000, SampleTxsSuccessful: true}
var testNode = NodeSection{RPCAddress: "http://localhost:8545", NodeVersion: "Geth/v1.14.0"}

func TestReset(t *testing.T) {
	l := newTestLedger(t)
	if err := l.WriteSend(testSend, testNode); err != nil {
		t.Fatal(err)
	}
	if err := l.Reset(); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}

	raw, err := l.ReadRaw()
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 0 {
		t.Errorf("record after reset = %v, want {}", raw)
	}
}

func TestWriteSendRead(t *testing.T) {
	l := newTestLedger(t)
	if err := l.WriteSend(testSend, testNode); err != nil {
		t.Fatalf("WriteSend() error: %v", err)
	}

	rec, err := l.Read()
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if rec.Send == nil || *rec.Send != testSend {
		t.Errorf("send = %+v, want %+v", rec.Send, testSend)
	}
	if rec.Node == nil || *rec.Node != testNode {
		t.Errorf("node = %+v, want %+v", rec.Node, testNode)
	}
	if rec.TPS != nil {
		t.Errorf("tps = %+v, want absent", rec.TPS)
	}

	raw, _ := l.ReadRaw()
	send := raw[KeySend].(map[string]any)
	if send["block_last"].(float64) != 509 || send["sample_txs_successful"] != true {
		t.Errorf("wire send section = %v", send)
	}
}

func TestReadMissingFile(t *testing.T) {
	l := newTestLedger(t)
	rec, err := l.Read()
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if rec.Send != nil || rec.Node != nil || rec.TPS != nil {
		t.Errorf("record = %+v, want empty", rec)
	}
}

func TestReadMalformed(t *testing.T) {
	l := newTestLedger(t)
	if err := os.WriteFile(l.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Read(); err == nil {
		t.Error("expected decode error")
	}
}

func TestMergeTPSPreservesKeys(t *testing.T) {
	l := newTestLedger(t)
	doc := `{"send":{"block_first":1,"block_last":2,"empty_blocks":0,"num_txs":3,"sample_txs_successful":true},"operator":"alice","extra":{"a":1}}`
	if err := os.WriteFile(l.Path(), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	err := l.MergeTPS(TPSSection{PeakTPSAverage: 55.04, FinalTPSAverage: 29.96, StartEpochTime: 1700000000.5})
	if err != nil {
		t.Fatalf("MergeTPS() error: %v", err)
	}

	raw, err := l.ReadRaw()
	if err != nil {
		t.Fatal(err)
	}
	if raw["operator"] != "alice" {
		t.Errorf("operator = %v, want preserved", raw["operator"])
	}
	if _, ok := raw["extra"].(map[string]any); !ok {
		t.Errorf("extra = %v, want preserved", raw["extra"])
	}

	rec, _ := l.Read()
	if rec.Send == nil || rec.Send.NumTxs != 3 {
		t.Errorf("send = %+v, want preserved", rec.Send)
	}
	want := TPSSection{PeakTPSAverage: 55.0, FinalTPSAverage: 30.0, StartEpochTime: 1700000000.5}
	if rec.TPS == nil || *rec.TPS != want {
		t.Errorf("tps = %+v, want %+v", rec.TPS, want)
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	l := newTestLedger(t)
	for range 5 {
		if err := l.WriteSend(testSend, testNode); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(filepath.Dir(l.Path()))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory = %v, want only the record", names)
	}
}

func TestRound1(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{29.96, 30.0},
		{55.04, 55.0},
		{12.36, 12.4},
		{-1.26, -1.3},
	}
	for _, tt := range tests {
		if got := Round1(tt.in); got != tt.want {
			t.Errorf("Round1(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMarkerChanged(t *testing.T) {
	l := newTestLedger(t)

	missing, err := l.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	if missing.Exists {
		t.Fatal("missing file reported as existing")
	}

	if err := l.Reset(); err != nil {
		t.Fatal(err)
	}
	reset, _ := l.Fingerprint()
	if !reset.Changed(missing) {
		t.Error("creating the file should change the marker")
	}

	again, _ := l.Fingerprint()
	if again.Changed(reset) {
		t.Error("unchanged file reported as changed")
	}

	// Same content, same mtime: only a hash change can be detected.
	if err := l.WriteSend(testSend, testNode); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(l.Path(), reset.ModTime, reset.ModTime); err != nil {
		t.Fatal(err)
	}
	rewritten, _ := l.Fingerprint()
	if !rewritten.Changed(reset) {
		t.Error("content change with identical mtime not detected")
	}
}

func TestWatcherFinished(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	if err := l.WriteSend(SendSection{BlockLast: 100}, testNode); err != nil {
		t.Fatal(err)
	}

	w, err := l.NewWatcher()
	if err != nil {
		t.Fatal(err)
	}

	// The previous experiment's record does not end this one.
	if _, done, err := w.Finished(ctx); err != nil || done {
		t.Fatalf("Finished() = %v, %v before any change", done, err)
	}

	// A reset moves the reference point but is not a finish.
	if err := l.Reset(); err != nil {
		t.Fatal(err)
	}
	if _, done, err := w.Finished(ctx); err != nil || done {
		t.Fatalf("Finished() = %v, %v after reset", done, err)
	}
	if _, done, _ := w.Finished(ctx); done {
		t.Fatal("reset reported twice")
	}

	if err := l.WriteSend(testSend, testNode); err != nil {
		t.Fatal(err)
	}
	last, done, err := w.Finished(ctx)
	if err != nil {
		t.Fatalf("Finished() error: %v", err)
	}
	if !done || last != testSend.BlockLast {
		t.Errorf("Finished() = %d, %v, want %d, true", last, done, testSend.BlockLast)
	}
}

func TestWatcherFinishedMalformed(t *testing.T) {
	l := newTestLedger(t)
	w, err := l.NewWatcher()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(l.Path(), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := w.Finished(context.Background()); err == nil {
		t.Error("expected decode error")
	}
}

func TestWatcherWaitStart(t *testing.T) {
	l := newTestLedger(t)
	if err := l.WriteSend(SendSection{BlockLast: 100}, testNode); err != nil {
		t.Fatal(err)
	}
	w, err := l.NewWatcher()
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = l.Reset()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.WaitStart(ctx, 2*time.Millisecond); err != nil {
		t.Fatalf("WaitStart() error: %v", err)
	}

	if _, done, _ := w.Finished(ctx); done {
		t.Error("reset observed by WaitStart reported as finish")
	}
}

func TestWatcherWaitStartCanceled(t *testing.T) {
	l := newTestLedger(t)
	w, err := l.NewWatcher()
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := w.WaitStart(ctx, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
}

func TestSectionsWireNames(t *testing.T) {
	data, err := json.Marshal(TPSSection{PeakTPSAverage: 1, FinalTPSAverage: 2, StartEpochTime: 3})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"peak_tps_average":1,"final_tps_average":2,"start_epoch_time":3}`
	if string(data) != want {
		t.Errorf("tps section = %s, want %s", data, want)
	}
}
