// Package ledger reads and writes the experiment record shared by the sender
// and the watcher. The file is their only channel: the sender resets it at
// the start of a run and rewrites it when the run has settled, and the watcher
// treats a content or mtime change as the end of the experiment.
package ledger

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"
)

// DefaultPath is the record file name used when none is configured.
const DefaultPath = "last-experiment.json"

// Record keys.
const (
	KeySend = "send"
	KeyNode = "node"
	KeyTPS  = "tps"
)

// SendSection describes the sending phase.
type SendSection struct {
	BlockFirst          uint64 `json:"block_first"`
	BlockLast           uint64 `json:"block_last"`
	EmptyBlocks         int    `json:"empty_blocks"`
	NumTxs              int    `json:"num_txs"`
	SampleTxsSuccessful bool   `json:"sample_txs_successful"`
}

// NodeSection identifies the benchmarked node.
type NodeSection struct {
	RPCAddress  string `json:"rpc_address"`
	NodeVersion string `json:"node_version"`
}

// TPSSection is added by the watcher once it has finalized.
type TPSSection struct {
	PeakTPSAverage  float64 `json:"peak_tps_average"`
	FinalTPSAverage float64 `json:"final_tps_average"`
	StartEpochTime  float64 `json:"start_epoch_time"`
}

// Record is the typed view of the experiment record. Any section may be absent.
type Record struct {
	Send *SendSection `json:"send,omitempty"`
	Node *NodeSection `json:"node,omitempty"`
	TPS  *TPSSection  `json:"tps,omitempty"`
}

// Ledger owns one record file.
type Ledger struct {
	path   string
	logger *slog.Logger
}

// New returns a ledger for path.
func New(path string, logger *slog.Logger) *Ledger {
	if path == "" {
		path = DefaultPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{path: path, logger: logger}
}

// Path returns the record file path.
func (l *Ledger) Path() string {
	return l.path
}

// Reset clears the record to an empty object.
func (l *Ledger) Reset() error {
	if err := l.writeRaw(map[string]json.RawMessage{}); err != nil {
		return fmt.Errorf("reset experiment record: %w", err)
	}
	l.logger.Info("Experiment record reset", slog.String("path", l.path))
	return nil
}

// WriteSend overwrites the record with the sender's final statistics.
func (l *Ledger) WriteSend(send SendSection, node NodeSection) error {
	rec := Record{Send: &send, Node: &node}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode experiment record: %w", err)
	}
	if err := l.writeFile(data); err != nil {
		return fmt.Errorf("write experiment record: %w", err)
	}
	l.logger.Info("Experiment record written",
		slog.String("path", l.path),
		slog.Uint64("block_first", send.BlockFirst),
		slog.Uint64("block_last", send.BlockLast),
		slog.Int("num_txs", send.NumTxs),
		slog.Bool("sample_txs_successful", send.SampleTxsSuccessful),
	)
	return nil
}

// Read returns the typed record. A missing file reads as an empty record.
func (l *Ledger) Read() (*Record, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read experiment record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode experiment record %s: %w", l.path, err)
	}
	return &rec, nil
}

// ReadRaw returns the record as generic JSON, keeping keys this package does
// not know about.
func (l *Ledger) ReadRaw() (map[string]any, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read experiment record: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode experiment record %s: %w", l.path, err)
	}
	return out, nil
}

// MergeTPS adds the tps section, preserving every other key in the record.
// Values are rounded to one decimal.
func (l *Ledger) MergeTPS(tps TPSSection) error {
	raw, err := l.readRawMessages()
	if err != nil {
		return err
	}

	tps.PeakTPSAverage = Round1(tps.PeakTPSAverage)
	tps.FinalTPSAverage = Round1(tps.FinalTPSAverage)
	encoded, err := json.Marshal(tps)
	if err != nil {
		return fmt.Errorf("encode tps section: %w", err)
	}
	raw[KeyTPS] = encoded

	if err := l.writeRaw(raw); err != nil {
		return fmt.Errorf("merge tps into experiment record: %w", err)
	}
	l.logger.Info("TPS merged into experiment record",
		slog.String("path", l.path),
		slog.Float64("peak_tps_average", tps.PeakTPSAverage),
		slog.Float64("final_tps_average", tps.FinalTPSAverage),
	)
	return nil
}

func (l *Ledger) readRawMessages() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read experiment record: %w", err)
	}
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode experiment record %s: %w", l.path, err)
	}
	return raw, nil
}

func (l *Ledger) writeRaw(raw map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	return l.writeFile(data)
}

// writeFile replaces the record atomically so a concurrent reader never sees
// a partial document.
func (l *Ledger) writeFile(data []byte) error {
	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(l.path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, l.path)
}

// Marker identifies one version of the record file.
type Marker struct {
	Exists  bool
	Hash    [sha256.Size]byte
	ModTime time.Time
}

// Changed reports whether other is a different version of the file. The
// content hash catches rewrites within the filesystem's mtime resolution.
func (m Marker) Changed(other Marker) bool {
	return m.Exists != other.Exists || m.Hash != other.Hash || !m.ModTime.Equal(other.ModTime)
}

// Fingerprint captures the current version of the record file.
func (l *Ledger) Fingerprint() (Marker, error) {
	info, err := os.Stat(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Marker{}, nil
	}
	if err != nil {
		return Marker{}, fmt.Errorf("stat experiment record: %w", err)
	}
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Marker{}, nil
	}
	if err != nil {
		return Marker{}, fmt.Errorf("read experiment record: %w", err)
	}
	return Marker{Exists: true, Hash: sha256.Sum256(data), ModTime: info.ModTime()}, nil
}

// Round1 rounds v to one decimal place.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}
