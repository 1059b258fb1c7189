// Package sender broadcasts signed transactions with backpressure.
package sender

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gateway-fm/chainhammer/internal/rpc"
	"github.com/gateway-fm/chainhammer/internal/txbuilder"
)

// BroadcastError reports a transaction the node did not accept. It only
// affects that transaction.
type BroadcastError struct {
	Hash  common.Hash
	From  common.Address
	Nonce uint64
	Err   error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast tx %s (from %s nonce %d): %v", e.Hash.Hex(), e.From.Hex(), e.Nonce, e.Err)
}

func (e *BroadcastError) Unwrap() error {
	return e.Err
}

// BatchItem is the outcome of one transaction in a batch broadcast.
type BatchItem struct {
	Hash common.Hash
	Err  error // *BroadcastError when the node rejected the item
}

// Sender broadcasts transactions with semaphore-based backpressure.
type Sender struct {
	client    rpc.Client
	semaphore chan struct{}
	logger    *slog.Logger
}

// Config for creating a Sender.
type Config struct {
	Client      rpc.Client
	Concurrency int // Max concurrent RPC requests (default: 500)
	Logger      *slog.Logger
}

// New creates a new Sender.
func New(cfg Config) *Sender {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 500
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sender{
		client:    cfg.Client,
		semaphore: make(chan struct{}, concurrency),
		logger:    logger,
	}
}

func (s *Sender) acquire(ctx context.Context) error {
	select {
	case s.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sender) release() {
	<-s.semaphore
}

// Send broadcasts one transaction and returns the identifier the node assigned.
// Node rejections and transport failures are returned as *BroadcastError.
func (s *Sender) Send(ctx context.Context, tx *txbuilder.SignedTx) (common.Hash, error) {
	if err := s.acquire(ctx); err != nil {
		return common.Hash{}, &BroadcastError{Hash: tx.Hash, From: tx.From, Nonce: tx.Nonce, Err: err}
	}
	defer s.release()

	hash, err := s.client.SendRawTransaction(ctx, tx.Raw)
	if err != nil {
		return common.Hash{}, &BroadcastError{Hash: tx.Hash, From: tx.From, Nonce: tx.Nonce, Err: err}
	}
	return hash, nil
}

// SendBatch broadcasts txs in one JSON-RPC batch request. It returns one item
// per input, in input order. An error means the whole batch failed and no item
// can be assumed accepted. Batches are never retried.
func (s *Sender) SendBatch(ctx context.Context, txs []*txbuilder.SignedTx) ([]BatchItem, error) {
	if len(txs) == 0 {
		return nil, nil
	}
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	calls := make([]rpc.BatchRequest, len(txs))
	for i, tx := range txs {
		calls[i] = rpc.BatchRequest{
			Method: "eth_sendRawTransaction",
			Params: []interface{}{hexutil.Encode(tx.Raw)},
		}
	}

	resps, err := s.client.BatchCall(ctx, calls)
	if err != nil {
		return nil, fmt.Errorf("batch of %d: %w", len(txs), err)
	}
	if len(resps) != len(txs) {
		return nil, fmt.Errorf("batch of %d: got %d responses", len(txs), len(resps))
	}

	items := make([]BatchItem, len(txs))
	rejected := 0
	for i, resp := range resps {
		tx := txs[i]
		if resp.Error != nil {
			items[i] = BatchItem{Err: &BroadcastError{Hash: tx.Hash, From: tx.From, Nonce: tx.Nonce, Err: resp.Error}}
			rejected++
			continue
		}
		hash, err := rpc.ParseHash(resp.Result)
		if err != nil {
			items[i] = BatchItem{Err: &BroadcastError{Hash: tx.Hash, From: tx.From, Nonce: tx.Nonce, Err: err}}
			rejected++
			continue
		}
		items[i] = BatchItem{Hash: hash}
	}

	if rejected > 0 {
		s.logger.Debug("batch items rejected",
			slog.Int("batch_size", len(txs)),
			slog.Int("rejected", rejected),
		)
	}
	return items, nil
}

// Available returns the number of available send slots.
func (s *Sender) Available() int {
	return cap(s.semaphore) - len(s.semaphore)
}

// Capacity returns the total send capacity.
func (s *Sender) Capacity() int {
	return cap(s.semaphore)
}

// InFlight returns the number of requests currently being sent.
func (s *Sender) InFlight() int {
	return len(s.semaphore)
}
