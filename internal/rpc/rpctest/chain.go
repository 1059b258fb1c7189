// Package rpctest provides an in-memory chain implementing rpc.Client for tests.
package rpctest

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/chainhammer/internal/rpc"
)

// DefaultBalance is the balance of every address the chain has not seen funded.
var DefaultBalance = new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))

// ErrAlreadyKnown is returned when a (sender, nonce) pair is submitted twice.
var ErrAlreadyKnown = &rpc.RPCError{Code: -32000, Message: "already known"}

type block struct {
	number    uint64
	timestamp uint64
	txs       []common.Hash
}

type pendingTx struct {
	tx   *types.Transaction
	from common.Address
}

// Chain is a deterministic single-node chain. Transactions are accepted into a
// pending pool and only become receipts when a block is mined.
type Chain struct {
	mu       sync.Mutex
	signer   types.Signer
	blocks   []*block
	pending  []pendingTx
	receipts map[common.Hash]*rpc.TransactionReceipt
	used     map[common.Address]map[uint64]bool
	pendingN map[common.Address]uint64
	minedN   map[common.Address]uint64
	balances map[common.Address]*big.Int

	sent       int
	duplicates int
	batches    int

	// OnBlockNumber runs before every eth_blockNumber answer, without the lock held.
	OnBlockNumber func(c *Chain)
	// SendErr, when set, can reject a transaction before it enters the pool.
	SendErr func(tx *types.Transaction) error
	// BatchErr, when set, fails a whole batch request.
	BatchErr func(size int) error
	// Revert marks a mined transaction as failed.
	Revert func(tx *types.Transaction) bool
	// MinePending makes a receipt lookup mine the pending pool first.
	MinePending bool
	// Version is reported by ClientVersion.
	Version string
}

var _ rpc.Client = (*Chain)(nil)

// NewChain creates a chain whose head is an empty block at number head.
func NewChain(chainID *big.Int, head, headTimestamp uint64) *Chain {
	return &Chain{
		signer:   types.LatestSignerForChainID(chainID),
		blocks:   []*block{{number: head, timestamp: headTimestamp}},
		receipts: make(map[common.Hash]*rpc.TransactionReceipt),
		used:     make(map[common.Address]map[uint64]bool),
		pendingN: make(map[common.Address]uint64),
		minedN:   make(map[common.Address]uint64),
		balances: make(map[common.Address]*big.Int),
		Version:  "rpctest/v1.0.0",
	}
}

func (c *Chain) head() *block {
	return c.blocks[len(c.blocks)-1]
}

// Head returns the latest block number.
func (c *Chain) Head() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head().number
}

// AddBlock appends a block holding txCount synthetic transactions.
func (c *Chain) AddBlock(txCount int, timestamp uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	number := c.head().number + 1
	b := &block{number: number, timestamp: timestamp, txs: make([]common.Hash, txCount)}
	for i := range txCount {
		var seed [16]byte
		binary.BigEndian.PutUint64(seed[:8], number)
		binary.BigEndian.PutUint64(seed[8:], uint64(i))
		b.txs[i] = crypto.Keccak256Hash(seed[:])
	}
	c.blocks = append(c.blocks, b)
	return number
}

// Mine moves the whole pending pool into a new block.
func (c *Chain) Mine(timestamp uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mineLocked(timestamp)
}

func (c *Chain) mineLocked(timestamp uint64) uint64 {
	number := c.head().number + 1
	b := &block{number: number, timestamp: timestamp, txs: make([]common.Hash, 0, len(c.pending))}
	for _, p := range c.pending {
		hash := p.tx.Hash()
		status := uint64(1)
		if c.Revert != nil && c.Revert(p.tx) {
			status = 0
		}
		c.receipts[hash] = &rpc.TransactionReceipt{
			TxHash:      hash.Hex(),
			Status:      status,
			GasUsed:     p.tx.Gas(),
			BlockNumber: number,
		}
		if p.tx.Nonce()+1 > c.minedN[p.from] {
			c.minedN[p.from] = p.tx.Nonce() + 1
		}
		if v := p.tx.Value(); v != nil && v.Sign() > 0 && p.tx.To() != nil {
			to := *p.tx.To()
			c.balances[to] = new(big.Int).Add(c.balanceLocked(to), v)
			c.balances[p.from] = new(big.Int).Sub(c.balanceLocked(p.from), v)
		}
		b.txs = append(b.txs, hash)
	}
	c.pending = nil
	c.blocks = append(c.blocks, b)
	return number
}

// Sent returns the number of transactions accepted into the pool.
func (c *Chain) Sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

// Duplicates returns how many submissions reused a (sender, nonce) pair.
func (c *Chain) Duplicates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duplicates
}

// Batches returns the number of batch requests served.
func (c *Chain) Batches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches
}

// Nonces returns the nonces accepted from addr, in no particular order.
func (c *Chain) Nonces(addr common.Address) []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, 0, len(c.used[addr]))
	for n := range c.used[addr] {
		out = append(out, n)
	}
	return out
}

// SetNonce sets the account's transaction count, as if it had sent n transactions.
func (c *Chain) SetNonce(addr common.Address, n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingN[addr] = n
	c.minedN[addr] = n
}

// SetBalance overrides an address balance.
func (c *Chain) SetBalance(addr common.Address, balance *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = new(big.Int).Set(balance)
}

func (c *Chain) balanceLocked(addr common.Address) *big.Int {
	if b, ok := c.balances[addr]; ok {
		return b
	}
	return DefaultBalance
}

// SendRawTransaction decodes, recovers the sender and pools the transaction.
func (c *Chain) SendRawTransaction(ctx context.Context, txRLP []byte) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(txRLP); err != nil {
		return common.Hash{}, &rpc.RPCError{Code: -32602, Message: "invalid transaction: " + err.Error()}
	}
	if c.SendErr != nil {
		if err := c.SendErr(tx); err != nil {
			return common.Hash{}, err
		}
	}
	from, err := types.Sender(c.signer, tx)
	if err != nil {
		return common.Hash{}, &rpc.RPCError{Code: -32000, Message: "invalid sender: " + err.Error()}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.used[from] == nil {
		c.used[from] = make(map[uint64]bool)
	}
	if c.used[from][tx.Nonce()] {
		c.duplicates++
		return common.Hash{}, ErrAlreadyKnown
	}
	c.used[from][tx.Nonce()] = true
	if tx.Nonce()+1 > c.pendingN[from] {
		c.pendingN[from] = tx.Nonce() + 1
	}
	c.pending = append(c.pending, pendingTx{tx: tx, from: from})
	c.sent++
	return tx.Hash(), nil
}

// GetTransactionCount answers "pending" from the pool and anything else from mined state.
func (c *Chain) GetTransactionCount(ctx context.Context, address string, blockTag string) (uint64, error) {
	addr := common.HexToAddress(address)
	c.mu.Lock()
	defer c.mu.Unlock()
	if blockTag == "pending" {
		return c.pendingN[addr], nil
	}
	return c.minedN[addr], nil
}

// GetBlockNumber returns the head after running OnBlockNumber.
func (c *Chain) GetBlockNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if c.OnBlockNumber != nil {
		c.OnBlockNumber(c)
	}
	return c.Head(), nil
}

// GetBlockByNumber returns nil for unknown blocks.
func (c *Chain) GetBlockByNumber(ctx context.Context, blockNum uint64) (*rpc.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	first := c.blocks[0].number
	if blockNum < first || blockNum > c.head().number {
		return nil, nil
	}
	b := c.blocks[blockNum-first]
	hashes := make([]string, len(b.txs))
	for i, h := range b.txs {
		hashes[i] = h.Hex()
	}
	return &rpc.Block{
		Number:       b.number,
		Transactions: hashes,
		Timestamp:    time.Unix(int64(b.timestamp), 0),
		TxCount:      len(b.txs),
	}, nil
}

// GetTransactionReceipt returns nil until the transaction is mined.
func (c *Chain) GetTransactionReceipt(ctx context.Context, txHash string) (*rpc.TransactionReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.MinePending && len(c.pending) > 0 {
		c.mineLocked(c.head().timestamp + 1)
	}
	r, ok := c.receipts[common.HexToHash(txHash)]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

// GetBalance returns the tracked balance or DefaultBalance.
func (c *Chain) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balanceLocked(common.HexToAddress(address))), nil
}

// ClientVersion returns Version.
func (c *Chain) ClientVersion(ctx context.Context) (string, error) {
	return c.Version, nil
}

// Call supports the methods the batch path needs.
func (c *Chain) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	switch method {
	case "eth_sendRawTransaction":
		if len(params) != 1 {
			return nil, &rpc.RPCError{Code: -32602, Message: "expected one param"}
		}
		raw, ok := params[0].(string)
		if !ok {
			return nil, &rpc.RPCError{Code: -32602, Message: "param must be a hex string"}
		}
		data, err := hexutil.Decode(raw)
		if err != nil {
			return nil, &rpc.RPCError{Code: -32602, Message: err.Error()}
		}
		hash, err := c.SendRawTransaction(ctx, data)
		if err != nil {
			return nil, err
		}
		return json.Marshal(hash.Hex())
	case "eth_blockNumber":
		n, err := c.GetBlockNumber(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(hexutil.EncodeUint64(n))
	}
	return nil, &rpc.RPCError{Code: -32601, Message: fmt.Sprintf("method %s not supported", method)}
}

// BatchCall runs each request through Call.
func (c *Chain) BatchCall(ctx context.Context, calls []rpc.BatchRequest) ([]rpc.BatchResponse, error) {
	c.mu.Lock()
	c.batches++
	c.mu.Unlock()

	if c.BatchErr != nil {
		if err := c.BatchErr(len(calls)); err != nil {
			return nil, err
		}
	}
	out := make([]rpc.BatchResponse, len(calls))
	for i, call := range calls {
		result, err := c.Call(ctx, call.Method, call.Params)
		if err != nil {
			var rpcErr *rpc.RPCError
			if !errors.As(err, &rpcErr) {
				return nil, err
			}
			out[i] = rpc.BatchResponse{Error: err}
			continue
		}
		out[i] = rpc.BatchResponse{Result: result}
	}
	return out, nil
}
