// Package txbuilder provides transaction building and signing for the hammer.
package txbuilder

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	ptypes "github.com/gateway-fm/chainhammer/pkg/types"
)

// TxParams holds parameters for building a transaction.
type TxParams struct {
	ChainID   *big.Int
	Nonce     uint64
	GasLimit  uint64 // zero selects the builder's default
	GasTipCap *big.Int
	GasFeeCap *big.Int
	UseLegacy bool   // Use legacy (type 0) transactions; GasFeeCap becomes the gas price
	Arg       uint64 // per-transaction argument, the transaction index in a run
}

// Builder builds unsigned transactions of one type.
type Builder interface {
	// Type returns the transaction type identifier.
	Type() ptypes.TransactionType

	// GasLimit returns the default gas limit for this tx type.
	GasLimit() uint64

	// Build creates a transaction.
	Build(params TxParams) (*types.Transaction, error)
}

// Registry manages builder lookup by type.
type Registry struct {
	builders map[ptypes.TransactionType]Builder
}

// NewRegistry creates a new builder registry.
func NewRegistry() *Registry {
	return &Registry{
		builders: make(map[ptypes.TransactionType]Builder),
	}
}

// Register adds a builder to the registry.
func (r *Registry) Register(builder Builder) {
	r.builders[builder.Type()] = builder
}

// Get returns a builder for the given type.
func (r *Registry) Get(txType ptypes.TransactionType) (Builder, error) {
	builder, ok := r.builders[txType]
	if !ok {
		return nil, fmt.Errorf("unknown transaction type: %s", txType)
	}
	return builder, nil
}

// Types returns the registered types in lexical order.
func (r *Registry) Types() []ptypes.TransactionType {
	out := make([]ptypes.TransactionType, 0, len(r.builders))
	for t := range r.builders {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewDefaultRegistry creates a registry with all standard builders. The storage
// contract receives set() calls; transfers go to recipient.
func NewDefaultRegistry(contract, recipient common.Address) *Registry {
	r := NewRegistry()

	r.Register(NewStorageSetBuilder(contract))
	r.Register(NewETHTransferBuilder(recipient))

	return r
}

func checkChainID(chainID *big.Int) error {
	if chainID == nil || chainID.Sign() == 0 {
		return fmt.Errorf("ChainID must be non-nil and non-zero")
	}
	return nil
}

func gasLimit(params TxParams, def uint64) uint64 {
	if params.GasLimit > 0 {
		return params.GasLimit
	}
	return def
}
