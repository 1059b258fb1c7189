package txbuilder

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	ptypes "github.com/gateway-fm/chainhammer/pkg/types"
)

// DefaultStorageSetGas is the gas limit of a set(uint256) call.
const DefaultStorageSetGas = 50000

// Storage set function selector: set(uint256)
var storageSetSelector = crypto.Keccak256([]byte("set(uint256)"))[:4]

// encodeStorageSet encodes a set(uint256) call.
func encodeStorageSet(value *big.Int) []byte {
	if value.Sign() < 0 {
		panic("value must be non-negative")
	}
	data := make([]byte, 4+32)
	copy(data[0:4], storageSetSelector)
	value.FillBytes(data[4:36])
	return data
}

// StorageSetBuilder builds set(uint256) calls on the storage contract.
type StorageSetBuilder struct {
	contractAddress common.Address
}

// NewStorageSetBuilder creates a new storage set builder.
func NewStorageSetBuilder(contract common.Address) *StorageSetBuilder {
	return &StorageSetBuilder{contractAddress: contract}
}

// Type returns the transaction type identifier.
func (b *StorageSetBuilder) Type() ptypes.TransactionType {
	return ptypes.TxTypeStorageSet
}

// GasLimit returns the gas limit for a storage set.
func (b *StorageSetBuilder) GasLimit() uint64 {
	return DefaultStorageSetGas
}

// Build creates a set(arg) transaction.
func (b *StorageSetBuilder) Build(params TxParams) (*types.Transaction, error) {
	if err := checkChainID(params.ChainID); err != nil {
		return nil, err
	}
	data := encodeStorageSet(new(big.Int).SetUint64(params.Arg))
	return NewCallTx(params.ChainID, params.Nonce, b.contractAddress, big.NewInt(0), gasLimit(params, b.GasLimit()), params.GasTipCap, params.GasFeeCap, data, params.UseLegacy), nil
}

// ContractAddress returns the target contract.
func (b *StorageSetBuilder) ContractAddress() common.Address {
	return b.contractAddress
}
