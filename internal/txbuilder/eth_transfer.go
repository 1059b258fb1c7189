package txbuilder

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	ptypes "github.com/gateway-fm/chainhammer/pkg/types"
)

// ETHTransferBuilder builds simple ETH transfer transactions.
type ETHTransferBuilder struct {
	recipient common.Address
}

// NewETHTransferBuilder creates a new ETH transfer builder.
func NewETHTransferBuilder(recipient common.Address) *ETHTransferBuilder {
	return &ETHTransferBuilder{
		recipient: recipient,
	}
}

// Type returns the transaction type identifier.
func (b *ETHTransferBuilder) Type() ptypes.TransactionType {
	return ptypes.TxTypeEthTransfer
}

// GasLimit returns the gas limit for ETH transfer (21000).
func (b *ETHTransferBuilder) GasLimit() uint64 {
	return 21000
}

// Build creates a 1 wei transfer transaction.
func (b *ETHTransferBuilder) Build(params TxParams) (*types.Transaction, error) {
	if err := checkChainID(params.ChainID); err != nil {
		return nil, err
	}
	return NewCallTx(params.ChainID, params.Nonce, b.recipient, big.NewInt(1), gasLimit(params, b.GasLimit()), params.GasTipCap, params.GasFeeCap, nil, params.UseLegacy), nil
}
