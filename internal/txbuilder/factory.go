package txbuilder

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/chainhammer/internal/account"
)

// Chain defaults used when nothing else is configured.
var (
	DefaultChainID  = big.NewInt(2019)
	DefaultGasPrice = big.NewInt(20_000_000_000) // 20 gwei
)

// ChainParams are the chain-wide fields every transaction of a run shares.
type ChainParams struct {
	ChainID   *big.Int
	GasLimit  uint64   // zero selects the builder's default
	GasPrice  *big.Int // used as both tip and fee cap for dynamic fee txs
	UseLegacy bool
}

// SignedTx is a signed, encoded transaction ready for broadcast.
type SignedTx struct {
	Raw   []byte
	Hash  common.Hash
	Nonce uint64
	From  common.Address
}

// Signer signs transactions with an account key.
type Signer interface {
	Sign(tx *types.Transaction, key *ecdsa.PrivateKey) (*types.Transaction, error)
}

// KeySigner signs with a local ECDSA key for a fixed chain.
type KeySigner struct {
	signer types.Signer
}

// NewKeySigner returns a signer for chainID.
func NewKeySigner(chainID *big.Int) *KeySigner {
	return &KeySigner{signer: types.LatestSignerForChainID(chainID)}
}

// Sign implements Signer.
func (s *KeySigner) Sign(tx *types.Transaction, key *ecdsa.PrivateKey) (*types.Transaction, error) {
	return types.SignTx(tx, s.signer, key)
}

// SigningError reports a transaction that could not be built or signed.
// It only affects that transaction.
type SigningError struct {
	From  common.Address
	Nonce uint64
	Err   error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("sign tx from %s nonce %d: %v", e.From.Hex(), e.Nonce, e.Err)
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// Factory turns (account, nonce, argument) into signed transactions. It holds no
// mutable state and is safe for concurrent use.
type Factory struct {
	builder Builder
	signer  Signer
	params  ChainParams
}

// NewFactory creates a factory. A nil signer selects a KeySigner for the chain.
func NewFactory(builder Builder, signer Signer, params ChainParams) *Factory {
	if params.ChainID == nil {
		params.ChainID = DefaultChainID
	}
	if params.GasPrice == nil {
		params.GasPrice = DefaultGasPrice
	}
	if signer == nil {
		signer = NewKeySigner(params.ChainID)
	}
	return &Factory{builder: builder, signer: signer, params: params}
}

// Params returns the chain parameters the factory signs with.
func (f *Factory) Params() ChainParams {
	return f.params
}

// Sign builds the transaction for arg with the given nonce and signs it with
// the account's key. Failures are returned as *SigningError.
func (f *Factory) Sign(acc *account.Account, nonce uint64, arg uint64) (*SignedTx, error) {
	tx, err := f.builder.Build(TxParams{
		ChainID:   f.params.ChainID,
		Nonce:     nonce,
		GasLimit:  f.params.GasLimit,
		GasTipCap: f.params.GasPrice,
		GasFeeCap: f.params.GasPrice,
		UseLegacy: f.params.UseLegacy,
		Arg:       arg,
	})
	if err != nil {
		return nil, &SigningError{From: acc.Address, Nonce: nonce, Err: fmt.Errorf("build: %w", err)}
	}

	signed, err := f.signer.Sign(tx, acc.PrivateKey)
	if err != nil {
		return nil, &SigningError{From: acc.Address, Nonce: nonce, Err: err}
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, &SigningError{From: acc.Address, Nonce: nonce, Err: fmt.Errorf("encode: %w", err)}
	}

	return &SignedTx{
		Raw:   raw,
		Hash:  signed.Hash(),
		Nonce: nonce,
		From:  acc.Address,
	}, nil
}
