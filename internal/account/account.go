// Package account manages the sending accounts of an experiment.
package account

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/chainhammer/internal/rpc"
)

// Account holds a sending account's key and nonce state.
type Account struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
	Nonce      *NonceSequencer
}

// NewAccount creates an account from a private key. The nonce sequencer starts
// as for a fresh address until SyncNonce is called.
func NewAccount(privateKey *ecdsa.PrivateKey) *Account {
	return &Account{
		PrivateKey: privateKey,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		Nonce:      NewNonceSequencer(-1),
	}
}

// NewAccountFromHex creates an account from a hex-encoded private key.
func NewAccountFromHex(hexKey string) (*Account, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, err
	}
	return NewAccount(privateKey), nil
}

// SyncNonce reseeds the sequencer from the node's pending transaction count.
// Call it before the account is shared between workers.
func (a *Account) SyncNonce(ctx context.Context, client rpc.Client) error {
	count, err := client.GetTransactionCount(ctx, a.Address.Hex(), "pending")
	if err != nil {
		return fmt.Errorf("transaction count of %s: %w", a.Address.Hex(), err)
	}
	a.Nonce = NewNonceSequencer(int64(count) - 1)
	return nil
}

// NextNonce reserves the account's next nonce.
func (a *Account) NextNonce() uint64 {
	return a.Nonce.Increment()
}

// Well-known test private keys (from Anvil/Hardhat default accounts).
var TestPrivateKeys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", // Account 0
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d", // Account 1
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a", // Account 2
	"7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6", // Account 3
	"47e179ec197488593b187f80a00eb0da91f1b9d0b13f8733639f19c30a34926a", // Account 4
	"8b3a350cf5c34c9194ca85829a2df0ec3153be0318b5e2d3348e872092edffba", // Account 5
	"92db14e403b83dfe3df233f83dfa3a0d7096f21ca9b0d6d6b8d88b2b4ec1564e", // Account 6
	"4bbbf85ce3377467afe5d46f804f221813b2bb87f24d81f60f1fcdbf7cbf4356", // Account 7
	"dbda1821b80551c9d65939329250298aa3472ba22feea921c0cf5d620ea67b97", // Account 8
	"2a871d0798f97d79848a013d4936a73bf4cc922c825d33c1cf7073dff6d409c6", // Account 9
}

// LoadAccounts parses hex-encoded keys.
func LoadAccounts(hexKeys []string) ([]*Account, error) {
	accounts := make([]*Account, 0, len(hexKeys))
	for i, hexKey := range hexKeys {
		account, err := NewAccountFromHex(hexKey)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}
