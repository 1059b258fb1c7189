package account

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"runtime"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/chainhammer/internal/rpc"
)

var oneEther = big.NewInt(1e18)

// Funding defaults: accounts below 1 ether are topped up with 5 ether.
var (
	DefaultMinBalance = new(big.Int).Set(oneEther)
	DefaultFundAmount = new(big.Int).Mul(big.NewInt(5), oneEther)
)

const transferGas = 21000

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	ChainID   *big.Int
	GasPrice  *big.Int
	UseLegacy bool // Use legacy (type 0) transactions instead of EIP-1559

	MinBalance     *big.Int      // accounts below this are funded (default 1 ether)
	FundAmount     *big.Int      // amount sent to each unfunded account (default 5 ether)
	ConfirmTimeout time.Duration // how long to wait for funding to be mined (default 2m)
	PollInterval   time.Duration // confirmation poll interval (default 500ms)

	Logger *slog.Logger
}

// Manager prepares sending accounts: generation, nonce sync and funding.
type Manager struct {
	chainID        *big.Int
	gasPrice       *big.Int
	useLegacy      bool
	minBalance     *big.Int
	fundAmount     *big.Int
	confirmTimeout time.Duration
	pollInterval   time.Duration
	logger         *slog.Logger
}

// NewManager creates a new account manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		chainID:        cfg.ChainID,
		gasPrice:       cfg.GasPrice,
		useLegacy:      cfg.UseLegacy,
		minBalance:     cfg.MinBalance,
		fundAmount:     cfg.FundAmount,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   cfg.PollInterval,
		logger:         logger,
	}
	if m.minBalance == nil {
		m.minBalance = DefaultMinBalance
	}
	if m.fundAmount == nil {
		m.fundAmount = DefaultFundAmount
	}
	if m.confirmTimeout <= 0 {
		m.confirmTimeout = 2 * time.Minute
	}
	if m.pollInterval <= 0 {
		m.pollInterval = 500 * time.Millisecond
	}
	return m
}

// Accounts returns n accounts: the configured keys first, then freshly generated
// ones when the keys run out.
func (m *Manager) Accounts(hexKeys []string, n int) ([]*Account, error) {
	if n <= 0 {
		return nil, fmt.Errorf("account count must be positive, got %d", n)
	}
	fromKeys := min(n, len(hexKeys))
	accounts, err := LoadAccounts(hexKeys[:fromKeys])
	if err != nil {
		return nil, err
	}
	if n == fromKeys {
		return accounts, nil
	}
	generated, err := m.GenerateAccounts(n - fromKeys)
	if err != nil {
		return nil, err
	}
	return append(accounts, generated...), nil
}

// GenerateAccounts creates count random accounts in parallel.
func (m *Manager) GenerateAccounts(count int) ([]*Account, error) {
	accounts := make([]*Account, count)

	numWorkers := min(runtime.GOMAXPROCS(0), 16)
	m.logger.Info("Generating accounts",
		slog.Int("count", count),
		slog.Int("workers", numWorkers),
	)

	var g errgroup.Group
	g.SetLimit(numWorkers)
	for i := range count {
		g.Go(func() error {
			privateKey, err := crypto.GenerateKey()
			if err != nil {
				return fmt.Errorf("key %d: %w", i, err)
			}
			accounts[i] = NewAccount(privateKey)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return accounts, nil
}

// SyncNonces seeds every account's sequencer from the chain, in parallel.
func (m *Manager) SyncNonces(ctx context.Context, client rpc.Client, accounts []*Account) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(16) // Limit concurrent RPC calls

	for i, acc := range accounts {
		g.Go(func() error {
			if err := acc.SyncNonce(ctx, client); err != nil {
				return fmt.Errorf("account %d: %w", i, err)
			}
			m.logger.Debug("Account nonce initialized",
				slog.Int("account_idx", i),
				slog.String("address", acc.Address.Hex()),
				slog.Int64("nonce", acc.Nonce.Current()+1),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.logger.Info("Account nonces initialized", slog.Int("count", len(accounts)))
	return nil
}

// ValidateBalances checks balances of accounts in parallel and splits them into
// funded (>= minBalance) and unfunded groups.
func (m *Manager) ValidateBalances(ctx context.Context, client rpc.Client, accounts []*Account, minBalance *big.Int) (funded, unfunded []*Account) {
	if len(accounts) == 0 {
		return nil, nil
	}

	ok := make([]bool, len(accounts))
	var wg sync.WaitGroup
	sem := make(chan struct{}, 32) // Limit concurrent RPC calls

	for i, acc := range accounts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			balance, err := client.GetBalance(ctx, acc.Address.Hex())
			if err != nil {
				m.logger.Debug("balance check failed",
					slog.Int("idx", i),
					slog.String("err", err.Error()))
				return
			}
			ok[i] = balance.Cmp(minBalance) >= 0
		}()
	}
	wg.Wait()

	for i, isFunded := range ok {
		if isFunded {
			funded = append(funded, accounts[i])
		} else {
			unfunded = append(unfunded, accounts[i])
		}
	}
	return funded, unfunded
}

// EnsureFunded tops up every account below the minimum balance from funder and
// waits until the funding transactions are mined. The funder's nonce must
// already be synced. Returns the number of accounts funded.
func (m *Manager) EnsureFunded(ctx context.Context, client rpc.Client, funder *Account, accounts []*Account) (int, error) {
	_, unfunded := m.ValidateBalances(ctx, client, accounts, m.minBalance)
	if len(unfunded) == 0 {
		return 0, nil
	}

	m.logger.Info("Funding accounts",
		slog.Int("count", len(unfunded)),
		slog.String("funder", funder.Address.Hex()),
		slog.String("amount_wei", m.fundAmount.String()),
	)

	signer := types.LatestSignerForChainID(m.chainID)
	var lastNonce uint64
	for i, acc := range unfunded {
		nonce, err := m.fundAccount(ctx, client, funder, acc, signer)
		if err != nil {
			return i, fmt.Errorf("fund %s: %w", acc.Address.Hex(), err)
		}
		lastNonce = nonce
	}

	if err := m.waitForNonceConfirmation(ctx, client, funder, lastNonce+1); err != nil {
		return len(unfunded), err
	}

	m.logger.Info("Funding complete", slog.Int("funded", len(unfunded)))
	return len(unfunded), nil
}

func (m *Manager) fundAccount(ctx context.Context, client rpc.Client, funder, recipient *Account, signer types.Signer) (uint64, error) {
	nonce := funder.NextNonce()

	var tx *types.Transaction
	if m.useLegacy {
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: m.gasPrice,
			Gas:      transferGas,
			To:       &recipient.Address,
			Value:    m.fundAmount,
		})
	} else {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   m.chainID,
			Nonce:     nonce,
			GasTipCap: m.gasPrice,
			GasFeeCap: m.gasPrice,
			Gas:       transferGas,
			To:        &recipient.Address,
			Value:     m.fundAmount,
		})
	}

	signed, err := types.SignTx(tx, signer, funder.PrivateKey)
	if err != nil {
		return nonce, fmt.Errorf("sign: %w", err)
	}
	data, err := signed.MarshalBinary()
	if err != nil {
		return nonce, fmt.Errorf("encode: %w", err)
	}
	if _, err := client.SendRawTransaction(ctx, data); err != nil {
		return nonce, fmt.Errorf("send: %w", err)
	}
	return nonce, nil
}

// waitForNonceConfirmation polls the mined transaction count of funder until
// it reaches expected.
func (m *Manager) waitForNonceConfirmation(ctx context.Context, client rpc.Client, funder *Account, expected uint64) error {
	deadline := time.Now().Add(m.confirmTimeout)

	for time.Now().Before(deadline) {
		onChain, err := client.GetTransactionCount(ctx, funder.Address.Hex(), "latest")
		if err != nil {
			return fmt.Errorf("get confirmed nonce: %w", err)
		}
		if onChain >= expected {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}

	return fmt.Errorf("timeout waiting for funding confirmation")
}
