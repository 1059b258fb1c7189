// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gateway-fm/chainhammer/internal/account"
	"github.com/gateway-fm/chainhammer/internal/dispatch"
	"github.com/gateway-fm/chainhammer/internal/ledger"
	"github.com/gateway-fm/chainhammer/internal/monitor"
	"github.com/gateway-fm/chainhammer/internal/verification"
	"github.com/gateway-fm/chainhammer/pkg/types"
)

// EnvPrefix prefixes every environment variable, e.g. CHAINHAMMER_RPC_URL.
const EnvPrefix = "CHAINHAMMER"

// Config holds chainhammer configuration.
type Config struct {
	// Node
	RPCURL     string
	RPCTimeout time.Duration
	RPCRetries int
	ChainID    int64

	// Transactions
	Contract    string   // storage contract receiving set(uint256)
	Recipient   string   // eth-transfer recipient
	Keys        []string // hex private keys; the first funds generated accounts
	TxType      types.TransactionType
	GasLimit    uint64 // 0 = builder default
	GasPriceWei int64
	UseLegacy   bool

	// Dispatch
	Concurrency   int // in-flight RPC cap
	Workers       int
	BatchSize     int
	MaxPerTxTasks int
	MaxRate       float64 // tx/s, 0 = unlimited

	// Verification and settlement
	SampleSize     int
	SampleTimeout  time.Duration
	RangeTimeout   time.Duration
	EmptyBlocks    int
	SettleInterval time.Duration

	// Watcher
	PollInterval     time.Duration
	RelaxationRounds int
	WaitStart        bool

	// Files and API
	LedgerPath         string
	DatabasePath       string // empty disables history
	ListenAddr         string
	CORSAllowedOrigins string

	LogLevel  string
	LogFormat string // json or text
}

// Defaults
const (
	DefaultRPCURL             = "http://localhost:8545"
	DefaultRPCTimeout         = 120 * time.Second
	DefaultRPCRetries         = 3
	DefaultChainID            = 2019
	DefaultRecipient          = "0x000000000000000000000000000000000000dEaD"
	DefaultGasPriceWei        = 20_000_000_000 // 20 gwei
	DefaultConcurrency        = 500
	DefaultRangeTimeout       = 60 * time.Second
	DefaultListenAddr         = ":13001"
	DefaultDatabasePath       = "./data/chainhammer.db"
	DefaultCORSAllowedOrigins = "*"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
)

// Flag names; the environment variable is EnvPrefix plus the upper-cased name
// with dashes replaced by underscores.
const (
	FlagConfig           = "config"
	FlagRPCURL           = "rpc-url"
	FlagRPCTimeout       = "rpc-timeout"
	FlagRPCRetries       = "rpc-retries"
	FlagChainID          = "chain-id"
	FlagContract         = "contract"
	FlagRecipient        = "recipient"
	FlagKeys             = "keys"
	FlagTxType           = "tx-type"
	FlagGasLimit         = "gas-limit"
	FlagGasPrice         = "gas-price"
	FlagLegacy           = "legacy"
	FlagConcurrency      = "concurrency"
	FlagWorkers          = "workers"
	FlagBatchSize        = "batch-size"
	FlagMaxPerTxTasks    = "max-per-tx-tasks"
	FlagMaxRate          = "max-rate"
	FlagSampleSize       = "sample-size"
	FlagSampleTimeout    = "sample-timeout"
	FlagRangeTimeout     = "range-timeout"
	FlagEmptyBlocks      = "empty-blocks"
	FlagSettleInterval   = "settle-interval"
	FlagPollInterval     = "poll-interval"
	FlagRelaxationRounds = "relaxation-rounds"
	FlagWaitStart        = "wait-start"
	FlagLedger           = "ledger"
	FlagDatabase         = "database"
	FlagListen           = "listen"
	FlagCORS             = "cors-allowed-origins"
	FlagLogLevel         = "log-level"
	FlagLogFormat        = "log-format"
)

// Defaults returns the default configuration.
func Defaults() *Config {
	return &Config{
		RPCURL:             DefaultRPCURL,
		RPCTimeout:         DefaultRPCTimeout,
		RPCRetries:         DefaultRPCRetries,
		ChainID:            DefaultChainID,
		Recipient:          DefaultRecipient,
		Keys:               []string{account.TestPrivateKeys[0]},
		TxType:             types.TxTypeStorageSet,
		GasPriceWei:        DefaultGasPriceWei,
		UseLegacy:          true,
		Concurrency:        DefaultConcurrency,
		SampleSize:         verification.DefaultSampleSize,
		SampleTimeout:      verification.DefaultSampleTimeout,
		RangeTimeout:       DefaultRangeTimeout,
		EmptyBlocks:        10,
		SettleInterval:     300 * time.Millisecond,
		PollInterval:       monitor.DefaultInterval,
		RelaxationRounds:   monitor.DefaultRelaxationRounds,
		LedgerPath:         ledger.DefaultPath,
		DatabasePath:       DefaultDatabasePath,
		ListenAddr:         DefaultListenAddr,
		CORSAllowedOrigins: DefaultCORSAllowedOrigins,
		LogLevel:           DefaultLogLevel,
		LogFormat:          DefaultLogFormat,
	}
}

// RegisterFlags adds every configuration flag to fs with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String(FlagConfig, "", "Config file (yaml, toml or json)")
	fs.String(FlagRPCURL, d.RPCURL, "Node JSON-RPC URL")
	fs.Duration(FlagRPCTimeout, d.RPCTimeout, "Per-request RPC timeout")
	fs.Int(FlagRPCRetries, d.RPCRetries, "Retries for transient RPC failures (never for batches)")
	fs.Int64(FlagChainID, d.ChainID, "Chain ID")
	fs.String(FlagContract, d.Contract, "Storage contract address (required for storage-set)")
	fs.String(FlagRecipient, d.Recipient, "Recipient of eth-transfer transactions")
	fs.StringSlice(FlagKeys, d.Keys, "Hex private keys; the first one funds generated accounts")
	fs.String(FlagTxType, string(d.TxType), "Transaction type: storage-set or eth-transfer")
	fs.Uint64(FlagGasLimit, d.GasLimit, "Gas limit (0 = transaction type default)")
	fs.Int64(FlagGasPrice, d.GasPriceWei, "Gas price in wei")
	fs.Bool(FlagLegacy, d.UseLegacy, "Send legacy (type 0) transactions")
	fs.Int(FlagConcurrency, d.Concurrency, "Maximum in-flight RPC requests")
	fs.Int(FlagWorkers, d.Workers, "Pool size, or number of accounts for the accounts strategy")
	fs.Int(FlagBatchSize, d.BatchSize, "Transactions per JSON-RPC batch (0 disables batching)")
	fs.Int(FlagMaxPerTxTasks, d.MaxPerTxTasks, "Largest run the per-tx strategy accepts before falling back to pool")
	fs.Float64(FlagMaxRate, d.MaxRate, "Maximum send rate in tx/s (0 = unlimited)")
	fs.Int(FlagSampleSize, d.SampleSize, "Receipts sampled to verify a run")
	fs.Duration(FlagSampleTimeout, d.SampleTimeout, "Time allowed for sampled receipts to arrive")
	fs.Duration(FlagRangeTimeout, d.RangeTimeout, "Time allowed for the block range receipts")
	fs.Int(FlagEmptyBlocks, d.EmptyBlocks, "Blocks to wait for after the last transaction")
	fs.Duration(FlagSettleInterval, d.SettleInterval, "Block number poll interval while settling")
	fs.Duration(FlagPollInterval, d.PollInterval, "Watcher block poll interval")
	fs.Int(FlagRelaxationRounds, d.RelaxationRounds, "Watcher iterations whose average does not count toward the peak")
	fs.Bool(FlagWaitStart, d.WaitStart, "Watcher waits for the sender to reset the record before its baseline")
	fs.String(FlagLedger, d.LedgerPath, "Experiment record file")
	fs.String(FlagDatabase, d.DatabasePath, "SQLite history database (empty disables history)")
	fs.String(FlagListen, d.ListenAddr, "HTTP listen address")
	fs.String(FlagCORS, d.CORSAllowedOrigins, "Comma-separated allowed origins, or * for all")
	fs.String(FlagLogLevel, d.LogLevel, "Log level (debug, info, warn, error)")
	fs.String(FlagLogFormat, d.LogFormat, "Log format (json or text)")
}

// Load reads configuration with the precedence flags > environment > config
// file > defaults. fs must have been set up with RegisterFlags.
func Load(v *viper.Viper, fs *pflag.FlagSet) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}

	if path := v.GetString(FlagConfig); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{
		RPCURL:             v.GetString(FlagRPCURL),
		RPCTimeout:         v.GetDuration(FlagRPCTimeout),
		RPCRetries:         v.GetInt(FlagRPCRetries),
		ChainID:            v.GetInt64(FlagChainID),
		Contract:           v.GetString(FlagContract),
		Recipient:          v.GetString(FlagRecipient),
		Keys:               splitList(v.GetStringSlice(FlagKeys)),
		TxType:             types.TransactionType(v.GetString(FlagTxType)),
		GasLimit:           v.GetUint64(FlagGasLimit),
		GasPriceWei:        v.GetInt64(FlagGasPrice),
		UseLegacy:          v.GetBool(FlagLegacy),
		Concurrency:        v.GetInt(FlagConcurrency),
		Workers:            v.GetInt(FlagWorkers),
		BatchSize:          v.GetInt(FlagBatchSize),
		MaxPerTxTasks:      v.GetInt(FlagMaxPerTxTasks),
		MaxRate:            v.GetFloat64(FlagMaxRate),
		SampleSize:         v.GetInt(FlagSampleSize),
		SampleTimeout:      v.GetDuration(FlagSampleTimeout),
		RangeTimeout:       v.GetDuration(FlagRangeTimeout),
		EmptyBlocks:        v.GetInt(FlagEmptyBlocks),
		SettleInterval:     v.GetDuration(FlagSettleInterval),
		PollInterval:       v.GetDuration(FlagPollInterval),
		RelaxationRounds:   v.GetInt(FlagRelaxationRounds),
		WaitStart:          v.GetBool(FlagWaitStart),
		LedgerPath:         v.GetString(FlagLedger),
		DatabasePath:       v.GetString(FlagDatabase),
		ListenAddr:         v.GetString(FlagListen),
		CORSAllowedOrigins: v.GetString(FlagCORS),
		LogLevel:           v.GetString(FlagLogLevel),
		LogFormat:          v.GetString(FlagLogFormat),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList accepts both repeated flags and a single comma separated env value.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate validates the configuration shared by every command.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC URL is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("chain ID must be positive")
	}
	if c.RPCRetries < 0 {
		return fmt.Errorf("RPC retries cannot be negative")
	}
	if c.GasPriceWei <= 0 {
		return fmt.Errorf("gas price must be positive")
	}
	switch c.TxType {
	case types.TxTypeStorageSet, types.TxTypeEthTransfer:
	default:
		return fmt.Errorf("invalid transaction type: %s (valid: storage-set, eth-transfer)", c.TxType)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Workers < 0 || c.BatchSize < 0 || c.MaxPerTxTasks < 0 {
		return fmt.Errorf("workers, batch size and max per-tx tasks cannot be negative")
	}
	if c.MaxRate < 0 {
		return fmt.Errorf("max rate cannot be negative")
	}
	if c.SampleSize <= 0 {
		return fmt.Errorf("sample size must be positive")
	}
	if c.EmptyBlocks < 0 {
		return fmt.Errorf("empty blocks cannot be negative")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.LedgerPath == "" {
		return fmt.Errorf("experiment record path is required")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.LogFormat)
	}
	return nil
}

// ValidateSend checks what a sender run needs beyond Validate.
func (c *Config) ValidateSend() error {
	if len(c.Keys) == 0 {
		return errors.New("at least one private key is required")
	}
	switch c.TxType {
	case types.TxTypeStorageSet:
		if !common.IsHexAddress(c.Contract) {
			return fmt.Errorf("storage-set needs a contract address, got %q", c.Contract)
		}
	case types.TxTypeEthTransfer:
		if !common.IsHexAddress(c.Recipient) {
			return fmt.Errorf("eth-transfer needs a recipient address, got %q", c.Recipient)
		}
	}
	return nil
}

// ChainIDBig returns the chain ID as a big.Int.
func (c *Config) ChainIDBig() *big.Int {
	return big.NewInt(c.ChainID)
}

// GasPrice returns the gas price as a big.Int.
func (c *Config) GasPrice() *big.Int {
	return big.NewInt(c.GasPriceWei)
}

// ParseLogLevel maps a level name to a slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", s)
}

// NewLogger builds the process logger from the configured level and format.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := ParseLogLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// SendArgs are the positional arguments of the send command.
type SendArgs struct {
	Count    int
	Strategy dispatch.Strategy
	Workers  int // 0 = strategy default
}

// ParseSendArgs parses "<count> <strategy> [workers]".
func ParseSendArgs(args []string) (SendArgs, error) {
	if len(args) < 2 || len(args) > 3 {
		return SendArgs{}, fmt.Errorf("expected <count> <strategy> [workers], got %d arguments", len(args))
	}

	count, err := strconv.Atoi(args[0])
	if err != nil || count <= 0 {
		return SendArgs{}, fmt.Errorf("count must be a positive integer, got %q", args[0])
	}

	strategy, err := dispatch.ParseStrategy(args[1])
	if err != nil {
		return SendArgs{}, err
	}

	out := SendArgs{Count: count, Strategy: strategy}
	if len(args) == 3 {
		workers, err := strconv.Atoi(args[2])
		if err != nil || workers <= 0 {
			return SendArgs{}, fmt.Errorf("workers must be a positive integer, got %q", args[2])
		}
		out.Workers = workers
	}
	return out, nil
}
