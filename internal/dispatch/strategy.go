// Package dispatch submits a run's transactions concurrently while keeping
// every account's nonce stream unique and gap-free.
package dispatch

import (
	"fmt"
	"strings"
)

// Strategy selects how units of work are scheduled onto goroutines.
type Strategy string

const (
	// StrategyPerTx spawns one goroutine per unit of work. Memory and goroutine
	// count grow linearly with the run size, so the dispatcher falls back to
	// StrategyPool above Config.MaxPerTxTasks units.
	StrategyPerTx Strategy = "per-tx"
	// StrategyPool drains a queue of units with a fixed number of workers.
	StrategyPool Strategy = "pool"
	// StrategyAccounts runs one worker per account, each sending its share of
	// the run sequentially.
	StrategyAccounts Strategy = "accounts"
)

var strategyAliases = map[string]Strategy{
	"per-tx":    StrategyPerTx,
	"threaded1": StrategyPerTx,
	"pool":      StrategyPool,
	"threaded2": StrategyPool,
	"accounts":  StrategyAccounts,
}

// ParseStrategy resolves a strategy name or one of its aliases.
func ParseStrategy(name string) (Strategy, error) {
	s, ok := strategyAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("unknown strategy %q (want per-tx|threaded1, pool|threaded2 or accounts)", name)
	}
	return s, nil
}

// String implements fmt.Stringer.
func (s Strategy) String() string {
	return string(s)
}
