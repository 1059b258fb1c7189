// Package storage persists experiment history and cached sender accounts.
package storage

import (
	"time"

	"github.com/gateway-fm/chainhammer/pkg/types"
)

// PaginatedExperiments is one page of stored experiments, newest first.
type PaginatedExperiments struct {
	Experiments []types.ExperimentSummary `json:"experiments"`
	Total       int                       `json:"total"`
	Limit       int                       `json:"limit"`
	Offset      int                       `json:"offset"`
}

// CachedAccount is a generated sender account kept for reuse.
type CachedAccount struct {
	Address       string    `json:"address"`
	PrivateKeyHex string    `json:"-"`
	ChainID       int64     `json:"chainId"`
	CreatedAt     time.Time `json:"createdAt"`
}
