package storage

import (
	"context"
	"errors"

	"github.com/gateway-fm/chainhammer/pkg/types"
)

// ErrNotFound is returned when an experiment does not exist.
var ErrNotFound = errors.New("experiment not found")

// Storage defines the persistence interface for experiment history.
type Storage interface {
	// SaveExperiment stores a finished experiment with its TPS series.
	SaveExperiment(ctx context.Context, exp *types.ExperimentDetail) error
	GetExperiment(ctx context.Context, id string) (*types.ExperimentDetail, error)
	ListExperiments(ctx context.Context, limit, offset int) (*PaginatedExperiments, error)
	DeleteExperiment(ctx context.Context, id string) error

	Close() error
}

// CacheStorage keeps generated sender accounts between runs so they do not
// have to be funded again. Scoped by chain ID.
type CacheStorage interface {
	SaveCachedAccounts(ctx context.Context, accounts []CachedAccount) error
	LoadCachedAccounts(ctx context.Context, chainID int64) ([]CachedAccount, error)
	DeleteCachedAccounts(ctx context.Context, chainID int64) error
}
