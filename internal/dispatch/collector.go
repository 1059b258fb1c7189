package dispatch

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// collector aggregates per-item outcomes from many workers.
type collector struct {
	mu         sync.Mutex
	hashes     []common.Hash
	failures   []error
	incomplete int
}

func newCollector(count int) *collector {
	return &collector{hashes: make([]common.Hash, 0, count)}
}

func (c *collector) ok(hash common.Hash) {
	c.mu.Lock()
	c.hashes = append(c.hashes, hash)
	c.mu.Unlock()
}

func (c *collector) fail(err error) {
	c.mu.Lock()
	c.failures = append(c.failures, err)
	c.mu.Unlock()
}

// failBatch records errs as failed items of a batch broadcast.
func (c *collector) failBatch(errs ...error) {
	c.mu.Lock()
	c.failures = append(c.failures, errs...)
	c.incomplete += len(errs)
	c.mu.Unlock()
}

func (c *collector) result() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Result{
		Hashes:     c.hashes,
		Failures:   c.failures,
		Incomplete: c.incomplete,
	}
}
