package monitor

import (
	"fmt"
	"sort"
	"sync"
)

// CodingError reports a broken internal invariant. It is never expected at
// runtime and callers treat it as fatal.
type CodingError struct {
	Msg string
}

func (e *CodingError) Error() string {
	return "coding error: " + e.Msg
}

// Series maps block numbers to the average TPS computed when the block was
// observed. Entries are never pruned.
type Series struct {
	mu      sync.RWMutex
	entries map[uint64]float64
	min     uint64
	max     uint64
}

// NewSeries returns an empty series.
func NewSeries() *Series {
	return &Series{entries: make(map[uint64]float64)}
}

// Record stores the average at block, replacing any earlier value.
func (s *Series) Record(block uint64, average float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 || block < s.min {
		s.min = block
	}
	if len(s.entries) == 0 || block > s.max {
		s.max = block
	}
	s.entries[block] = average
}

// Len returns the number of recorded blocks.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Get returns the value recorded at exactly block.
func (s *Series) Get(block uint64) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[block]
	return v, ok
}

// Nearest resolves the value at block: an exact entry if present, otherwise
// the first entry scanning forward, otherwise the first scanning backward.
// An empty series or an exhausted scan is a *CodingError.
func (s *Series) Nearest(block uint64) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.entries[block]; ok {
		return v, nil
	}
	if len(s.entries) == 0 {
		return 0, &CodingError{Msg: fmt.Sprintf("no TPS recorded, cannot resolve block %d", block)}
	}

	for b := block + 1; b <= s.max && b > block; b++ {
		if v, ok := s.entries[b]; ok {
			return v, nil
		}
	}
	for b := min(block, s.max+1); b > s.min; {
		b--
		if v, ok := s.entries[b]; ok {
			return v, nil
		}
	}
	return 0, &CodingError{Msg: fmt.Sprintf("no TPS entry near block %d (entries=%d)", block, len(s.entries))}
}

// Blocks returns the recorded block numbers in ascending order.
func (s *Series) Blocks() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint64, 0, len(s.entries))
	for b := range s.entries {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
