package account

import "sync"

// NonceSequencer hands out an account's nonces. Every Increment returns the
// previous value plus one, so concurrent callers never share a nonce and the
// issued sequence has no gaps.
//
// The sequencer is seeded once from the chain and never consults it again.
type NonceSequencer struct {
	mu    sync.Mutex
	value int64
}

// NewNonceSequencer seeds the sequencer with the value preceding the first nonce,
// i.e. the chain's transaction count minus one.
func NewNonceSequencer(initial int64) *NonceSequencer {
	return &NonceSequencer{value: initial}
}

// Increment advances the counter and returns the new value.
func (s *NonceSequencer) Increment() uint64 {
	s.mu.Lock()
	s.value++
	v := s.value
	s.mu.Unlock()
	return uint64(v)
}

// Current returns the last value handed out (or the seed if none was).
func (s *NonceSequencer) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}
