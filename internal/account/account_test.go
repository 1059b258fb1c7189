package account

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"testing"

	"github.com/gateway-fm/chainhammer/internal/rpc/rpctest"
)

func TestNonceSequencerIncrement(t *testing.T) {
	s := NewNonceSequencer(41)

	if got := s.Increment(); got != 42 {
		t.Errorf("Increment() = %d, want 42", got)
	}
	if got := s.Increment(); got != 43 {
		t.Errorf("Increment() = %d, want 43", got)
	}
	if got := s.Current(); got != 43 {
		t.Errorf("Current() = %d, want 43", got)
	}
}

func TestNonceSequencerFreshAccount(t *testing.T) {
	s := NewNonceSequencer(-1)
	if got := s.Current(); got != -1 {
		t.Errorf("Current() = %d, want -1", got)
	}
	if got := s.Increment(); got != 0 {
		t.Errorf("first Increment() = %d, want 0", got)
	}
}

// Concurrent increments must yield every value exactly once, with no gaps.
func TestNonceSequencerConcurrency(t *testing.T) {
	const (
		initial    = 41
		goroutines = 64
		perWorker  = 1000
	)
	s := NewNonceSequencer(initial)

	var mu sync.Mutex
	got := make([]uint64, 0, goroutines*perWorker)

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint64, 0, perWorker)
			for range perWorker {
				local = append(local, s.Increment())
			}
			mu.Lock()
			got = append(got, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, v := range got {
		if want := uint64(initial + 1 + i); v != want {
			t.Fatalf("value %d = %d, want %d", i, v, want)
		}
	}
	if final := s.Current(); final != initial+goroutines*perWorker {
		t.Errorf("Current() = %d, want %d", final, initial+goroutines*perWorker)
	}
}

func TestNewAccountFromHex(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		want    string
		wantErr bool
	}{
		{"plain", TestPrivateKeys[0], "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", false},
		{"0x prefix", "0x" + TestPrivateKeys[0], "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", false},
		{"garbage", "not-a-key", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc, err := NewAccountFromHex(tt.key)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAccountFromHex() error: %v", err)
			}
			if acc.Address.Hex() != tt.want {
				t.Errorf("Address = %s, want %s", acc.Address.Hex(), tt.want)
			}
		})
	}
}

func TestSyncNonce(t *testing.T) {
	chain := rpctest.NewChain(big.NewInt(2019), 0, 0)
	acc, err := NewAccountFromHex(TestPrivateKeys[1])
	if err != nil {
		t.Fatalf("NewAccountFromHex() error: %v", err)
	}
	chain.SetNonce(acc.Address, 7)

	if err := acc.SyncNonce(context.Background(), chain); err != nil {
		t.Fatalf("SyncNonce() error: %v", err)
	}
	if got := acc.NextNonce(); got != 7 {
		t.Errorf("first nonce after sync = %d, want 7", got)
	}
	if got := acc.NextNonce(); got != 8 {
		t.Errorf("second nonce after sync = %d, want 8", got)
	}
}

func TestSyncNonceUnusedAddress(t *testing.T) {
	chain := rpctest.NewChain(big.NewInt(2019), 0, 0)
	acc, err := NewAccountFromHex(TestPrivateKeys[2])
	if err != nil {
		t.Fatalf("NewAccountFromHex() error: %v", err)
	}

	if err := acc.SyncNonce(context.Background(), chain); err != nil {
		t.Fatalf("SyncNonce() error: %v", err)
	}
	if got := acc.NextNonce(); got != 0 {
		t.Errorf("first nonce of unused address = %d, want 0", got)
	}
}

func TestLoadAccounts(t *testing.T) {
	accounts, err := LoadAccounts(TestPrivateKeys[:3])
	if err != nil {
		t.Fatalf("LoadAccounts() error: %v", err)
	}
	if len(accounts) != 3 {
		t.Fatalf("len = %d, want 3", len(accounts))
	}
	seen := make(map[string]bool)
	for _, acc := range accounts {
		if seen[acc.Address.Hex()] {
			t.Errorf("duplicate address %s", acc.Address.Hex())
		}
		seen[acc.Address.Hex()] = true
	}

	if _, err := LoadAccounts([]string{TestPrivateKeys[0], "zz"}); err == nil {
		t.Error("expected error for invalid key")
	}
}
