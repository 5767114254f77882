package eth

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

type fakeNoncer struct {
	mu    sync.Mutex
	nonce uint64
	calls int
	err   error
}

func (f *fakeNoncer) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.nonce, nil
}

var settlementAddr = common.HexToAddress("0x1234567890abcdef1234567890abcdef12345678")

func TestNonceManager_SeedsOnceThenCountsLocally(t *testing.T) {
	ctx := context.Background()
	backend := &fakeNoncer{nonce: 5}
	m := NewNonceManager(backend, settlementAddr)

	for want := uint64(5); want < 8; want++ {
		n, err := m.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if n != want {
			t.Fatalf("nonce: got %d want %d", n, want)
		}
	}
	if backend.calls != 1 {
		t.Fatalf("backend calls: got %d want 1", backend.calls)
	}
}

func TestNonceManager_SeedErrorDoesNotPoisonCounter(t *testing.T) {
	ctx := context.Background()
	backend := &fakeNoncer{nonce: 3, err: errors.New("node down")}
	m := NewNonceManager(backend, settlementAddr)

	if _, err := m.Next(ctx); err == nil {
		t.Fatal("Next succeeded with backend down")
	}

	backend.mu.Lock()
	backend.err = nil
	backend.mu.Unlock()
	n, err := m.Next(ctx)
	if err != nil {
		t.Fatalf("Next after recovery: %v", err)
	}
	if n != 3 {
		t.Fatalf("nonce after recovery: got %d want 3", n)
	}
}

func TestNonceManager_SyncNeverRewindsPastReservations(t *testing.T) {
	ctx := context.Background()
	backend := &fakeNoncer{nonce: 10}
	m := NewNonceManager(backend, settlementAddr)

	_, _ = m.Next(ctx) // 10
	_, _ = m.Next(ctx) // 11

	// A lagging node reports an older pending nonce; reservations stand.
	backend.mu.Lock()
	backend.nonce = 9
	backend.mu.Unlock()
	if _, err := m.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	n, err := m.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if n != 12 {
		t.Fatalf("nonce after Sync: got %d want 12", n)
	}
}

func TestNonceManager_SyncAdoptsHigherNodeNonce(t *testing.T) {
	ctx := context.Background()
	backend := &fakeNoncer{nonce: 1}
	m := NewNonceManager(backend, settlementAddr)

	_, _ = m.Next(ctx) // 1
	backend.mu.Lock()
	backend.nonce = 20
	backend.mu.Unlock()

	got, err := m.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got != 20 {
		t.Fatalf("Sync: got %d want 20", got)
	}
	n, err := m.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if n != 20 {
		t.Fatalf("nonce after Sync: got %d want 20", n)
	}
}
