package eth

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type PendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager allocates nonces for the settlement account.
//
// Allocation is process-local: the counter is seeded lazily from the node's
// pending nonce and only ever moves forward. Sync never lowers it, so a nonce
// reserved for a transaction that has not reached the node yet cannot be
// handed out twice.
type NonceManager struct {
	backend PendingNoncer
	addr    common.Address

	mu     sync.Mutex
	next   uint64
	primed bool
}

func NewNonceManager(backend PendingNoncer, addr common.Address) *NonceManager {
	return &NonceManager{backend: backend, addr: addr}
}

// primeLocked seeds the counter from the node. Callers hold mu.
func (m *NonceManager) primeLocked(ctx context.Context) error {
	n, err := m.backend.PendingNonceAt(ctx, m.addr)
	if err != nil {
		return err
	}
	m.next = n
	m.primed = true
	return nil
}

// Next reserves and returns the next nonce.
func (m *NonceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.primed {
		if err := m.primeLocked(ctx); err != nil {
			return 0, err
		}
	}
	n := m.next
	m.next++
	return n, nil
}

// Sync re-reads the node's pending nonce, advancing the local counter if the
// node is ahead, and returns the node's value. Used after a send failure that
// may mean another process used the account.
func (m *NonceManager) Sync(ctx context.Context) (uint64, error) {
	n, err := m.backend.PendingNonceAt(ctx, m.addr)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.primed || n > m.next {
		m.next = n
		m.primed = true
	}
	return n, nil
}
