package leases

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps settlement leases in a process-local map. It backs the
// single-process bundler (no --postgres-dsn) and the reconciler tests; the
// postgres store is the multi-replica implementation.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]Lease
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:    now,
		leases: make(map[string]Lease),
	}
}

// grantLocked writes a fresh lease. Callers hold mu.
func (s *MemoryStore) grantLocked(name, owner string, ttl time.Duration, now time.Time) Lease {
	l := Lease{
		Name:      name,
		Owner:     owner,
		ExpiresAt: now.Add(ttl),
	}
	s.leases[name] = l
	return l
}

func (s *MemoryStore) TryAcquire(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	held, ok := s.leases[name]
	if ok && held.ExpiresAt.After(now) {
		return held, false, nil
	}
	return s.grantLocked(name, owner, ttl, now), true, nil
}

func (s *MemoryStore) Renew(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.leases[name]
	if !ok {
		return Lease{}, false, ErrNotFound
	}
	if held.Owner != owner {
		return Lease{}, false, ErrNotOwner
	}

	// An expired lease renews fine as long as nobody stole it in between.
	return s.grantLocked(name, owner, ttl, s.now()), true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.leases[name]
	if !ok {
		return nil
	}
	if held.Owner != owner {
		return ErrNotOwner
	}
	delete(s.leases, name)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (Lease, error) {
	if name == "" {
		return Lease{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.leases[name]
	if !ok {
		return Lease{}, ErrNotFound
	}
	return held, nil
}
