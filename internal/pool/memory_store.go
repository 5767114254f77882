package pool

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	operations map[[32]byte]Operation
	batches    map[[32]byte]Batch
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:        now,
		operations: make(map[[32]byte]Operation),
		batches:    make(map[[32]byte]Batch),
	}
}

func (s *MemoryStore) InsertReceived(_ context.Context, op Operation) (Operation, bool, error) {
	if err := op.Validate(); err != nil {
		return Operation{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.operations[op.ID]; ok {
		return cloneOperation(existing), false, nil
	}

	op.Payload = append([]byte(nil), op.Payload...)
	op.EnqueuedAt = s.now().UTC()
	op.Status = OperationStatusReceived
	s.operations[op.ID] = op
	return cloneOperation(op), true, nil
}

func (s *MemoryStore) GetOperation(_ context.Context, id [32]byte) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.operations[id]
	if !ok {
		return Operation{}, ErrNotFound
	}
	return cloneOperation(op), nil
}

func (s *MemoryStore) ListReceived(_ context.Context, limit int) ([]Operation, error) {
	if limit <= 0 {
		return nil, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Operation
	for _, op := range s.operations {
		if op.Status == OperationStatusReceived {
			out = append(out, cloneOperation(op))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		// Stable tiebreak for operations enqueued within the same instant.
		return lessID(out[i].ID, out[j].ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) LockOperations(_ context.Context, ids [][32]byte) error {
	if len(ids) == 0 {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		op, ok := s.operations[id]
		if !ok {
			return ErrNotFound
		}
		if op.Status != OperationStatusReceived {
			return ErrInvalidTransition
		}
	}
	for _, id := range ids {
		op := s.operations[id]
		op.Status = OperationStatusLocked
		s.operations[id] = op
	}
	return nil
}

func (s *MemoryStore) FinishOperations(_ context.Context, ids [][32]byte, status OperationStatus) error {
	if status != OperationStatusSettled && status != OperationStatusFailed {
		return ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		op, ok := s.operations[id]
		if !ok {
			continue
		}
		if op.Status.Terminal() {
			continue
		}
		op.Status = status
		s.operations[id] = op
	}
	return nil
}

func (s *MemoryStore) InsertBatch(_ context.Context, b Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[b.ID]; ok {
		return ErrDuplicateBatch
	}

	now := s.now().UTC()
	b.Members = cloneIDs(b.Members)
	b.Proof = nil
	b.PublicInputs = nil
	b.SettlementTx = ""
	b.CreatedAt = now
	b.UpdatedAt = now
	b.Status = BatchStatusReceived
	s.batches[b.ID] = b
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, id [32]byte) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return Batch{}, ErrNotFound
	}
	return cloneBatch(b), nil
}

func (s *MemoryStore) NextAwaitingProof(_ context.Context) (Batch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		picked Batch
		found  bool
	)
	for _, b := range s.batches {
		if b.Status != BatchStatusReceived {
			continue
		}
		if !found || b.CreatedAt.Before(picked.CreatedAt) {
			picked = b
			found = true
		}
	}
	if !found {
		return Batch{}, false, nil
	}

	picked.Status = BatchStatusLocked
	picked.UpdatedAt = s.now().UTC()
	s.batches[picked.ID] = picked
	return cloneBatch(picked), true, nil
}

func (s *MemoryStore) AttachProof(_ context.Context, id [32]byte, proof []byte, publicInputs []*big.Int) error {
	if len(proof) == 0 {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return ErrNotFound
	}
	if b.Status != BatchStatusReceived && b.Status != BatchStatusLocked {
		return ErrInvalidTransition
	}

	b.Proof = append([]byte(nil), proof...)
	b.PublicInputs = cloneInputs(publicInputs)
	b.Status = BatchStatusProofSubmitted
	b.UpdatedAt = s.now().UTC()
	s.batches[id] = b
	return nil
}

func (s *MemoryStore) MarkSubmitting(_ context.Context, id [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return ErrNotFound
	}
	if b.Status != BatchStatusProofSubmitted {
		return ErrInvalidTransition
	}
	b.Status = BatchStatusSubmitting
	b.UpdatedAt = s.now().UTC()
	s.batches[id] = b
	return nil
}

func (s *MemoryStore) SetBatchSucceeded(_ context.Context, id [32]byte, settlementTx string) error {
	if settlementTx == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return ErrNotFound
	}
	if b.Status != BatchStatusSubmitting {
		return ErrInvalidTransition
	}
	b.Status = BatchStatusSucceeded
	b.SettlementTx = settlementTx
	b.UpdatedAt = s.now().UTC()
	s.batches[id] = b
	return nil
}

func (s *MemoryStore) SetBatchFailed(_ context.Context, id [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return ErrNotFound
	}
	if b.Status.Terminal() {
		return ErrInvalidTransition
	}
	b.Status = BatchStatusFailed
	b.UpdatedAt = s.now().UTC()
	s.batches[id] = b
	return nil
}

func (s *MemoryStore) ListUnsettled(_ context.Context, cutoff time.Time) ([]Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Batch
	for _, b := range s.batches {
		if b.Status != BatchStatusProofSubmitted && b.Status != BatchStatusSubmitting {
			continue
		}
		if b.UpdatedAt.After(cutoff) {
			continue
		}
		out = append(out, cloneBatch(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func cloneOperation(op Operation) Operation {
	op.Payload = append([]byte(nil), op.Payload...)
	return op
}

func cloneBatch(b Batch) Batch {
	b.Members = cloneIDs(b.Members)
	if b.Proof != nil {
		b.Proof = append([]byte(nil), b.Proof...)
	}
	b.PublicInputs = cloneInputs(b.PublicInputs)
	return b
}

func cloneIDs(ids [][32]byte) [][32]byte {
	out := make([][32]byte, len(ids))
	copy(out, ids)
	return out
}

func cloneInputs(in []*big.Int) []*big.Int {
	if in == nil {
		return nil
	}
	out := make([]*big.Int, len(in))
	for i, v := range in {
		if v != nil {
			out[i] = new(big.Int).Set(v)
		}
	}
	return out
}

func lessID(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
