package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zkprover-labs/bundler/internal/pool"
)

func seq32(start byte) (out [32]byte) {
	for i := 0; i < 32; i++ {
		out[i] = start + byte(i)
	}
	return out
}

func insertOps(t *testing.T, store *pool.MemoryStore, n int) [][32]byte {
	t.Helper()
	ids := make([][32]byte, 0, n)
	for i := 0; i < n; i++ {
		var sender [20]byte
		sender[0] = byte(i + 1)
		op := pool.Operation{
			ID:      seq32(byte(i + 1)),
			Sender:  sender,
			Payload: []byte{0x02, byte(i + 1)},
		}
		if _, _, err := store.InsertReceived(context.Background(), op); err != nil {
			t.Fatalf("InsertReceived: %v", err)
		}
		ids = append(ids, op.ID)
	}
	return ids
}

func advancingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	t := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newScheduler(t *testing.T, store pool.Store, batchSize int) *Scheduler {
	t.Helper()
	s, err := New(Config{BatchSize: batchSize}, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestAttemptBatch_BelowThresholdNoSideEffects(t *testing.T) {
	ctx := context.Background()
	store := pool.NewMemoryStore(advancingClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	ids := insertOps(t, store, 2)

	s := newScheduler(t, store, 3)

	n, err := s.AttemptBatch(ctx)
	if err != nil {
		t.Fatalf("AttemptBatch: %v", err)
	}
	if n != 2 {
		t.Fatalf("considered: got %d, want 2", n)
	}
	for _, id := range ids {
		op, err := store.GetOperation(ctx, id)
		if err != nil {
			t.Fatalf("GetOperation: %v", err)
		}
		if op.Status != pool.OperationStatusReceived {
			t.Fatalf("operation must stay received below threshold, got %s", op.Status)
		}
	}
}

func TestAttemptBatch_FormsFullBatchAtThreshold(t *testing.T) {
	ctx := context.Background()
	store := pool.NewMemoryStore(advancingClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	ids := insertOps(t, store, 3)

	s := newScheduler(t, store, 3)

	n, err := s.AttemptBatch(ctx)
	if err != nil {
		t.Fatalf("AttemptBatch: %v", err)
	}
	if n != 3 {
		t.Fatalf("considered: got %d, want 3", n)
	}

	for _, id := range ids {
		op, err := store.GetOperation(ctx, id)
		if err != nil {
			t.Fatalf("GetOperation: %v", err)
		}
		if op.Status != pool.OperationStatusLocked {
			t.Fatalf("member status: got %s, want locked", op.Status)
		}
	}

	wantID := pool.BatchIDV1(ids)
	b, err := store.GetBatch(ctx, wantID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if b.Status != pool.BatchStatusReceived {
		t.Fatalf("batch status: got %s, want received", b.Status)
	}
	if len(b.Members) != 3 {
		t.Fatalf("batch size: got %d, want 3", len(b.Members))
	}
	for i, id := range ids {
		if b.Members[i] != id {
			t.Fatalf("member order: position %d mismatch", i)
		}
	}

	// A second pass has nothing left to batch.
	n, err = s.AttemptBatch(ctx)
	if err != nil {
		t.Fatalf("AttemptBatch #2: %v", err)
	}
	if n != 0 {
		t.Fatalf("second pass considered %d, want 0", n)
	}
}

func TestAttemptBatch_OldestFirst(t *testing.T) {
	ctx := context.Background()
	store := pool.NewMemoryStore(advancingClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	ids := insertOps(t, store, 5)

	s := newScheduler(t, store, 3)
	if _, err := s.AttemptBatch(ctx); err != nil {
		t.Fatalf("AttemptBatch: %v", err)
	}

	// The first 3 enqueued operations form the batch; the last 2 stay pending.
	b, err := store.GetBatch(ctx, pool.BatchIDV1(ids[:3]))
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if len(b.Members) != 3 {
		t.Fatalf("batch size: got %d", len(b.Members))
	}
	for _, id := range ids[3:] {
		op, err := store.GetOperation(ctx, id)
		if err != nil {
			t.Fatalf("GetOperation: %v", err)
		}
		if op.Status != pool.OperationStatusReceived {
			t.Fatalf("newer operation must stay pending, got %s", op.Status)
		}
	}
}

func TestAttemptBatch_SingleFlightNoOverlap(t *testing.T) {
	ctx := context.Background()
	store := pool.NewMemoryStore(advancingClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	ids := insertOps(t, store, 12)

	s := newScheduler(t, store, 3)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AttemptBatch(ctx); err != nil {
				t.Errorf("AttemptBatch: %v", err)
			}
		}()
	}
	wg.Wait()

	// 12 pending with T=3 and serialized passes: exactly the 4 oldest-first
	// batches exist, with disjoint members, and every operation is locked.
	for i := 0; i < 12; i += 3 {
		b, err := store.GetBatch(ctx, pool.BatchIDV1(ids[i:i+3]))
		if err != nil {
			t.Fatalf("batch over ids[%d:%d]: %v", i, i+3, err)
		}
		if len(b.Members) != 3 {
			t.Fatalf("batch size: got %d, want 3", len(b.Members))
		}
	}
	for i, id := range ids {
		op, err := store.GetOperation(ctx, id)
		if err != nil {
			t.Fatalf("GetOperation: %v", err)
		}
		if op.Status != pool.OperationStatusLocked {
			t.Fatalf("operation %d: got %s, want locked", i, op.Status)
		}
	}
}
