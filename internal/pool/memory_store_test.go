package pool

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"
)

func testOp(id byte) Operation {
	var sender [20]byte
	sender[19] = id
	return Operation{
		ID:      seq32(id),
		Sender:  sender,
		Payload: []byte{0x02, id, 0xaa},
	}
}

func advancingClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestMemoryStore_InsertReceivedIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(advancingClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))

	op := testOp(0x01)
	first, created, err := s.InsertReceived(ctx, op)
	if err != nil {
		t.Fatalf("InsertReceived: %v", err)
	}
	if !created {
		t.Fatalf("expected created on first insert")
	}
	if first.Status != OperationStatusReceived {
		t.Fatalf("status: got %s, want received", first.Status)
	}

	second, created, err := s.InsertReceived(ctx, op)
	if err != nil {
		t.Fatalf("InsertReceived again: %v", err)
	}
	if created {
		t.Fatalf("duplicate insert must not create a new row")
	}
	if second.ID != first.ID || !second.EnqueuedAt.Equal(first.EnqueuedAt) {
		t.Fatalf("duplicate insert must return the stored operation")
	}
}

func TestMemoryStore_ListReceivedOrdersOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(advancingClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))

	for _, id := range []byte{0x05, 0x01, 0x03} {
		if _, _, err := s.InsertReceived(ctx, testOp(id)); err != nil {
			t.Fatalf("InsertReceived(%#x): %v", id, err)
		}
	}

	got, err := s.ListReceived(ctx, 10)
	if err != nil {
		t.Fatalf("ListReceived: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d operations, want 3", len(got))
	}
	// Insertion order, not id order.
	want := []byte{0x05, 0x01, 0x03}
	for i, w := range want {
		if got[i].ID != seq32(w) {
			t.Fatalf("position %d: got %x, want id starting %#x", i, got[i].ID, w)
		}
	}

	got, err = s.ListReceived(ctx, 2)
	if err != nil {
		t.Fatalf("ListReceived limit: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d operations, want limit 2", len(got))
	}
}

func TestMemoryStore_LockOperationsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	a := testOp(0x01)
	b := testOp(0x02)
	if _, _, err := s.InsertReceived(ctx, a); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if _, _, err := s.InsertReceived(ctx, b); err != nil {
		t.Fatalf("insert b: %v", err)
	}
	if err := s.LockOperations(ctx, [][32]byte{a.ID}); err != nil {
		t.Fatalf("lock a: %v", err)
	}

	// a is already Locked; locking {a, b} must fail without touching b.
	err := s.LockOperations(ctx, [][32]byte{a.ID, b.ID})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
	gotB, err := s.GetOperation(ctx, b.ID)
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if gotB.Status != OperationStatusReceived {
		t.Fatalf("b status: got %s, want received", gotB.Status)
	}
}

func TestMemoryStore_BatchLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(advancingClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))

	members := [][32]byte{seq32(0x01), seq32(0x02)}
	b := Batch{ID: BatchIDV1(members), Members: members}
	if err := s.InsertBatch(ctx, b); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if err := s.InsertBatch(ctx, b); !errors.Is(err, ErrDuplicateBatch) {
		t.Fatalf("duplicate insert: got %v, want ErrDuplicateBatch", err)
	}

	fetched, ok, err := s.NextAwaitingProof(ctx)
	if err != nil || !ok {
		t.Fatalf("NextAwaitingProof: ok=%v err=%v", ok, err)
	}
	if fetched.Status != BatchStatusLocked {
		t.Fatalf("fetched status: got %s, want locked", fetched.Status)
	}
	if _, ok, err := s.NextAwaitingProof(ctx); err != nil || ok {
		t.Fatalf("second fetch must find nothing, ok=%v err=%v", ok, err)
	}

	proof := []byte{0xde, 0xad}
	inputs := []*big.Int{big.NewInt(7), big.NewInt(11)}
	if err := s.AttachProof(ctx, b.ID, proof, inputs); err != nil {
		t.Fatalf("AttachProof: %v", err)
	}
	if err := s.AttachProof(ctx, b.ID, proof, inputs); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second AttachProof: got %v, want ErrInvalidTransition", err)
	}

	if err := s.MarkSubmitting(ctx, b.ID); err != nil {
		t.Fatalf("MarkSubmitting: %v", err)
	}
	if err := s.SetBatchSucceeded(ctx, b.ID, "0xabc"); err != nil {
		t.Fatalf("SetBatchSucceeded: %v", err)
	}

	got, err := s.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Status != BatchStatusSucceeded {
		t.Fatalf("status: got %s, want succeeded", got.Status)
	}
	if got.SettlementTx != "0xabc" {
		t.Fatalf("settlement tx: got %q", got.SettlementTx)
	}
	if len(got.PublicInputs) != 2 || got.PublicInputs[0].Int64() != 7 {
		t.Fatalf("public inputs not preserved: %v", got.PublicInputs)
	}

	if err := s.SetBatchFailed(ctx, b.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("fail after terminal: got %v, want ErrInvalidTransition", err)
	}
}

func TestMemoryStore_AttachProofUnknownBatch(t *testing.T) {
	s := NewMemoryStore(nil)
	err := s.AttachProof(context.Background(), seq32(0x09), []byte{1}, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ListUnsettled(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(advancingClock(start))

	members := [][32]byte{seq32(0x01)}
	b := Batch{ID: BatchIDV1(members), Members: members}
	if err := s.InsertBatch(ctx, b); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if err := s.AttachProof(ctx, b.ID, []byte{1}, nil); err != nil {
		t.Fatalf("AttachProof: %v", err)
	}

	stuck, err := s.ListUnsettled(ctx, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("ListUnsettled: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != b.ID {
		t.Fatalf("got %d stuck batches, want the proven one", len(stuck))
	}

	// A cutoff before the proof acceptance excludes it.
	stuck, err = s.ListUnsettled(ctx, start.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListUnsettled early cutoff: %v", err)
	}
	if len(stuck) != 0 {
		t.Fatalf("got %d stuck batches, want 0", len(stuck))
	}
}
