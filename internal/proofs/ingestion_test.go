package proofs

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/zkprover-labs/bundler/internal/artifacts"
	"github.com/zkprover-labs/bundler/internal/pool"
)

func seq32(start byte) (out [32]byte) {
	for i := 0; i < 32; i++ {
		out[i] = start + byte(i)
	}
	return out
}

type recordingDispatcher struct {
	dispatched [][32]byte
	err        error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, batchID [32]byte) error {
	d.dispatched = append(d.dispatched, batchID)
	return d.err
}

func storeWithBatch(t *testing.T) (*pool.MemoryStore, pool.Batch) {
	t.Helper()
	store := pool.NewMemoryStore(nil)
	members := [][32]byte{seq32(0x01), seq32(0x02)}
	for _, id := range members {
		var sender [20]byte
		sender[0] = id[0]
		op := pool.Operation{ID: id, Sender: sender, Payload: []byte{0x02, id[0]}}
		if _, _, err := store.InsertReceived(context.Background(), op); err != nil {
			t.Fatalf("InsertReceived: %v", err)
		}
	}
	b := pool.Batch{ID: pool.BatchIDV1(members), Members: members}
	if err := store.InsertBatch(context.Background(), b); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	return store, b
}

func TestSubmitProof_AcceptsAndDispatches(t *testing.T) {
	store, b := storeWithBatch(t)
	disp := &recordingDispatcher{}
	svc, err := New(store, disp, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	outcome, err := svc.SubmitProof(context.Background(), b.ID, []byte{0xde, 0xad}, []*big.Int{big.NewInt(5)})
	if err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	if !outcome.Accepted() || outcome.Wire() != 1 {
		t.Fatalf("outcome: got %s", outcome)
	}

	got, err := store.GetBatch(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Status != pool.BatchStatusProofSubmitted {
		t.Fatalf("status: got %s, want proof_submitted", got.Status)
	}
	if len(got.Proof) != 2 || len(got.PublicInputs) != 1 {
		t.Fatalf("proof/public inputs not persisted")
	}
	if len(disp.dispatched) != 1 || disp.dispatched[0] != b.ID {
		t.Fatalf("settlement not dispatched for batch")
	}
}

func TestSubmitProof_AcceptsLockedBatch(t *testing.T) {
	store, b := storeWithBatch(t)
	if _, ok, err := store.NextAwaitingProof(context.Background()); err != nil || !ok {
		t.Fatalf("NextAwaitingProof: ok=%v err=%v", ok, err)
	}

	svc, err := New(store, &recordingDispatcher{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	outcome, err := svc.SubmitProof(context.Background(), b.ID, []byte{0x01}, nil)
	if err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	if !outcome.Accepted() {
		t.Fatalf("locked batch must accept a proof, got %s", outcome)
	}
}

func TestSubmitProof_RejectionOutcomes(t *testing.T) {
	store, b := storeWithBatch(t)
	disp := &recordingDispatcher{}
	svc, err := New(store, disp, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	outcome, err := svc.SubmitProof(ctx, seq32(0x77), []byte{0x01}, nil)
	if err != nil {
		t.Fatalf("unknown batch: %v", err)
	}
	if outcome != OutcomeNotFound || outcome.Wire() != 0 {
		t.Fatalf("unknown batch: got %s, want not_found", outcome)
	}

	if _, err := svc.SubmitProof(ctx, b.ID, []byte{0x01}, nil); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	outcome, err = svc.SubmitProof(ctx, b.ID, []byte{0x02}, nil)
	if err != nil {
		t.Fatalf("re-prove: %v", err)
	}
	if outcome != OutcomeAlreadyProven {
		t.Fatalf("re-prove: got %s, want already_proven", outcome)
	}

	// The first proof stays untouched.
	got, err := store.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Proof[0] != 0x01 {
		t.Fatalf("proof was overwritten")
	}
	if len(disp.dispatched) != 1 {
		t.Fatalf("rejected submissions must not dispatch, got %d", len(disp.dispatched))
	}
}

func TestSubmitProof_FailedBatchIsWrongState(t *testing.T) {
	store, b := storeWithBatch(t)
	if err := store.SetBatchFailed(context.Background(), b.ID); err != nil {
		t.Fatalf("SetBatchFailed: %v", err)
	}

	svc, err := New(store, &recordingDispatcher{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	outcome, err := svc.SubmitProof(context.Background(), b.ID, []byte{0x01}, nil)
	if err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	if outcome != OutcomeWrongState {
		t.Fatalf("failed batch: got %s, want wrong_state", outcome)
	}
}

func TestSubmitProof_EmptyProof(t *testing.T) {
	store, b := storeWithBatch(t)
	svc, err := New(store, &recordingDispatcher{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := svc.SubmitProof(context.Background(), b.ID, nil, nil); !errors.Is(err, ErrEmptyProof) {
		t.Fatalf("got %v, want ErrEmptyProof", err)
	}
}

func TestSubmitProof_ArchivesAcceptedProof(t *testing.T) {
	store, b := storeWithBatch(t)
	archive := artifacts.NewMemoryArchive("")
	svc, err := New(store, &recordingDispatcher{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.WithArchive(archive)

	if _, err := svc.SubmitProof(context.Background(), b.ID, []byte{0xaa, 0xbb}, []*big.Int{big.NewInt(9)}); err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}

	proof, err := archive.Get(artifacts.ProofKey(b.ID))
	if err != nil {
		t.Fatalf("archived proof: %v", err)
	}
	if len(proof) != 2 || proof[0] != 0xaa {
		t.Fatalf("archived proof mismatch: %x", proof)
	}
	inputs, err := archive.Get(artifacts.PublicInputsKey(b.ID))
	if err != nil {
		t.Fatalf("archived inputs: %v", err)
	}
	if string(inputs) != "9\n" {
		t.Fatalf("archived inputs: got %q", inputs)
	}
}

func TestSubmitProof_DispatchErrorStillAccepts(t *testing.T) {
	store, b := storeWithBatch(t)
	disp := &recordingDispatcher{err: errors.New("queue down")}
	svc, err := New(store, disp, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	outcome, err := svc.SubmitProof(context.Background(), b.ID, []byte{0x01}, nil)
	if err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	if !outcome.Accepted() {
		t.Fatalf("dispatch failure must not reject the proof, got %s", outcome)
	}
	got, err := store.GetBatch(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Status != pool.BatchStatusProofSubmitted {
		t.Fatalf("status: got %s", got.Status)
	}
}
