package pool

import (
	"context"
	"errors"
	"math/big"
	"time"
)

var (
	ErrNotFound          = errors.New("pool: not found")
	ErrInvalidTransition = errors.New("pool: invalid transition")
	ErrDuplicateBatch    = errors.New("pool: duplicate batch")
)

// OperationStore persists admitted operations.
//
// Implementations must provide per-row atomicity for each call but are not required
// to provide cross-row transactions; the batch scheduler's single-flight section
// compensates for that (see scheduler package).
type OperationStore interface {
	// InsertReceived stores op with status Received unless an operation with the
	// same id already exists. It reports whether a new row was created and returns
	// the stored operation either way (idempotent intake).
	InsertReceived(ctx context.Context, op Operation) (Operation, bool, error)

	GetOperation(ctx context.Context, id [32]byte) (Operation, error)

	// ListReceived returns up to limit operations with status Received, ordered by
	// EnqueuedAt ascending.
	ListReceived(ctx context.Context, limit int) ([]Operation, error)

	// LockOperations transitions every listed operation Received -> Locked.
	// It fails with ErrInvalidTransition if any operation is missing or not Received.
	LockOperations(ctx context.Context, ids [][32]byte) error

	// FinishOperations transitions the listed operations to the given terminal
	// status (Settled or Failed). Already-terminal operations are left untouched.
	FinishOperations(ctx context.Context, ids [][32]byte, status OperationStatus) error
}

// BatchStore persists batches and their lifecycle state.
type BatchStore interface {
	// InsertBatch stores a newly formed batch with status Received.
	// ErrDuplicateBatch is returned if a batch with the same id already exists.
	InsertBatch(ctx context.Context, b Batch) error

	GetBatch(ctx context.Context, id [32]byte) (Batch, error)

	// NextAwaitingProof returns one batch with status Received and transitions it
	// to Locked as a side effect of being fetched. ok is false when none exists.
	NextAwaitingProof(ctx context.Context) (Batch, bool, error)

	// AttachProof atomically stores proof and public inputs and transitions
	// Received|Locked -> ProofSubmitted. Once set they are immutable; a batch in
	// any other state yields ErrInvalidTransition, an unknown id ErrNotFound.
	AttachProof(ctx context.Context, id [32]byte, proof []byte, publicInputs []*big.Int) error

	// MarkSubmitting transitions ProofSubmitted -> Submitting. It is recorded
	// before the settlement transaction is sent so that a crash mid-send leaves
	// evidence that submission was attempted.
	MarkSubmitting(ctx context.Context, id [32]byte) error

	// SetBatchSucceeded transitions Submitting -> Succeeded and records the
	// settlement transaction hash.
	SetBatchSucceeded(ctx context.Context, id [32]byte, settlementTx string) error

	// SetBatchFailed transitions any non-terminal state -> Failed.
	SetBatchFailed(ctx context.Context, id [32]byte) error

	// ListUnsettled returns batches in ProofSubmitted or Submitting whose proof was
	// accepted before cutoff, for reconciliation of interrupted settlements.
	ListUnsettled(ctx context.Context, cutoff time.Time) ([]Batch, error)
}

// Store is the combined persistence surface the bundler runs against.
type Store interface {
	OperationStore
	BatchStore
}
