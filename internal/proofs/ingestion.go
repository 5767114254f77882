package proofs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zkprover-labs/bundler/internal/artifacts"
	"github.com/zkprover-labs/bundler/internal/pool"
)

var (
	ErrInvalidConfig = errors.New("proofs: invalid config")
	ErrEmptyProof    = errors.New("proofs: empty proof")
)

// Outcome classifies a proof submission. The wire contract collapses it to a 0/1
// accepted flag, but internally the causes stay distinguishable for logs and metrics.
type Outcome uint8

const (
	OutcomeAccepted Outcome = iota
	OutcomeNotFound
	OutcomeWrongState
	OutcomeAlreadyProven
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeWrongState:
		return "wrong_state"
	case OutcomeAlreadyProven:
		return "already_proven"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

func (o Outcome) Accepted() bool { return o == OutcomeAccepted }

// Wire maps the outcome to the numeric accepted flag exposed by the RPC surface.
func (o Outcome) Wire() uint64 {
	if o.Accepted() {
		return 1
	}
	return 0
}

// Dispatcher hands an accepted batch to the settlement pipeline.
//
// Dispatch must not block on settlement completion; proof acceptance returns to the
// caller before the settlement transaction is even built.
type Dispatcher interface {
	Dispatch(ctx context.Context, batchID [32]byte) error
}

// Service accepts externally computed validity proofs for formed batches.
type Service struct {
	store      pool.BatchStore
	dispatcher Dispatcher
	archive    artifacts.Archive
	log        *slog.Logger
}

func New(store pool.BatchStore, dispatcher Dispatcher, log *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("%w: nil dispatcher", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		log:        log,
	}, nil
}

// WithArchive configures optional artifact persistence for accepted proofs.
func (s *Service) WithArchive(a artifacts.Archive) *Service {
	s.archive = a
	return s
}

// SubmitProof attaches a proof and its public inputs to an eligible batch and
// launches settlement.
//
// Eligibility covers both pre-proof states: Received is the normal case, Locked
// is a batch already handed to a prover via the fetch endpoint. The proof and
// public inputs are written atomically with the transition to ProofSubmitted and
// are immutable afterwards. A non-accepted outcome is not an error; the error
// return carries store failures only.
func (s *Service) SubmitProof(ctx context.Context, batchID [32]byte, proof []byte, publicInputs []*big.Int) (Outcome, error) {
	if len(proof) == 0 {
		return OutcomeWrongState, ErrEmptyProof
	}

	err := s.store.AttachProof(ctx, batchID, proof, publicInputs)
	switch {
	case err == nil:
	case errors.Is(err, pool.ErrNotFound):
		return OutcomeNotFound, nil
	case errors.Is(err, pool.ErrInvalidTransition):
		return s.classifyRejection(ctx, batchID)
	default:
		return OutcomeWrongState, fmt.Errorf("proofs: attach proof: %w", err)
	}

	s.archiveAccepted(ctx, batchID, proof, publicInputs)

	if err := s.dispatcher.Dispatch(ctx, batchID); err != nil {
		// The proof is durably attached; reconciliation re-dispatches stuck
		// batches, so a dispatch failure must not refuse the submission.
		s.log.Error("settlement dispatch failed",
			"batch", common.Hash(batchID).Hex(),
			"err", err,
		)
	}

	s.log.Info("accepted proof",
		"batch", common.Hash(batchID).Hex(),
		"proofBytes", len(proof),
		"publicInputs", len(publicInputs),
	)
	return OutcomeAccepted, nil
}

func (s *Service) classifyRejection(ctx context.Context, batchID [32]byte) (Outcome, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, pool.ErrNotFound) {
			return OutcomeNotFound, nil
		}
		return OutcomeWrongState, fmt.Errorf("proofs: inspect batch: %w", err)
	}
	if b.Status.Proven() {
		return OutcomeAlreadyProven, nil
	}
	return OutcomeWrongState, nil
}

// archiveAccepted is best-effort: the batch row is the source of truth and the
// object store copy exists for audit, so archival failure only logs.
func (s *Service) archiveAccepted(ctx context.Context, batchID [32]byte, proof []byte, publicInputs []*big.Int) {
	if s.archive == nil {
		return
	}
	if err := s.archive.PutProof(ctx, batchID, proof); err != nil {
		s.log.Error("archive proof failed", "batch", common.Hash(batchID).Hex(), "err", err)
	}
	if err := s.archive.PutPublicInputs(ctx, batchID, publicInputs); err != nil {
		s.log.Error("archive public inputs failed", "batch", common.Hash(batchID).Hex(), "err", err)
	}
}
