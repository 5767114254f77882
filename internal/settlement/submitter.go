// Package settlement turns proven batches into on-chain handleOps transactions
// and tracks the result back into the pool.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/zkprover-labs/bundler/internal/artifacts"
	"github.com/zkprover-labs/bundler/internal/entrypointabi"
	"github.com/zkprover-labs/bundler/internal/eth"
	"github.com/zkprover-labs/bundler/internal/pool"
)

var (
	ErrInvalidConfig = errors.New("settlement: invalid config")
	ErrNotProven     = errors.New("settlement: batch has no accepted proof")
	ErrEmptyBatch    = errors.New("settlement: batch has no decodable operations")
)

// Sender submits a signed transaction and blocks until it is mined or the
// relayer gives up.
type Sender interface {
	SendAndWaitMined(ctx context.Context, req eth.TxRequest) (eth.SendResult, error)
}

type SubmitterConfig struct {
	EntryPoint  common.Address
	Beneficiary common.Address
}

// Submitter settles proven batches. Settle is safe to call more than once for
// the same batch; terminal batches are left untouched.
type Submitter struct {
	store   pool.Store
	sender  Sender
	archive artifacts.Archive
	cfg     SubmitterConfig
	log     *slog.Logger
}

func NewSubmitter(store pool.Store, sender Sender, cfg SubmitterConfig, log *slog.Logger) (*Submitter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if sender == nil {
		return nil, fmt.Errorf("%w: nil sender", ErrInvalidConfig)
	}
	if (cfg.EntryPoint == common.Address{}) {
		return nil, fmt.Errorf("%w: zero entrypoint address", ErrInvalidConfig)
	}
	if (cfg.Beneficiary == common.Address{}) {
		return nil, fmt.Errorf("%w: zero beneficiary address", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Submitter{
		store:  store,
		sender: sender,
		cfg:    cfg,
		log:    log,
	}, nil
}

// WithArchive stores the packed handleOps calldata alongside the proof
// artifacts. Archival is best effort and never blocks settlement.
func (s *Submitter) WithArchive(a artifacts.Archive) *Submitter {
	s.archive = a
	return s
}

// Settle drives one batch through submission. Every failure mode ends with the
// batch marked Failed and its member operations Failed; nothing is left
// half-settled for an operator to untangle by hand.
func (s *Submitter) Settle(ctx context.Context, batchID [32]byte) (err error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("settlement: load batch: %w", err)
	}
	if b.Status.Terminal() {
		s.log.Info("batch already settled, skipping",
			"batch", common.Hash(batchID).Hex(),
			"status", b.Status.String(),
		)
		return nil
	}
	if !b.Status.Proven() {
		return fmt.Errorf("%w: batch %s in state %s", ErrNotProven, common.Hash(batchID).Hex(), b.Status)
	}

	// Once the receipt confirms on-chain success the batch must never be
	// marked Failed, even if recording the success errors out.
	settledOnChain := false
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("settlement: panic settling batch %s: %v", common.Hash(batchID).Hex(), r)
		}
		if err != nil && !settledOnChain {
			s.fail(batchID, b.Members, err)
		}
	}()

	// Submitting is recorded before anything is broadcast so a crash mid-send
	// leaves evidence the attempt happened; reconciliation picks it up later.
	if b.Status == pool.BatchStatusProofSubmitted {
		if err := s.store.MarkSubmitting(ctx, batchID); err != nil {
			return fmt.Errorf("settlement: mark submitting: %w", err)
		}
	}

	calldata, opCount, err := s.buildCalldata(ctx, b)
	if err != nil {
		return err
	}
	if s.archive != nil {
		if aerr := s.archive.PutSettlementCalldata(ctx, batchID, calldata); aerr != nil {
			s.log.Error("archive settlement calldata failed", "batch", common.Hash(batchID).Hex(), "err", aerr)
		}
	}

	res, err := s.sender.SendAndWaitMined(ctx, eth.TxRequest{
		To:   s.cfg.EntryPoint,
		Data: calldata,
	})
	if err != nil {
		return fmt.Errorf("settlement: send handleOps: %w", err)
	}
	if res.Receipt == nil || res.Receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("settlement: handleOps reverted: tx %s", res.TxHash.Hex())
	}
	settledOnChain = true

	if err := s.store.SetBatchSucceeded(ctx, batchID, res.TxHash.Hex()); err != nil {
		return fmt.Errorf("settlement: record success: %w", err)
	}
	if err := s.store.FinishOperations(ctx, b.Members, pool.OperationStatusSettled); err != nil {
		// The batch itself is settled on chain; log loudly and keep the error.
		s.log.Error("batch settled but operations not finalized",
			"batch", common.Hash(batchID).Hex(),
			"tx", res.TxHash.Hex(),
			"err", err,
		)
		return nil
	}

	s.log.Info("batch settled",
		"batch", common.Hash(batchID).Hex(),
		"tx", res.TxHash.Hex(),
		"operations", opCount,
		"nonce", res.Nonce,
	)
	return nil
}

// buildCalldata flattens the member operations, in batch order, into a single
// handleOps call. Members whose payload is missing or undecodable are skipped
// with a log line rather than sinking the whole batch.
func (s *Submitter) buildCalldata(ctx context.Context, b pool.Batch) ([]byte, int, error) {
	var flat []entrypointabi.UserOperation
	for _, id := range b.Members {
		op, err := s.store.GetOperation(ctx, id)
		if err != nil {
			if errors.Is(err, pool.ErrNotFound) {
				s.log.Warn("batch member missing, skipping",
					"batch", common.Hash(b.ID).Hex(),
					"operation", common.Hash(id).Hex(),
				)
				continue
			}
			return nil, 0, fmt.Errorf("settlement: load member %s: %w", common.Hash(id).Hex(), err)
		}

		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(op.Payload); err != nil {
			s.log.Warn("batch member payload undecodable, skipping",
				"batch", common.Hash(b.ID).Hex(),
				"operation", common.Hash(id).Hex(),
				"err", err,
			)
			continue
		}
		ops, err := entrypointabi.DecodeOperationCalldata(tx.Data())
		if err != nil {
			s.log.Warn("batch member calldata undecodable, skipping",
				"batch", common.Hash(b.ID).Hex(),
				"operation", common.Hash(id).Hex(),
				"err", err,
			)
			continue
		}
		flat = append(flat, ops...)
	}
	if len(flat) == 0 {
		return nil, 0, fmt.Errorf("%w: batch %s", ErrEmptyBatch, common.Hash(b.ID).Hex())
	}

	publicInput := big.NewInt(0)
	if len(b.PublicInputs) > 0 {
		publicInput = b.PublicInputs[0]
	}
	calldata, err := entrypointabi.PackHandleOps(flat, b.Proof, publicInput, s.cfg.Beneficiary)
	if err != nil {
		return nil, 0, fmt.Errorf("settlement: pack handleOps: %w", err)
	}
	return calldata, len(flat), nil
}

// fail runs on a fresh context: the settlement error may be the caller's ctx
// being canceled, and the failure still has to be persisted.
func (s *Submitter) fail(batchID [32]byte, members [][32]byte, cause error) {
	ctx := context.Background()

	s.log.Error("settlement failed",
		"batch", common.Hash(batchID).Hex(),
		"err", cause,
	)
	if err := s.store.SetBatchFailed(ctx, batchID); err != nil && !errors.Is(err, pool.ErrInvalidTransition) {
		s.log.Error("mark batch failed", "batch", common.Hash(batchID).Hex(), "err", err)
	}
	if err := s.store.FinishOperations(ctx, members, pool.OperationStatusFailed); err != nil {
		s.log.Error("mark operations failed", "batch", common.Hash(batchID).Hex(), "err", err)
	}
}
