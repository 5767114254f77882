package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/zkprover-labs/bundler/internal/pool"
)

var (
	ErrInvalidConfig      = errors.New("intake: invalid config")
	ErrInvalidTransaction = errors.New("intake: invalid transaction")
)

// Nudger wakes the batch scheduler after an operation is admitted.
//
// Nudge must be non-blocking; intake never waits on batching outcome.
type Nudger interface {
	Nudge()
}

type Config struct {
	ChainID *big.Int
}

// Service validates, deduplicates, and persists incoming signed transactions.
type Service struct {
	cfg    Config
	store  pool.OperationStore
	nudger Nudger
	log    *slog.Logger
}

func New(cfg Config, store pool.OperationStore, nudger Nudger, log *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: ChainID must be > 0", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Service{
		cfg:    cfg,
		store:  store,
		nudger: nudger,
		log:    log,
	}, nil
}

// Submit admits one raw signed transaction into the pool and returns its operation id.
//
// The id is the canonical transaction hash recomputed here from the decoded payload,
// never a client-supplied value, so resubmission of the same transaction is a no-op
// that returns the same id.
func (s *Service) Submit(ctx context.Context, rawTx []byte) ([32]byte, error) {
	if len(rawTx) == 0 {
		return [32]byte{}, fmt.Errorf("%w: empty payload", ErrInvalidTransaction)
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(rawTx); err != nil {
		return [32]byte{}, fmt.Errorf("%w: decode: %v", ErrInvalidTransaction, err)
	}

	sender, err := types.Sender(types.LatestSignerForChainID(s.cfg.ChainID), tx)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: sender recovery: %v", ErrInvalidTransaction, err)
	}

	// Re-marshal so the stored payload is the canonical encoding of what was verified.
	payload, err := tx.MarshalBinary()
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: canonical encoding: %v", ErrInvalidTransaction, err)
	}

	op := pool.Operation{
		ID:      [32]byte(tx.Hash()),
		Sender:  [20]byte(sender),
		Payload: payload,
	}

	stored, created, err := s.store.InsertReceived(ctx, op)
	if err != nil {
		return [32]byte{}, fmt.Errorf("intake: store operation: %w", err)
	}

	if created {
		s.log.Info("admitted operation",
			"operation", tx.Hash().Hex(),
			"sender", sender.Hex(),
		)
		if s.nudger != nil {
			s.nudger.Nudge()
		}
	}

	return stored.ID, nil
}
