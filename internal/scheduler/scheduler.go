package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zkprover-labs/bundler/internal/pool"
)

var ErrInvalidConfig = errors.New("scheduler: invalid config")

type Config struct {
	// BatchSize is the threshold T: a batch is formed only when at least T
	// operations are pending, and always contains exactly T members.
	BatchSize int

	// TickInterval drives the periodic batching attempt in Run.
	TickInterval time.Duration
}

// Scheduler owns the single-flight batch formation algorithm.
//
// The store provides per-row atomicity only, so the read-lock-insert sequence in
// AttemptBatch must never run concurrently with itself: two interleaved passes would
// read the same pending set and form overlapping batches. A process-wide mutex
// covers the whole read-modify-write cycle; concurrent callers block until the
// in-flight pass completes.
type Scheduler struct {
	cfg   Config
	store pool.Store
	log   *slog.Logger

	mu    sync.Mutex
	nudge chan struct{}
}

func New(cfg Config, store pool.Store, log *slog.Logger) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: BatchSize must be > 0", ErrInvalidConfig)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Scheduler{
		cfg:   cfg,
		store: store,
		log:   log,
		nudge: make(chan struct{}, 1),
	}, nil
}

// Nudge requests a batching attempt without blocking the caller. Multiple nudges
// while a pass is pending coalesce into one.
func (s *Scheduler) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Run drives periodic and nudged batching attempts until ctx is canceled.
// Store errors are logged and absorbed; the next tick retries naturally.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.nudge:
		}

		if _, err := s.AttemptBatch(ctx); err != nil {
			s.log.Error("batching pass failed", "err", err)
		}
	}
}

// AttemptBatch runs one single-flight batching pass and returns the number of
// pending operations it considered.
//
// A batch is formed only at full capacity: fewer than BatchSize pending operations
// means no side effects at all.
func (s *Scheduler) AttemptBatch(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops, err := s.store.ListReceived(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("scheduler: list pending: %w", err)
	}
	if len(ops) < s.cfg.BatchSize {
		return len(ops), nil
	}

	members := make([][32]byte, len(ops))
	for i, op := range ops {
		members[i] = op.ID
	}

	if err := s.store.LockOperations(ctx, members); err != nil {
		return len(ops), fmt.Errorf("scheduler: lock members: %w", err)
	}

	b := pool.Batch{
		ID:      pool.BatchIDV1(members),
		Members: members,
	}
	if err := s.store.InsertBatch(ctx, b); err != nil {
		// Members stay locked; reconciliation or an operator resolves the orphans.
		// The single-flight section makes this reachable only on store failure.
		return len(ops), fmt.Errorf("scheduler: insert batch: %w", err)
	}

	s.log.Info("formed batch",
		"batch", common.Hash(b.ID).Hex(),
		"members", len(members),
	)
	return len(ops), nil
}
