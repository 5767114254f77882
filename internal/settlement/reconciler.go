package settlement

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zkprover-labs/bundler/internal/leases"
	"github.com/zkprover-labs/bundler/internal/pool"
)

// Dispatcher re-enqueues a batch for settlement.
type Dispatcher interface {
	Dispatch(ctx context.Context, batchID [32]byte) error
}

type ReconcilerConfig struct {
	// Owner identifies this process in lease records, typically hostname+pid.
	Owner string

	// Interval between reconciliation passes.
	Interval time.Duration

	// GracePeriod is how long a batch may sit in ProofSubmitted or Submitting
	// before it counts as stuck. It must comfortably exceed the settlement
	// receipt wait or the reconciler will double-dispatch live batches.
	GracePeriod time.Duration

	// LeaseTTL guards one batch across replicas while a re-dispatched job runs.
	LeaseTTL time.Duration

	Now func() time.Time
}

// Reconciler re-dispatches batches whose settlement was interrupted, typically
// by a crash after proof acceptance or between Submitting and the receipt.
type Reconciler struct {
	store    pool.BatchStore
	leaseSt  leases.Store
	dispatch Dispatcher
	cfg      ReconcilerConfig
	log      *slog.Logger
}

func NewReconciler(store pool.BatchStore, leaseStore leases.Store, dispatch Dispatcher, cfg ReconcilerConfig, log *slog.Logger) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if leaseStore == nil {
		return nil, fmt.Errorf("%w: nil lease store", ErrInvalidConfig)
	}
	if dispatch == nil {
		return nil, fmt.Errorf("%w: nil dispatcher", ErrInvalidConfig)
	}
	if cfg.Owner == "" {
		return nil, fmt.Errorf("%w: empty owner", ErrInvalidConfig)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Reconciler{
		store:    store,
		leaseSt:  leaseStore,
		dispatch: dispatch,
		cfg:      cfg,
		log:      log,
	}, nil
}

// Run reconciles on a fixed interval until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := r.ReconcileOnce(ctx); err != nil {
				r.log.Error("reconciliation pass failed", "err", err)
			} else if n > 0 {
				r.log.Info("re-dispatched stuck batches", "count", n)
			}
		}
	}
}

// ReconcileOnce re-dispatches every stuck batch it can take a lease on and
// returns how many it dispatched.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	cutoff := r.cfg.Now().Add(-r.cfg.GracePeriod)
	stuck, err := r.store.ListUnsettled(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("settlement: list unsettled: %w", err)
	}

	dispatched := 0
	for _, b := range stuck {
		_, ok, err := r.leaseSt.TryAcquire(ctx, leases.BatchName(b.ID), r.cfg.Owner, r.cfg.LeaseTTL)
		if err != nil {
			r.log.Error("acquire settlement lease failed",
				"batch", common.Hash(b.ID).Hex(),
				"err", err,
			)
			continue
		}
		if !ok {
			// Another replica is already on it. The lease expires on its own
			// if that replica dies, so no cleanup is needed here.
			continue
		}

		r.log.Warn("batch stuck, re-dispatching",
			"batch", common.Hash(b.ID).Hex(),
			"status", b.Status.String(),
			"updated_at", b.UpdatedAt,
		)
		if err := r.dispatch.Dispatch(ctx, b.ID); err != nil {
			r.log.Error("re-dispatch failed", "batch", common.Hash(b.ID).Hex(), "err", err)
			if rerr := r.leaseSt.Release(ctx, leases.BatchName(b.ID), r.cfg.Owner); rerr != nil {
				r.log.Error("release settlement lease failed", "batch", common.Hash(b.ID).Hex(), "err", rerr)
			}
			continue
		}
		dispatched++
	}
	return dispatched, nil
}
