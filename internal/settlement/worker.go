package settlement

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zkprover-labs/bundler/internal/queue"
)

type WorkerConfig struct {
	MaxAttempts int           // per job; default 3
	Backoff     time.Duration // between attempts; default 5s
	DeadTopic   string        // exhausted jobs land here; empty disables

	Sleep func(ctx context.Context, d time.Duration) error
}

// Worker consumes settlement jobs from a queue and drives them through the
// submitter. Settle is idempotent, so redelivery after a crash is harmless.
type Worker struct {
	submitter *Submitter
	consumer  queue.Consumer
	dead      queue.Producer
	cfg       WorkerConfig
	log       *slog.Logger
}

func NewWorker(submitter *Submitter, consumer queue.Consumer, dead queue.Producer, cfg WorkerConfig, log *slog.Logger) (*Worker, error) {
	if submitter == nil {
		return nil, fmt.Errorf("%w: nil submitter", ErrInvalidConfig)
	}
	if consumer == nil {
		return nil, fmt.Errorf("%w: nil consumer", ErrInvalidConfig)
	}
	if cfg.DeadTopic != "" && dead == nil {
		return nil, fmt.Errorf("%w: dead topic set without producer", ErrInvalidConfig)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Worker{
		submitter: submitter,
		consumer:  consumer,
		dead:      dead,
		cfg:       cfg,
		log:       log,
	}, nil
}

// Run processes jobs until ctx is canceled or the consumer closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-w.consumer.Errors():
			if ok && err != nil {
				w.log.Error("queue consumer error", "err", err)
			}
		case msg, ok := <-w.consumer.Messages():
			if !ok {
				return nil
			}
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg queue.Message) {
	_, batchID, err := DecodeJob(msg.Value)
	if err != nil {
		// A malformed job never becomes settleable; bury it and move on.
		w.log.Error("dropping malformed settlement job", "err", err)
		w.bury(ctx, msg)
		w.ack(ctx, msg)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		lastErr = w.submitter.Settle(ctx, batchID)
		if lastErr == nil {
			w.ack(ctx, msg)
			return
		}
		w.log.Warn("settlement attempt failed",
			"batch", common.Hash(batchID).Hex(),
			"attempt", attempt,
			"err", lastErr,
		)
		if attempt < w.cfg.MaxAttempts {
			if err := w.cfg.Sleep(ctx, w.cfg.Backoff); err != nil {
				return
			}
		}
	}

	w.log.Error("settlement job exhausted",
		"batch", common.Hash(batchID).Hex(),
		"attempts", w.cfg.MaxAttempts,
		"err", lastErr,
	)
	w.bury(ctx, msg)
	w.ack(ctx, msg)
}

func (w *Worker) bury(ctx context.Context, msg queue.Message) {
	if w.dead == nil || w.cfg.DeadTopic == "" {
		return
	}
	if err := w.dead.Publish(ctx, w.cfg.DeadTopic, msg.Key, msg.Value); err != nil {
		w.log.Error("publish to dead letter topic failed", "topic", w.cfg.DeadTopic, "err", err)
	}
}

func (w *Worker) ack(ctx context.Context, msg queue.Message) {
	if err := msg.Ack(ctx); err != nil {
		w.log.Error("ack settlement job failed", "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
