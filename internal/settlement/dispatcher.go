package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/zkprover-labs/bundler/internal/queue"
)

const (
	JobVersion   = "v1"
	DefaultTopic = "bundler.settlement.jobs"
)

var ErrInvalidJob = errors.New("settlement: invalid job")

// Job is the queue payload for one settlement attempt.
type Job struct {
	Version      string    `json:"version"`
	BatchID      string    `json:"batch_id"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

func EncodeJob(batchID [32]byte, now time.Time) ([]byte, error) {
	return json.Marshal(Job{
		Version:      JobVersion,
		BatchID:      hexutil.Encode(batchID[:]),
		DispatchedAt: now.UTC(),
	})
}

func DecodeJob(payload []byte) (Job, [32]byte, error) {
	var j Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return Job{}, [32]byte{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if j.Version != JobVersion {
		return Job{}, [32]byte{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidJob, j.Version)
	}
	raw, err := hexutil.Decode(strings.TrimSpace(j.BatchID))
	if err != nil || len(raw) != 32 {
		return Job{}, [32]byte{}, fmt.Errorf("%w: bad batch id %q", ErrInvalidJob, j.BatchID)
	}
	var id [32]byte
	copy(id[:], raw)
	return j, id, nil
}

// QueueDispatcher publishes settlement jobs to a durable queue so crashes
// between proof acceptance and settlement lose nothing. Messages are keyed by
// batch id, keeping retries for one batch on one partition.
type QueueDispatcher struct {
	producer queue.Producer
	topic    string
	now      func() time.Time
}

func NewQueueDispatcher(producer queue.Producer, topic string) (*QueueDispatcher, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	if strings.TrimSpace(topic) == "" {
		topic = DefaultTopic
	}
	return &QueueDispatcher{
		producer: producer,
		topic:    topic,
		now:      time.Now,
	}, nil
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, batchID [32]byte) error {
	payload, err := EncodeJob(batchID, d.now())
	if err != nil {
		return fmt.Errorf("settlement: encode job: %w", err)
	}
	key := []byte(common.Hash(batchID).Hex())
	if err := d.producer.Publish(ctx, d.topic, key, payload); err != nil {
		return fmt.Errorf("settlement: publish job: %w", err)
	}
	return nil
}

// LocalDispatcher settles batches on a background goroutine in the same
// process. It is the single-binary deployment mode; the queue path exists for
// deployments that split intake from settlement.
type LocalDispatcher struct {
	submitter *Submitter
	timeout   time.Duration
	log       *slog.Logger

	wg sync.WaitGroup
}

func NewLocalDispatcher(submitter *Submitter, timeout time.Duration, log *slog.Logger) (*LocalDispatcher, error) {
	if submitter == nil {
		return nil, fmt.Errorf("%w: nil submitter", ErrInvalidConfig)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &LocalDispatcher{
		submitter: submitter,
		timeout:   timeout,
		log:       log,
	}, nil
}

// Dispatch starts settlement and returns immediately. The task runs on a
// detached context; canceling the proof submission RPC must not abort an
// in-flight settlement transaction.
func (d *LocalDispatcher) Dispatch(_ context.Context, batchID [32]byte) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.submitter.Settle(ctx, batchID); err != nil {
			d.log.Error("settlement task failed",
				"batch", common.Hash(batchID).Hex(),
				"err", err,
			)
		}
	}()
	return nil
}

// Wait blocks until all dispatched settlements have finished.
func (d *LocalDispatcher) Wait() { d.wg.Wait() }
