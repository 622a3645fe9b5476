package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/crawl"
)

// WorkerConfig sizes one worker process.
type WorkerConfig struct {
	// Concurrency is how many tasks run at once per fetch class. Classes
	// without an entry get one slot.
	Concurrency map[crawl.FetchClass]int
	// DequeueBackoff is the pause after a dequeue error before trying again.
	DequeueBackoff time.Duration
}

// Worker pulls tasks from the class queues and hands them to the executor.
// A task is acknowledged once its outcome is recorded; executor errors mean
// the outcome is unknown, so the delivery is nacked for redelivery.
type Worker struct {
	cfg      WorkerConfig
	queue    crawl.Queue
	executor *Executor
	logger   *zap.Logger
}

// NewWorker wires a Worker.
func NewWorker(cfg WorkerConfig, queue crawl.Queue, executor *Executor, logger *zap.Logger) *Worker {
	if cfg.DequeueBackoff <= 0 {
		cfg.DequeueBackoff = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{cfg: cfg, queue: queue, executor: executor, logger: logger}
}

// Run consumes every fetch class until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, class := range crawl.Classes {
		n := w.cfg.Concurrency[class]
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(class crawl.FetchClass) {
				defer wg.Done()
				w.consume(ctx, class)
			}(class)
		}
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) consume(ctx context.Context, class crawl.FetchClass) {
	logger := w.logger.With(zap.String("class", string(class)))
	for {
		if ctx.Err() != nil {
			return
		}
		delivery, err := w.queue.Dequeue(ctx, class)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.DequeueBackoff):
			}
			continue
		}

		if err := w.executor.Execute(ctx, delivery.Task); err != nil {
			logger.Error("task outcome not recorded, requesting redelivery",
				zap.String("task_id", delivery.Task.ID), zap.Error(err))
			if nackErr := delivery.Nack(ctx); nackErr != nil {
				logger.Warn("nack delivery", zap.Error(nackErr))
			}
			continue
		}
		if ackErr := delivery.Ack(ctx); ackErr != nil {
			logger.Warn("ack delivery", zap.Error(ackErr))
		}
	}
}
