// Package memory provides the in-process task queue used by tests and
// single-node runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/crawl"
)

// Queue is a bounded in-memory task queue with one channel per fetch class
// and timer-based delayed delivery for retry backoff. Deliveries follow the
// at-least-once contract: a nacked task is re-enqueued.
type Queue struct {
	channels map[crawl.FetchClass]chan crawl.Task
	logger   *zap.Logger

	closeMu sync.Mutex
	closed  bool

	timerMu sync.Mutex
	timers  map[*time.Timer]struct{}
}

// NewQueue constructs a queue with the provided per-class capacity. The
// logger may be nil.
func NewQueue(capacity int, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	channels := make(map[crawl.FetchClass]chan crawl.Task, len(crawl.Classes))
	for _, class := range crawl.Classes {
		channels[class] = make(chan crawl.Task, capacity)
	}
	return &Queue{
		channels: channels,
		logger:   logger,
		timers:   make(map[*time.Timer]struct{}),
	}
}

// Enqueue pushes a task onto its class channel or returns when ctx ends.
func (q *Queue) Enqueue(ctx context.Context, task crawl.Task) error {
	ch, ok := q.channels[task.Class]
	if !ok {
		return fmt.Errorf("enqueue: unknown class %q", task.Class)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case ch <- task:
		return nil
	}
}

// EnqueueAfter delivers the task no earlier than the delay. The timer fires
// in its own goroutine; a closed queue drops the task, as does a class
// channel that is still full when the timer fires — the lease recycler
// re-seeds dropped work.
func (q *Queue) EnqueueAfter(ctx context.Context, task crawl.Task, delay time.Duration) error {
	if _, ok := q.channels[task.Class]; !ok {
		return fmt.Errorf("enqueue after: unknown class %q", task.Class)
	}
	if delay <= 0 {
		return q.Enqueue(ctx, task)
	}
	ch := q.channels[task.Class]
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.timerMu.Lock()
		delete(q.timers, timer)
		q.timerMu.Unlock()
		q.closeMu.Lock()
		closed := q.closed
		q.closeMu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- task:
		default:
			q.logger.Warn("dropping delayed task, class channel full",
				zap.String("task_id", task.ID),
				zap.String("class", string(task.Class)))
		}
	})
	q.timerMu.Lock()
	q.timers[timer] = struct{}{}
	q.timerMu.Unlock()
	return nil
}

// Dequeue blocks until a task for the class arrives or ctx ends. Ack is a
// no-op for the memory backend; Nack re-enqueues the task.
func (q *Queue) Dequeue(ctx context.Context, class crawl.FetchClass) (crawl.Delivery, error) {
	ch, ok := q.channels[class]
	if !ok {
		return crawl.Delivery{}, fmt.Errorf("dequeue: unknown class %q", class)
	}
	select {
	case <-ctx.Done():
		return crawl.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, open := <-ch:
		if !open {
			return crawl.Delivery{}, errors.New("queue closed")
		}
		return crawl.Delivery{
			Task: task,
			Ack:  func(context.Context) error { return nil },
			Nack: func(ctx context.Context) error { return q.Enqueue(ctx, task) },
		}, nil
	}
}

// Close stops delayed timers. The class channels stay open: consumers exit
// through context cancellation, and leaving the channels open keeps a timer
// that already fired from panicking on a closed channel.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.timerMu.Lock()
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = make(map[*time.Timer]struct{})
	q.timerMu.Unlock()
}
