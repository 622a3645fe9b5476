// Package pubsub implements the task queue on Google Cloud Pub/Sub with one
// topic and subscription per fetch class.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/crawl"
)

// Config names the project and the per-class topic/subscription prefixes.
// Class names are appended to the prefixes, e.g. "driftline-tasks-blocking".
type Config struct {
	ProjectID          string
	TopicPrefix        string
	SubscriptionPrefix string
}

// Queue publishes tasks to class topics and consumes them via streaming
// subscribers. Pub/Sub owns redelivery: a nacked message comes back after
// the ack deadline, which is the at-least-once contract the executor
// expects. Delayed enqueue is approximated by publishing after a local
// timer, a documented trade-off of this backend.
type Queue struct {
	client     *pubsub.Client
	cfg        Config
	logger     *zap.Logger
	publishers map[crawl.FetchClass]*pubsub.Publisher

	mu        sync.Mutex
	receivers map[crawl.FetchClass]chan crawl.Delivery
	cancels   []context.CancelFunc
}

// NewQueue constructs the queue. Topics and subscriptions must already
// exist; creating them is deployment tooling's job.
func NewQueue(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("pubsub queue: project id is required")
	}
	if cfg.TopicPrefix == "" || cfg.SubscriptionPrefix == "" {
		return nil, fmt.Errorf("pubsub queue: topic and subscription prefixes are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init: %w", err)
	}
	q := &Queue{
		client:     client,
		cfg:        cfg,
		logger:     logger,
		publishers: make(map[crawl.FetchClass]*pubsub.Publisher, len(crawl.Classes)),
		receivers:  make(map[crawl.FetchClass]chan crawl.Delivery, len(crawl.Classes)),
	}
	for _, class := range crawl.Classes {
		q.publishers[class] = client.Publisher(cfg.TopicPrefix + "-" + string(class))
	}
	return q, nil
}

// Enqueue publishes the task to its class topic and waits for the server
// acknowledgement, so a scheduler tick knows the task is durably queued.
func (q *Queue) Enqueue(ctx context.Context, task crawl.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	result := q.publishers[task.Class].Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish task %s: %w", task.ID, err)
	}
	return nil
}

// EnqueueAfter publishes the task once the delay elapses. The timer lives
// in this process: a crash during the window loses the delay but not the
// task, because the step is still claimed and the lease recycler re-issues
// it after the heartbeat cutoff.
func (q *Queue) EnqueueAfter(_ context.Context, task crawl.Task, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(context.Background(), task)
	}
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := q.Enqueue(ctx, task); err != nil {
			q.logger.Error("delayed publish failed",
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
		}
	})
	return nil
}

// Dequeue returns the next delivery for the class. The first call starts a
// streaming receiver that feeds an unbuffered handoff channel; Pub/Sub's
// flow control then throttles the stream to the worker's pace.
func (q *Queue) Dequeue(ctx context.Context, class crawl.FetchClass) (crawl.Delivery, error) {
	ch := q.receiverChannel(class)
	select {
	case <-ctx.Done():
		return crawl.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case delivery := <-ch:
		return delivery, nil
	}
}

func (q *Queue) receiverChannel(class crawl.FetchClass) chan crawl.Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ch, ok := q.receivers[class]; ok {
		return ch
	}
	ch := make(chan crawl.Delivery)
	q.receivers[class] = ch
	recvCtx, cancel := context.WithCancel(context.Background())
	q.cancels = append(q.cancels, cancel)
	sub := q.client.Subscriber(q.cfg.SubscriptionPrefix + "-" + string(class))
	go func() {
		err := sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			var task crawl.Task
			if err := json.Unmarshal(msg.Data, &task); err != nil {
				q.logger.Error("unmarshal pubsub task", zap.Error(err))
				msg.Ack()
				return
			}
			done := make(chan struct{})
			delivery := crawl.Delivery{
				Task: task,
				Ack: func(context.Context) error {
					msg.Ack()
					close(done)
					return nil
				},
				Nack: func(context.Context) error {
					msg.Nack()
					close(done)
					return nil
				},
			}
			select {
			case ch <- delivery:
				<-done
			case <-recvCtx.Done():
				msg.Nack()
			}
		})
		if err != nil && recvCtx.Err() == nil {
			q.logger.Error("pubsub receive stopped", zap.String("class", string(class)), zap.Error(err))
		}
	}()
	return ch
}

// Close stops receivers and the underlying client.
func (q *Queue) Close() error {
	q.mu.Lock()
	for _, cancel := range q.cancels {
		cancel()
	}
	q.cancels = nil
	q.mu.Unlock()
	for _, pub := range q.publishers {
		pub.Stop()
	}
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
