// Package valkey implements the task queue on valkey streams with consumer
// groups, giving at-least-once delivery shared across worker processes.
package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/crawl"
)

// Config names the streams, the consumer group and this consumer's identity.
type Config struct {
	StreamPrefix string
	Group        string
	Consumer     string
	Block        time.Duration
}

// Queue routes tasks to one stream per fetch class via XADD and consumes
// them with XREADGROUP. Retry backoff goes through a per-class sorted set
// scored by due time; due entries are promoted onto the stream before each
// read, so no separate promotion loop is needed.
type Queue struct {
	client valkey.Client
	cfg    Config
	logger *zap.Logger
}

// NewQueue constructs the queue and creates the consumer groups.
func NewQueue(ctx context.Context, client valkey.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.StreamPrefix == "" {
		return nil, fmt.Errorf("valkey queue: stream prefix is required")
	}
	if cfg.Group == "" {
		return nil, fmt.Errorf("valkey queue: group is required")
	}
	if cfg.Consumer == "" {
		return nil, fmt.Errorf("valkey queue: consumer is required")
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{client: client, cfg: cfg, logger: logger}
	for _, class := range crawl.Classes {
		if err := q.ensureGroup(ctx, class); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (q *Queue) stream(class crawl.FetchClass) string {
	return q.cfg.StreamPrefix + ":" + string(class)
}

func (q *Queue) delayedSet(class crawl.FetchClass) string {
	return q.cfg.StreamPrefix + ":delayed:" + string(class)
}

func (q *Queue) ensureGroup(ctx context.Context, class crawl.FetchClass) error {
	resp := q.client.Do(ctx, q.client.B().XgroupCreate().
		Key(q.stream(class)).Group(q.cfg.Group).Id("0").Mkstream().Build())
	if err := resp.Error(); err != nil {
		if !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("xgroup create %s: %w", q.stream(class), err)
		}
	}
	return nil
}

// Enqueue appends the task to its class stream.
func (q *Queue) Enqueue(ctx context.Context, task crawl.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	resp := q.client.Do(ctx, q.client.B().Xadd().
		Key(q.stream(task.Class)).Id("*").
		FieldValue().FieldValue("task", string(data)).
		Build())
	if err := resp.Error(); err != nil {
		return fmt.Errorf("xadd task %s: %w", task.ID, err)
	}
	return nil
}

// EnqueueAfter parks the task in the class's delayed set until its due time.
func (q *Queue) EnqueueAfter(ctx context.Context, task crawl.Task, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, task)
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	resp := q.client.Do(ctx, q.client.B().Zadd().
		Key(q.delayedSet(task.Class)).
		ScoreMember().ScoreMember(due, string(data)).
		Build())
	if err := resp.Error(); err != nil {
		return fmt.Errorf("zadd delayed task %s: %w", task.ID, err)
	}
	return nil
}

// Dequeue promotes due delayed tasks, then blocks on XREADGROUP until a
// task arrives or ctx ends. First call also drains this consumer's pending
// entries from a previous crash.
func (q *Queue) Dequeue(ctx context.Context, class crawl.FetchClass) (crawl.Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return crawl.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		default:
		}

		q.promoteDue(ctx, class)

		if delivery, ok := q.readOne(ctx, class, "0"); ok {
			return delivery, nil
		}
		if delivery, ok := q.readOne(ctx, class, ">"); ok {
			return delivery, nil
		}
		if ctx.Err() != nil {
			return crawl.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		}
	}
}

func (q *Queue) readOne(ctx context.Context, class crawl.FetchClass, id string) (crawl.Delivery, bool) {
	builder := q.client.B().Xreadgroup().
		Group(q.cfg.Group, q.cfg.Consumer).
		Count(1)
	var cmd valkey.Completed
	if id == ">" {
		cmd = builder.Block(q.cfg.Block.Milliseconds()).Streams().Key(q.stream(class)).Id(id).Build()
	} else {
		cmd = builder.Streams().Key(q.stream(class)).Id(id).Build()
	}
	resp := q.client.Do(ctx, cmd)
	if err := resp.Error(); err != nil {
		return crawl.Delivery{}, false
	}
	results, err := resp.AsXRead()
	if err != nil {
		return crawl.Delivery{}, false
	}
	for _, messages := range results {
		for _, msg := range messages {
			if delivery, ok := q.toDelivery(class, msg); ok {
				return delivery, true
			}
		}
	}
	return crawl.Delivery{}, false
}

func (q *Queue) toDelivery(class crawl.FetchClass, msg valkey.XRangeEntry) (crawl.Delivery, bool) {
	data, ok := msg.FieldValues["task"]
	if !ok {
		q.logger.Warn("stream entry missing task field", zap.String("id", msg.ID))
		q.ack(context.Background(), class, msg.ID)
		return crawl.Delivery{}, false
	}
	var task crawl.Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		q.logger.Error("unmarshal stream task", zap.Error(err), zap.String("id", msg.ID))
		q.ack(context.Background(), class, msg.ID)
		return crawl.Delivery{}, false
	}
	msgID := msg.ID
	return crawl.Delivery{
		Task: task,
		Ack: func(ctx context.Context) error {
			return q.ack(ctx, class, msgID)
		},
		Nack: func(ctx context.Context) error {
			// Leave the entry pending: the next Dequeue drains it again.
			return nil
		},
	}, true
}

func (q *Queue) ack(ctx context.Context, class crawl.FetchClass, msgID string) error {
	resp := q.client.Do(ctx, q.client.B().Xack().
		Key(q.stream(class)).Group(q.cfg.Group).Id(msgID).Build())
	if err := resp.Error(); err != nil {
		return fmt.Errorf("xack %s: %w", msgID, err)
	}
	return nil
}

// promoteDue moves delayed tasks whose due time has passed onto the stream.
// ZREM decides the winner when multiple consumers promote concurrently.
func (q *Queue) promoteDue(ctx context.Context, class crawl.FetchClass) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	resp := q.client.Do(ctx, q.client.B().Zrangebyscore().
		Key(q.delayedSet(class)).Min("-inf").Max(now).Build())
	if err := resp.Error(); err != nil {
		return
	}
	members, err := resp.AsStrSlice()
	if err != nil {
		return
	}
	for _, member := range members {
		rem := q.client.Do(ctx, q.client.B().Zrem().
			Key(q.delayedSet(class)).Member(member).Build())
		removed, err := rem.AsInt64()
		if err != nil || removed == 0 {
			continue
		}
		add := q.client.Do(ctx, q.client.B().Xadd().
			Key(q.stream(class)).Id("*").
			FieldValue().FieldValue("task", member).
			Build())
		if err := add.Error(); err != nil {
			q.logger.Error("promote delayed task failed", zap.Error(err))
		}
	}
}
