package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/driftline/driftline/internal/crawl"
)

// LeaseStore registers running tasks in a hash and tracks heartbeats in a
// sorted set scored by heartbeat time, so expiry is one range query.
type LeaseStore struct {
	client valkey.Client
	prefix string
}

// NewLeaseStore wires the shared lease registry.
func NewLeaseStore(client valkey.Client, prefix string) (*LeaseStore, error) {
	if prefix == "" {
		return nil, fmt.Errorf("valkey lease store: key prefix is required")
	}
	return &LeaseStore{client: client, prefix: prefix}, nil
}

func (s *LeaseStore) tasksKey() string {
	return s.prefix + ":leases:tasks"
}

func (s *LeaseStore) deadlinesKey() string {
	return s.prefix + ":leases:heartbeats"
}

// Register records a running task and its first heartbeat.
func (s *LeaseStore) Register(ctx context.Context, task crawl.Task, now time.Time) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal lease task %s: %w", task.ID, err)
	}
	if err := s.client.Do(ctx, s.client.B().Hset().
		Key(s.tasksKey()).FieldValue().FieldValue(task.ID, string(data)).
		Build()).Error(); err != nil {
		return fmt.Errorf("register lease %s: %w", task.ID, err)
	}
	if err := s.client.Do(ctx, s.client.B().Zadd().
		Key(s.deadlinesKey()).ScoreMember().
		ScoreMember(float64(now.UnixMilli()), task.ID).
		Build()).Error(); err != nil {
		return fmt.Errorf("record lease heartbeat %s: %w", task.ID, err)
	}
	return nil
}

// Heartbeat refreshes a lease. A missing lease is not an error: the
// scheduler may have recycled it already, and the task will find out when
// it records its outcome.
func (s *LeaseStore) Heartbeat(ctx context.Context, taskID string, now time.Time) error {
	if err := s.client.Do(ctx, s.client.B().Zadd().
		Key(s.deadlinesKey()).Xx().ScoreMember().
		ScoreMember(float64(now.UnixMilli()), taskID).
		Build()).Error(); err != nil {
		return fmt.Errorf("heartbeat lease %s: %w", taskID, err)
	}
	return nil
}

// Complete removes the lease and reports whether it was still present.
func (s *LeaseStore) Complete(ctx context.Context, taskID string) (bool, error) {
	removed, err := s.client.Do(ctx, s.client.B().Hdel().
		Key(s.tasksKey()).Field(taskID).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("complete lease %s: %w", taskID, err)
	}
	if err := s.client.Do(ctx, s.client.B().Zrem().
		Key(s.deadlinesKey()).Member(taskID).Build()).Error(); err != nil {
		return false, fmt.Errorf("drop lease heartbeat %s: %w", taskID, err)
	}
	return removed > 0, nil
}

// Expired returns and removes leases whose heartbeat is older than the
// cutoff. ZREM decides the winner when several schedulers sweep at once, so
// each stale lease is recycled exactly once.
func (s *LeaseStore) Expired(ctx context.Context, cutoff time.Time) ([]crawl.Lease, error) {
	max := strconv.FormatInt(cutoff.UnixMilli(), 10)
	resp := s.client.Do(ctx, s.client.B().Zrangebyscore().
		Key(s.deadlinesKey()).Min("-inf").Max(max).Withscores().Build())
	if err := resp.Error(); err != nil {
		return nil, fmt.Errorf("scan expired leases: %w", err)
	}
	scored, err := resp.AsZScores()
	if err != nil {
		return nil, fmt.Errorf("scan expired leases: %w", err)
	}

	var leases []crawl.Lease
	for _, entry := range scored {
		taskID := entry.Member
		removed, err := s.client.Do(ctx, s.client.B().Zrem().
			Key(s.deadlinesKey()).Member(taskID).Build()).AsInt64()
		if err != nil || removed == 0 {
			continue
		}
		data, err := s.client.Do(ctx, s.client.B().Hget().
			Key(s.tasksKey()).Field(taskID).Build()).ToString()
		if err != nil {
			continue
		}
		if err := s.client.Do(ctx, s.client.B().Hdel().
			Key(s.tasksKey()).Field(taskID).Build()).Error(); err != nil {
			return nil, fmt.Errorf("drop expired lease %s: %w", taskID, err)
		}
		var task crawl.Task
		if err := json.Unmarshal([]byte(data), &task); err != nil {
			continue
		}
		leases = append(leases, crawl.Lease{
			Task:        task,
			HeartbeatAt: time.UnixMilli(int64(entry.Score)),
		})
	}
	sort.Slice(leases, func(i, j int) bool { return leases[i].Task.ID < leases[j].Task.ID })
	return leases, nil
}
