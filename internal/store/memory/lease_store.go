package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/driftline/driftline/internal/crawl"
)

// LeaseStore tracks running tasks and their heartbeats in memory.
type LeaseStore struct {
	mu     sync.Mutex
	leases map[string]crawl.Lease
}

// NewLeaseStore constructs an empty LeaseStore.
func NewLeaseStore() *LeaseStore {
	return &LeaseStore{leases: make(map[string]crawl.Lease)}
}

// Register records a running task.
func (s *LeaseStore) Register(_ context.Context, task crawl.Task, now time.Time) error {
	if task.ID == "" {
		return fmt.Errorf("register lease: task has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[task.ID] = crawl.Lease{Task: task, HeartbeatAt: now}
	return nil
}

// Heartbeat refreshes a lease. A missing lease is not an error: the
// scheduler may already have recycled it.
func (s *LeaseStore) Heartbeat(_ context.Context, taskID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[taskID]
	if !ok {
		return nil
	}
	lease.HeartbeatAt = now
	s.leases[taskID] = lease
	return nil
}

// Complete removes the lease and reports whether it was still present.
func (s *LeaseStore) Complete(_ context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.leases[taskID]
	delete(s.leases, taskID)
	return ok, nil
}

// Expired removes and returns leases whose last heartbeat is older than the
// cutoff, so each stale lease is recycled exactly once.
func (s *LeaseStore) Expired(_ context.Context, cutoff time.Time) ([]crawl.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawl.Lease
	for id, lease := range s.leases {
		if lease.HeartbeatAt.Before(cutoff) {
			out = append(out, lease)
			delete(s.leases, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task.ID < out[j].Task.ID })
	return out, nil
}
