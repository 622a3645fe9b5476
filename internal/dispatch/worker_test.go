package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/crawl"
	queuememory "github.com/driftline/driftline/internal/queue/memory"
)

func TestWorkerConsumesUntilCancelled(t *testing.T) {
	t.Parallel()

	f := newExecFixture(t, nil, payloadFor)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := queuememory.NewQueue(16, nil)
	defer queue.Close()

	keys := []crawl.TargetKey{f.seedTarget(t, "a"), f.seedTarget(t, "b")}
	for _, key := range keys {
		require.NoError(t, queue.Enqueue(ctx, f.claimTask(t, key, 0, 0)))
	}

	worker := NewWorker(WorkerConfig{
		Concurrency: map[crawl.FetchClass]int{crawl.ClassNonBlocking: 2},
	}, queue, f.executor, nil)

	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, key := range keys {
			if !f.stepState(t, key, 0).Completed {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestWorkerDefaultsToOneConsumerPerClass(t *testing.T) {
	t.Parallel()

	f := newExecFixture(t, nil, payloadFor)
	queue := queuememory.NewQueue(4, nil)
	defer queue.Close()

	worker := NewWorker(WorkerConfig{}, queue, f.executor, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, worker.Run(ctx), context.DeadlineExceeded)
}
