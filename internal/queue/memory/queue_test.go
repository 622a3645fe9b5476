package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/crawl"
)

func queueTask(id string, class crawl.FetchClass) crawl.Task {
	return crawl.Task{
		ID:         id,
		SeriesID:   "series-1",
		Generation: 1,
		TargetKey:  crawl.TargetKey{"id": "a"},
		StageID:    "stage-1",
		Class:      class,
	}
}

func TestEnqueueDequeuePerClass(t *testing.T) {
	t.Parallel()

	q := NewQueue(4, nil)
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queueTask("fast", crawl.ClassNonBlocking)))
	require.NoError(t, q.Enqueue(ctx, queueTask("slow", crawl.ClassBlocking)))

	// Class channels are independent: each dequeue sees only its own class.
	d, err := q.Dequeue(ctx, crawl.ClassBlocking)
	require.NoError(t, err)
	require.Equal(t, "slow", d.Task.ID)
	require.NoError(t, d.Ack(ctx))

	d, err = q.Dequeue(ctx, crawl.ClassNonBlocking)
	require.NoError(t, err)
	require.Equal(t, "fast", d.Task.ID)
}

func TestDequeueUnblocksOnCancel(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, nil)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx, crawl.ClassNonBlocking)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNackRedelivers(t *testing.T) {
	t.Parallel()

	q := NewQueue(2, nil)
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queueTask("t-1", crawl.ClassNonBlocking)))
	d, err := q.Dequeue(ctx, crawl.ClassNonBlocking)
	require.NoError(t, err)
	require.NoError(t, d.Nack(ctx))

	d, err = q.Dequeue(ctx, crawl.ClassNonBlocking)
	require.NoError(t, err)
	require.Equal(t, "t-1", d.Task.ID)
}

func TestEnqueueAfterDelaysDelivery(t *testing.T) {
	t.Parallel()

	q := NewQueue(2, nil)
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.EnqueueAfter(ctx, queueTask("later", crawl.ClassNonBlocking), 30*time.Millisecond))

	// Not there yet.
	immediate, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(immediate, crawl.ClassNonBlocking)
	require.Error(t, err)

	wait, cancelWait := context.WithTimeout(ctx, time.Second)
	defer cancelWait()
	d, err := q.Dequeue(wait, crawl.ClassNonBlocking)
	require.NoError(t, err)
	require.Equal(t, "later", d.Task.ID)
}

func TestEnqueueAfterZeroDelayIsImmediate(t *testing.T) {
	t.Parallel()

	q := NewQueue(2, nil)
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.EnqueueAfter(ctx, queueTask("now", crawl.ClassNonBlocking), 0))
	d, err := q.Dequeue(ctx, crawl.ClassNonBlocking)
	require.NoError(t, err)
	require.Equal(t, "now", d.Task.ID)
}

func TestEnqueueAfterZeroDelayHonorsContextWhenFull(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, nil)
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queueTask("filler", crawl.ClassNonBlocking)))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := q.EnqueueAfter(short, queueTask("stuck", crawl.ClassNonBlocking), 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEnqueueAfterDropsWhenChannelStaysFull(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, nil)
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queueTask("filler", crawl.ClassNonBlocking)))
	require.NoError(t, q.EnqueueAfter(ctx, queueTask("late", crawl.ClassNonBlocking), 10*time.Millisecond))

	// The timer fires against a full channel: the delayed task is dropped
	// instead of parking the timer goroutine forever.
	time.Sleep(50 * time.Millisecond)

	d, err := q.Dequeue(ctx, crawl.ClassNonBlocking)
	require.NoError(t, err)
	require.Equal(t, "filler", d.Task.ID)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(short, crawl.ClassNonBlocking)
	require.Error(t, err)
}

func TestCloseDropsPendingTimers(t *testing.T) {
	t.Parallel()

	q := NewQueue(2, nil)
	ctx := context.Background()

	require.NoError(t, q.EnqueueAfter(ctx, queueTask("dropped", crawl.ClassNonBlocking), 10*time.Millisecond))
	q.Close()
	time.Sleep(30 * time.Millisecond)

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(short, crawl.ClassNonBlocking)
	require.Error(t, err)

	// Close is idempotent.
	q.Close()
}

func TestUnknownClassErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, nil)
	defer q.Close()
	ctx := context.Background()

	require.Error(t, q.Enqueue(ctx, queueTask("x", crawl.FetchClass("warp"))))
	require.Error(t, q.EnqueueAfter(ctx, queueTask("x", crawl.FetchClass("warp")), time.Second))
	_, err := q.Dequeue(ctx, crawl.FetchClass("warp"))
	require.Error(t, err)
}
