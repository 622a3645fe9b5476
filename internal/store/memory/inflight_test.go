package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/crawl"
)

func newCounters(nonblocking, blocking int) *InFlight {
	return NewInFlight(map[crawl.FetchClass]int{
		crawl.ClassNonBlocking: nonblocking,
		crawl.ClassBlocking:    blocking,
	})
}

func TestReserveGrantsUpToBudget(t *testing.T) {
	t.Parallel()

	counters := newCounters(3, 1)
	ctx := context.Background()

	granted, err := counters.Reserve(ctx, crawl.ClassNonBlocking, 10)
	require.NoError(t, err)
	require.Equal(t, 3, granted)

	granted, err = counters.Reserve(ctx, crawl.ClassNonBlocking, 1)
	require.NoError(t, err)
	require.Zero(t, granted)

	// The blocking budget is independent.
	granted, err = counters.Reserve(ctx, crawl.ClassBlocking, 5)
	require.NoError(t, err)
	require.Equal(t, 1, granted)
}

func TestConcurrentReservesNeverExceedBudget(t *testing.T) {
	t.Parallel()

	counters := newCounters(7, 0)
	ctx := context.Background()

	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			granted, err := counters.Reserve(ctx, crawl.ClassNonBlocking, 2)
			require.NoError(t, err)
			mu.Lock()
			total += granted
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 7, total)
	count, err := counters.Count(ctx, crawl.ClassNonBlocking)
	require.NoError(t, err)
	require.Equal(t, 7, count)
}

func TestReleaseFloorsAtZero(t *testing.T) {
	t.Parallel()

	counters := newCounters(2, 0)
	ctx := context.Background()

	_, err := counters.Reserve(ctx, crawl.ClassNonBlocking, 1)
	require.NoError(t, err)
	require.NoError(t, counters.Release(ctx, crawl.ClassNonBlocking, 5))

	count, err := counters.Count(ctx, crawl.ClassNonBlocking)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestTransferMayExceedDestinationBudget(t *testing.T) {
	t.Parallel()

	counters := newCounters(4, 1)
	ctx := context.Background()

	_, err := counters.Reserve(ctx, crawl.ClassNonBlocking, 2)
	require.NoError(t, err)
	_, err = counters.Reserve(ctx, crawl.ClassBlocking, 1)
	require.NoError(t, err)

	// Chaining into a full class overshoots; the next tick compensates.
	require.NoError(t, counters.Transfer(ctx, crawl.ClassNonBlocking, crawl.ClassBlocking))

	nb, err := counters.Count(ctx, crawl.ClassNonBlocking)
	require.NoError(t, err)
	require.Equal(t, 1, nb)
	bl, err := counters.Count(ctx, crawl.ClassBlocking)
	require.NoError(t, err)
	require.Equal(t, 2, bl)

	granted, err := counters.Reserve(ctx, crawl.ClassBlocking, 1)
	require.NoError(t, err)
	require.Zero(t, granted)
}

func TestUnknownClassIsAnError(t *testing.T) {
	t.Parallel()

	counters := newCounters(1, 1)
	ctx := context.Background()

	_, err := counters.Reserve(ctx, crawl.FetchClass("warp"), 1)
	require.Error(t, err)
	require.Error(t, counters.Release(ctx, crawl.FetchClass("warp"), 1))
	require.Error(t, counters.Transfer(ctx, crawl.ClassNonBlocking, crawl.FetchClass("warp")))
	_, err = counters.Count(ctx, crawl.FetchClass("warp"))
	require.Error(t, err)
}

func TestReserveRejectsNegativeCount(t *testing.T) {
	t.Parallel()

	counters := newCounters(1, 1)
	_, err := counters.Reserve(context.Background(), crawl.ClassNonBlocking, -1)
	require.Error(t, err)
}
