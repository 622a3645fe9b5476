package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/crawl"
)

func testStage(id string) crawl.Stage {
	return crawl.Stage{
		ID:   id,
		Name: "stage " + id,
		Steps: []crawl.Step{
			{Capability: "detail", Class: crawl.ClassNonBlocking},
		},
	}
}

func testSeries(id string, stageIDs ...string) crawl.Series {
	return crawl.Series{
		ID:       id,
		Name:     "series " + id,
		StageIDs: stageIDs,
		Status:   crawl.SeriesPending,
	}
}

func TestPutStageMutableUntilReferenced(t *testing.T) {
	t.Parallel()

	cat := NewCatalog()
	ctx := context.Background()

	require.NoError(t, cat.PutStage(ctx, testStage("s1")))

	// Unreferenced stages can still be edited.
	changed := testStage("s1")
	changed.Steps[0].Capability = "listing"
	require.NoError(t, cat.PutStage(ctx, changed))

	require.NoError(t, cat.PutSeries(ctx, testSeries("run", "s1")))

	changed.Steps[0].Capability = "detail"
	err := cat.PutStage(ctx, changed)
	require.ErrorIs(t, err, crawl.ErrStageImmutable)

	// An identical re-put of a referenced stage is accepted.
	current, err := cat.GetStage(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, cat.PutStage(ctx, current))
}

func TestPutSeriesRequiresKnownStages(t *testing.T) {
	t.Parallel()

	cat := NewCatalog()
	err := cat.PutSeries(context.Background(), testSeries("run", "missing"))
	require.ErrorIs(t, err, crawl.ErrNotFound)
}

func TestStartSeriesBumpsGenerationAndResetsCounts(t *testing.T) {
	t.Parallel()

	cat := NewCatalog()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, cat.PutStage(ctx, testStage("s1")))
	require.NoError(t, cat.PutSeries(ctx, testSeries("run", "s1")))

	series, err := cat.StartSeries(ctx, "run", now)
	require.NoError(t, err)
	require.Equal(t, crawl.SeriesActive, series.Status)
	require.Equal(t, uint64(1), series.Generation)
	require.Equal(t, now, series.StartedAt)

	require.NoError(t, cat.AddStageCounts(ctx, "run", "s1", crawl.StageCounts{Scheduled: 3, Succeeded: 2}))
	series, err = cat.GetSeries(ctx, "run")
	require.NoError(t, err)
	require.Equal(t, uint64(3), series.Counts["s1"].Scheduled)

	// Restart: a second start is legal only after a terminal state.
	_, err = cat.StartSeries(ctx, "run", now)
	require.ErrorIs(t, err, crawl.ErrSeriesNotRunnable)

	_, err = cat.CompleteSeries(ctx, "run", now.Add(time.Hour))
	require.NoError(t, err)
	series, err = cat.StartSeries(ctx, "run", now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, uint64(2), series.Generation)
	require.Empty(t, series.Counts)
	require.True(t, series.FinishedAt.IsZero())
}

func TestCancelAndCompleteRequireActive(t *testing.T) {
	t.Parallel()

	cat := NewCatalog()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, cat.PutStage(ctx, testStage("s1")))
	require.NoError(t, cat.PutSeries(ctx, testSeries("run", "s1")))

	_, err := cat.CancelSeries(ctx, "run", now)
	require.ErrorIs(t, err, crawl.ErrSeriesNotRunnable)
	_, err = cat.CompleteSeries(ctx, "run", now)
	require.ErrorIs(t, err, crawl.ErrSeriesNotRunnable)

	_, err = cat.StartSeries(ctx, "run", now)
	require.NoError(t, err)
	series, err := cat.CancelSeries(ctx, "run", now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, crawl.SeriesCancelled, series.Status)
	require.Equal(t, now.Add(time.Minute), series.FinishedAt)

	_, err = cat.CancelSeries(ctx, "run", now)
	require.ErrorIs(t, err, crawl.ErrSeriesNotRunnable)
}

func TestListSeriesSortedByID(t *testing.T) {
	t.Parallel()

	cat := NewCatalog()
	ctx := context.Background()
	require.NoError(t, cat.PutStage(ctx, testStage("s1")))
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		require.NoError(t, cat.PutSeries(ctx, testSeries(id, "s1")))
	}

	out, err := cat.ListSeries(ctx)
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, "alpha", out[0].ID)
	require.Equal(t, "bravo", out[1].ID)
	require.Equal(t, "charlie", out[2].ID)
}

func TestCatalogUnknownLookups(t *testing.T) {
	t.Parallel()

	cat := NewCatalog()
	ctx := context.Background()
	_, err := cat.GetStage(ctx, "nope")
	require.ErrorIs(t, err, crawl.ErrNotFound)
	_, err = cat.GetSeries(ctx, "nope")
	require.ErrorIs(t, err, crawl.ErrNotFound)
	_, err = cat.StartSeries(ctx, "nope", time.Now())
	require.ErrorIs(t, err, crawl.ErrNotFound)
	require.ErrorIs(t, cat.AddStageCounts(ctx, "nope", "s1", crawl.StageCounts{}), crawl.ErrNotFound)
}
