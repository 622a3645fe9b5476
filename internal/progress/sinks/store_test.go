package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/crawl"
	"github.com/driftline/driftline/internal/progress"
	"github.com/driftline/driftline/internal/store/memory"
)

func activeSeries(t *testing.T, cat *memory.Catalog, id string) {
	t.Helper()
	ctx := context.Background()
	stage := crawl.Stage{
		ID:   "s1",
		Name: "detail pass",
		Steps: []crawl.Step{
			{Capability: "detail", Class: crawl.ClassNonBlocking},
		},
	}
	require.NoError(t, cat.PutStage(ctx, stage))
	require.NoError(t, cat.PutSeries(ctx, crawl.Series{
		ID: id, Name: id, StageIDs: []string{"s1"}, Status: crawl.SeriesPending,
	}))
	_, err := cat.StartSeries(ctx, id, time.Now())
	require.NoError(t, err)
}

func taskEvent(typ progress.Type, seriesID string) progress.Event {
	return progress.Event{
		Type:      typ,
		TS:        time.Now(),
		SeriesID:  seriesID,
		StageID:   "s1",
		TargetKey: "id=a",
	}
}

func TestStoreSinkFoldsBatchIntoStageCounts(t *testing.T) {
	t.Parallel()

	cat := memory.NewCatalog()
	activeSeries(t, cat, "run")
	sink := NewStoreSink(cat, nil)

	batch := []progress.Event{
		taskEvent(progress.TypeTaskQueued, "run"),
		taskEvent(progress.TypeTaskQueued, "run"),
		taskEvent(progress.TypeTaskSucceeded, "run"),
		taskEvent(progress.TypeTaskTransient, "run"),
		taskEvent(progress.TypeTaskRecycled, "run"),
		taskEvent(progress.TypeTaskPermanent, "run"),
		// Non-task events do not touch the counts.
		{Type: progress.TypeSchedulerTick, TS: time.Now()},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	series, err := cat.GetSeries(context.Background(), "run")
	require.NoError(t, err)
	counts := series.Counts["s1"]
	require.Equal(t, uint64(2), counts.Scheduled)
	require.Equal(t, uint64(1), counts.Succeeded)
	require.Equal(t, uint64(2), counts.Retried)
	require.Equal(t, uint64(1), counts.Failed)
}

func TestStoreSinkUnknownSeriesFails(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(memory.NewCatalog(), nil)
	err := sink.Consume(context.Background(), []progress.Event{
		taskEvent(progress.TypeTaskSucceeded, "ghost"),
	})
	require.ErrorIs(t, err, crawl.ErrNotFound)
}

func TestStoreSinkEmptyBatch(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(memory.NewCatalog(), nil)
	require.NoError(t, sink.Consume(context.Background(), nil))
	require.NoError(t, sink.Close(context.Background()))
}
