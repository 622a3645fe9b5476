package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/crawl"
	"github.com/driftline/driftline/internal/progress"
)

// StoreSink folds task events into the per-stage completion counts on the
// series record. It collapses each batch into one delta per (series, stage)
// before touching the catalog to reduce write amplification.
type StoreSink struct {
	catalog crawl.Catalog
	logger  *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided catalog.
func NewStoreSink(catalog crawl.Catalog, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{catalog: catalog, logger: logger}
}

type countsKey struct {
	seriesID string
	stageID  string
}

// Consume aggregates task transitions and forwards the deltas to the
// catalog. It respects ctx deadlines and returns catalog errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.catalog == nil {
		return nil
	}
	deltas := make(map[countsKey]crawl.StageCounts)
	for _, evt := range batch {
		key := countsKey{seriesID: evt.SeriesID, stageID: evt.StageID}
		switch evt.Type {
		case progress.TypeTaskQueued:
			d := deltas[key]
			d.Scheduled++
			deltas[key] = d
		case progress.TypeTaskSucceeded:
			d := deltas[key]
			d.Succeeded++
			deltas[key] = d
		case progress.TypeTaskTransient, progress.TypeTaskRecycled:
			d := deltas[key]
			d.Retried++
			deltas[key] = d
		case progress.TypeTaskPermanent:
			d := deltas[key]
			d.Failed++
			deltas[key] = d
		}
	}
	for key, delta := range deltas {
		if err := s.catalog.AddStageCounts(ctx, key.seriesID, key.stageID, delta); err != nil {
			return fmt.Errorf("add stage counts %s/%s: %w", key.seriesID, key.stageID, err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
