package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/driftline/driftline/internal/crawl"
)

// Catalog keeps stage and series definitions in memory.
type Catalog struct {
	mu     sync.Mutex
	stages map[string]crawl.Stage
	series map[string]crawl.Series
}

// NewCatalog constructs an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		stages: make(map[string]crawl.Stage),
		series: make(map[string]crawl.Series),
	}
}

// PutStage stores a stage definition. A stage already referenced by a
// series may not change.
func (c *Catalog) PutStage(_ context.Context, stage crawl.Stage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.stages[stage.ID]; ok && c.referencedLocked(stage.ID) {
		if !stagesEqual(existing, stage) {
			return fmt.Errorf("stage %s: %w", stage.ID, crawl.ErrStageImmutable)
		}
		return nil
	}
	c.stages[stage.ID] = stage
	return nil
}

// GetStage returns one stage definition.
func (c *Catalog) GetStage(_ context.Context, id string) (crawl.Stage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stage, ok := c.stages[id]
	if !ok {
		return crawl.Stage{}, fmt.Errorf("stage %s: %w", id, crawl.ErrNotFound)
	}
	return stage, nil
}

// PutSeries stores a series record.
func (c *Catalog) PutSeries(_ context.Context, series crawl.Series) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, stageID := range series.StageIDs {
		if _, ok := c.stages[stageID]; !ok {
			return fmt.Errorf("series %s references stage %s: %w", series.ID, stageID, crawl.ErrNotFound)
		}
	}
	c.series[series.ID] = cloneSeries(series)
	return nil
}

// GetSeries returns one series record.
func (c *Catalog) GetSeries(_ context.Context, id string) (crawl.Series, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	series, ok := c.series[id]
	if !ok {
		return crawl.Series{}, fmt.Errorf("series %s: %w", id, crawl.ErrNotFound)
	}
	return cloneSeries(series), nil
}

// ListSeries returns every series, ordered by id for stable iteration.
func (c *Catalog) ListSeries(_ context.Context) ([]crawl.Series, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]crawl.Series, 0, len(c.series))
	for _, series := range c.series {
		out = append(out, cloneSeries(series))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// StartSeries moves a pending, complete or cancelled series to active and
// increments its generation.
func (c *Catalog) StartSeries(_ context.Context, id string, now time.Time) (crawl.Series, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	series, ok := c.series[id]
	if !ok {
		return crawl.Series{}, fmt.Errorf("series %s: %w", id, crawl.ErrNotFound)
	}
	switch series.Status {
	case crawl.SeriesPending, crawl.SeriesComplete, crawl.SeriesCancelled:
	default:
		return crawl.Series{}, fmt.Errorf("start series %s from %s: %w", id, series.Status, crawl.ErrSeriesNotRunnable)
	}
	series.Status = crawl.SeriesActive
	series.Generation++
	series.StartedAt = now
	series.FinishedAt = time.Time{}
	series.Counts = make(map[string]crawl.StageCounts)
	c.series[id] = series
	return cloneSeries(series), nil
}

// CancelSeries stops task production for the series.
func (c *Catalog) CancelSeries(_ context.Context, id string, now time.Time) (crawl.Series, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	series, ok := c.series[id]
	if !ok {
		return crawl.Series{}, fmt.Errorf("series %s: %w", id, crawl.ErrNotFound)
	}
	if series.Status != crawl.SeriesActive {
		return crawl.Series{}, fmt.Errorf("cancel series %s from %s: %w", id, series.Status, crawl.ErrSeriesNotRunnable)
	}
	series.Status = crawl.SeriesCancelled
	series.FinishedAt = now
	c.series[id] = series
	return cloneSeries(series), nil
}

// CompleteSeries records that no pending work remains for the generation.
func (c *Catalog) CompleteSeries(_ context.Context, id string, now time.Time) (crawl.Series, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	series, ok := c.series[id]
	if !ok {
		return crawl.Series{}, fmt.Errorf("series %s: %w", id, crawl.ErrNotFound)
	}
	if series.Status != crawl.SeriesActive {
		return crawl.Series{}, fmt.Errorf("complete series %s from %s: %w", id, series.Status, crawl.ErrSeriesNotRunnable)
	}
	series.Status = crawl.SeriesComplete
	series.FinishedAt = now
	c.series[id] = series
	return cloneSeries(series), nil
}

// AddStageCounts folds task results into the per-stage aggregates.
func (c *Catalog) AddStageCounts(_ context.Context, id string, stageID string, delta crawl.StageCounts) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	series, ok := c.series[id]
	if !ok {
		return fmt.Errorf("series %s: %w", id, crawl.ErrNotFound)
	}
	if series.Counts == nil {
		series.Counts = make(map[string]crawl.StageCounts)
	}
	counts := series.Counts[stageID]
	counts.Add(delta)
	series.Counts[stageID] = counts
	c.series[id] = series
	return nil
}

func (c *Catalog) referencedLocked(stageID string) bool {
	for _, series := range c.series {
		for _, id := range series.StageIDs {
			if id == stageID {
				return true
			}
		}
	}
	return false
}

func stagesEqual(a, b crawl.Stage) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(aj) == string(bj)
}

func cloneSeries(s crawl.Series) crawl.Series {
	out := s
	out.StageIDs = append([]string(nil), s.StageIDs...)
	if s.Counts != nil {
		out.Counts = make(map[string]crawl.StageCounts, len(s.Counts))
		for k, v := range s.Counts {
			out.Counts[k] = v
		}
	}
	return out
}
