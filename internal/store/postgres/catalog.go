package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/driftline/driftline/internal/crawl"
)

// Catalog persists stage and series definitions as JSONB documents.
// Lifecycle transitions read the document under FOR UPDATE so concurrent
// starts of the same series serialize on the row lock and the generation
// bumps exactly once per call.
type Catalog struct {
	db querier
}

// NewCatalog wraps a pool or mock.
func NewCatalog(db querier) *Catalog {
	return &Catalog{db: db}
}

// PutStage stores a stage definition. A stage already referenced by a
// series may not change.
func (c *Catalog) PutStage(ctx context.Context, stage crawl.Stage) error {
	doc, err := json.Marshal(stage)
	if err != nil {
		return fmt.Errorf("marshal stage: %w", err)
	}
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin put stage: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existing []byte
	err = tx.QueryRow(ctx,
		`SELECT doc FROM stages WHERE id = $1 FOR UPDATE`, stage.ID).Scan(&existing)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read stage: %w", err)
	default:
		if string(existing) == string(doc) {
			return tx.Commit(ctx)
		}
		var referenced bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM series WHERE doc->'stage_ids' ? $1)`, stage.ID,
		).Scan(&referenced); err != nil {
			return fmt.Errorf("check stage references: %w", err)
		}
		if referenced {
			return fmt.Errorf("stage %s: %w", stage.ID, crawl.ErrStageImmutable)
		}
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO stages (id, doc, created_at) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
		stage.ID, doc, stage.CreatedAt); err != nil {
		return fmt.Errorf("write stage: %w", err)
	}
	return tx.Commit(ctx)
}

// GetStage returns one stage definition.
func (c *Catalog) GetStage(ctx context.Context, id string) (crawl.Stage, error) {
	var doc []byte
	err := c.db.QueryRow(ctx, `SELECT doc FROM stages WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.Stage{}, fmt.Errorf("stage %s: %w", id, crawl.ErrNotFound)
	}
	if err != nil {
		return crawl.Stage{}, fmt.Errorf("get stage: %w", err)
	}
	var stage crawl.Stage
	if err := json.Unmarshal(doc, &stage); err != nil {
		return crawl.Stage{}, fmt.Errorf("decode stage: %w", err)
	}
	return stage, nil
}

// PutSeries stores a series record after verifying its stages exist.
func (c *Catalog) PutSeries(ctx context.Context, series crawl.Series) error {
	doc, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("marshal series: %w", err)
	}
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin put series: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, stageID := range series.StageIDs {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM stages WHERE id = $1)`, stageID).Scan(&exists); err != nil {
			return fmt.Errorf("check stage %s: %w", stageID, err)
		}
		if !exists {
			return fmt.Errorf("series %s references stage %s: %w", series.ID, stageID, crawl.ErrNotFound)
		}
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO series (id, doc) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
		series.ID, doc); err != nil {
		return fmt.Errorf("write series: %w", err)
	}
	return tx.Commit(ctx)
}

// GetSeries returns one series record.
func (c *Catalog) GetSeries(ctx context.Context, id string) (crawl.Series, error) {
	var doc []byte
	err := c.db.QueryRow(ctx, `SELECT doc FROM series WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.Series{}, fmt.Errorf("series %s: %w", id, crawl.ErrNotFound)
	}
	if err != nil {
		return crawl.Series{}, fmt.Errorf("get series: %w", err)
	}
	return decodeSeries(doc)
}

// ListSeries returns every series ordered by id.
func (c *Catalog) ListSeries(ctx context.Context) ([]crawl.Series, error) {
	rows, err := c.db.Query(ctx, `SELECT doc FROM series ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	defer rows.Close()

	var out []crawl.Series
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan series: %w", err)
		}
		series, err := decodeSeries(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, series)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read series: %w", err)
	}
	return out, nil
}

// StartSeries moves a pending, complete or cancelled series to active and
// increments its generation.
func (c *Catalog) StartSeries(ctx context.Context, id string, now time.Time) (crawl.Series, error) {
	return c.transition(ctx, id, func(series *crawl.Series) error {
		switch series.Status {
		case crawl.SeriesPending, crawl.SeriesComplete, crawl.SeriesCancelled:
		default:
			return fmt.Errorf("start series %s from %s: %w", id, series.Status, crawl.ErrSeriesNotRunnable)
		}
		series.Status = crawl.SeriesActive
		series.Generation++
		series.StartedAt = now
		series.FinishedAt = time.Time{}
		series.Counts = make(map[string]crawl.StageCounts)
		return nil
	})
}

// CancelSeries stops task production for the series.
func (c *Catalog) CancelSeries(ctx context.Context, id string, now time.Time) (crawl.Series, error) {
	return c.transition(ctx, id, func(series *crawl.Series) error {
		if series.Status != crawl.SeriesActive {
			return fmt.Errorf("cancel series %s from %s: %w", id, series.Status, crawl.ErrSeriesNotRunnable)
		}
		series.Status = crawl.SeriesCancelled
		series.FinishedAt = now
		return nil
	})
}

// CompleteSeries records that no pending work remains for the generation.
func (c *Catalog) CompleteSeries(ctx context.Context, id string, now time.Time) (crawl.Series, error) {
	return c.transition(ctx, id, func(series *crawl.Series) error {
		if series.Status != crawl.SeriesActive {
			return fmt.Errorf("complete series %s from %s: %w", id, series.Status, crawl.ErrSeriesNotRunnable)
		}
		series.Status = crawl.SeriesComplete
		series.FinishedAt = now
		return nil
	})
}

// AddStageCounts folds task results into the per-stage aggregates.
func (c *Catalog) AddStageCounts(ctx context.Context, id string, stageID string, delta crawl.StageCounts) error {
	_, err := c.transition(ctx, id, func(series *crawl.Series) error {
		if series.Counts == nil {
			series.Counts = make(map[string]crawl.StageCounts)
		}
		counts := series.Counts[stageID]
		counts.Add(delta)
		series.Counts[stageID] = counts
		return nil
	})
	return err
}

// transition applies a mutation to the series document under a row lock.
func (c *Catalog) transition(ctx context.Context, id string, mutate func(*crawl.Series) error) (crawl.Series, error) {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return crawl.Series{}, fmt.Errorf("begin series transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var doc []byte
	err = tx.QueryRow(ctx, `SELECT doc FROM series WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.Series{}, fmt.Errorf("series %s: %w", id, crawl.ErrNotFound)
	}
	if err != nil {
		return crawl.Series{}, fmt.Errorf("lock series: %w", err)
	}
	series, err := decodeSeries(doc)
	if err != nil {
		return crawl.Series{}, err
	}
	if err := mutate(&series); err != nil {
		return crawl.Series{}, err
	}
	updated, err := json.Marshal(series)
	if err != nil {
		return crawl.Series{}, fmt.Errorf("marshal series: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE series SET doc = $2 WHERE id = $1`, id, updated); err != nil {
		return crawl.Series{}, fmt.Errorf("write series: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return crawl.Series{}, fmt.Errorf("commit series transition: %w", err)
	}
	return series, nil
}

func decodeSeries(doc []byte) (crawl.Series, error) {
	var series crawl.Series
	if err := json.Unmarshal(doc, &series); err != nil {
		return crawl.Series{}, fmt.Errorf("decode series: %w", err)
	}
	return series, nil
}
