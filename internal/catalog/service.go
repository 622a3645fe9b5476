// Package catalog validates stage and series definitions before they reach
// the durable registry, and drives the series lifecycle.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/capability"
	"github.com/driftline/driftline/internal/crawl"
	"github.com/driftline/driftline/internal/progress"
)

// ErrConfig marks definition errors the caller can fix: empty names,
// unknown capability identifiers, malformed filters. The API maps it to an
// unprocessable-entity response.
var ErrConfig = errors.New("invalid definition")

// Nudger wakes the scheduler, used after a series starts so the first tick
// does not wait for the interval.
type Nudger interface {
	Notify()
}

// Service is the registrar in front of the catalog store. Every definition
// is validated structurally and against the capability registry before it
// is persisted, so a series that registers successfully can always run.
type Service struct {
	catalog  crawl.Catalog
	registry *capability.Registry
	clock    crawl.Clock
	idgen    crawl.IDGenerator
	emitter  progress.Emitter
	nudger   Nudger
	logger   *zap.Logger
}

// NewService wires a Service. Emitter, nudger and logger may be nil.
func NewService(
	catalog crawl.Catalog,
	registry *capability.Registry,
	clock crawl.Clock,
	idgen crawl.IDGenerator,
	emitter progress.Emitter,
	nudger Nudger,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		catalog:  catalog,
		registry: registry,
		clock:    clock,
		idgen:    idgen,
		emitter:  emitter,
		nudger:   nudger,
		logger:   logger,
	}
}

// RegisterStage validates and stores one stage definition. Identifiers the
// stage references must already be registered; a stage referenced by a
// series may not change.
func (s *Service) RegisterStage(ctx context.Context, stage crawl.Stage) (crawl.Stage, error) {
	if stage.ID == "" {
		id, err := s.idgen.NewID()
		if err != nil {
			return crawl.Stage{}, fmt.Errorf("new stage id: %w", err)
		}
		stage.ID = id
	}
	if stage.CreatedAt.IsZero() {
		stage.CreatedAt = s.clock.Now()
	}
	if err := stage.Validate(); err != nil {
		return crawl.Stage{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := s.registry.ValidateStage(stage); err != nil {
		return crawl.Stage{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := s.catalog.PutStage(ctx, stage); err != nil {
		return crawl.Stage{}, err
	}
	s.logger.Info("stage registered",
		zap.String("stage_id", stage.ID),
		zap.String("name", stage.Name),
		zap.Int("steps", len(stage.Steps)))
	return stage, nil
}

// RegisterSeries validates and stores a series, registering any inline
// stage definitions first. When the series names no stage ids, the inline
// stages become its stage list in order.
func (s *Service) RegisterSeries(ctx context.Context, series crawl.Series, stages []crawl.Stage) (crawl.Series, error) {
	inlineIDs := make([]string, 0, len(stages))
	for _, stage := range stages {
		registered, err := s.RegisterStage(ctx, stage)
		if err != nil {
			return crawl.Series{}, err
		}
		inlineIDs = append(inlineIDs, registered.ID)
	}
	if len(series.StageIDs) == 0 {
		series.StageIDs = inlineIDs
	}

	if series.ID == "" {
		id, err := s.idgen.NewID()
		if err != nil {
			return crawl.Series{}, fmt.Errorf("new series id: %w", err)
		}
		series.ID = id
	}
	if series.Status == "" {
		series.Status = crawl.SeriesPending
	}
	if series.CreatedAt.IsZero() {
		series.CreatedAt = s.clock.Now()
	}
	if err := series.Validate(); err != nil {
		return crawl.Series{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := s.catalog.PutSeries(ctx, series); err != nil {
		// A stage id the store cannot resolve is a definition error, not a
		// lookup failure.
		if errors.Is(err, crawl.ErrNotFound) {
			return crawl.Series{}, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		return crawl.Series{}, err
	}
	s.logger.Info("series registered",
		zap.String("series_id", series.ID),
		zap.String("name", series.Name),
		zap.Strings("stage_ids", series.StageIDs))
	return series, nil
}

// GetStage returns one stage definition.
func (s *Service) GetStage(ctx context.Context, id string) (crawl.Stage, error) {
	return s.catalog.GetStage(ctx, id)
}

// GetSeries returns one series record.
func (s *Service) GetSeries(ctx context.Context, id string) (crawl.Series, error) {
	return s.catalog.GetSeries(ctx, id)
}

// ListSeries returns every series.
func (s *Service) ListSeries(ctx context.Context) ([]crawl.Series, error) {
	return s.catalog.ListSeries(ctx)
}

// Start activates a series under a new generation and wakes the scheduler.
func (s *Service) Start(ctx context.Context, id string) (crawl.Series, error) {
	series, err := s.catalog.StartSeries(ctx, id, s.clock.Now())
	if err != nil {
		return crawl.Series{}, err
	}
	s.logger.Info("series started",
		zap.String("series_id", series.ID),
		zap.Uint64("generation", series.Generation))
	s.emit(progress.Event{
		Type:       progress.TypeSeriesStarted,
		TS:         series.StartedAt,
		SeriesID:   series.ID,
		Generation: series.Generation,
	})
	if s.nudger != nil {
		s.nudger.Notify()
	}
	return series, nil
}

// Cancel stops task production for a series; in-flight work drains on its
// own.
func (s *Service) Cancel(ctx context.Context, id string) (crawl.Series, error) {
	series, err := s.catalog.CancelSeries(ctx, id, s.clock.Now())
	if err != nil {
		return crawl.Series{}, err
	}
	s.logger.Info("series cancelled",
		zap.String("series_id", series.ID),
		zap.Uint64("generation", series.Generation))
	s.emit(progress.Event{
		Type:       progress.TypeSeriesCancelled,
		TS:         series.FinishedAt,
		SeriesID:   series.ID,
		Generation: series.Generation,
	})
	return series, nil
}

func (s *Service) emit(evt progress.Event) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(evt)
}
