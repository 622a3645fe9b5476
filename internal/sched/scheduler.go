package sched

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/crawl"
	"github.com/driftline/driftline/internal/progress"
)

// Config bounds one scheduler instance.
type Config struct {
	// TickInterval is the cadence of unsolicited ticks.
	TickInterval time.Duration
	// LeaseTimeout is how long a task may go without a heartbeat before its
	// worker is presumed dead.
	LeaseTimeout time.Duration
	// BatchLimit caps how many eligible targets one query pulls.
	BatchLimit int
	// Budgets is the concurrency budget per fetch class.
	Budgets map[crawl.FetchClass]int
}

// Scheduler turns series definitions into tasks. Each tick it recycles dead
// workers' leases, splits the free budget of every fetch class across the
// active series, claims eligible targets and enqueues one task per claim.
// It also detects series completion: no eligible step left and nothing
// claimed means the generation is done.
type Scheduler struct {
	cfg      Config
	catalog  crawl.Catalog
	targets  crawl.TargetStore
	inflight crawl.InFlight
	leases   crawl.LeaseStore
	queue    crawl.Queue
	strategy Strategy
	retry    crawl.RetryPolicy
	clock    crawl.Clock
	idgen    crawl.IDGenerator
	emitter  progress.Emitter
	logger   *zap.Logger

	nudge chan struct{}
}

// New wires a Scheduler. All collaborators are required except emitter and
// logger, which default to no-ops.
func New(
	cfg Config,
	catalog crawl.Catalog,
	targets crawl.TargetStore,
	inflight crawl.InFlight,
	leases crawl.LeaseStore,
	queue crawl.Queue,
	strategy Strategy,
	retry crawl.RetryPolicy,
	clock crawl.Clock,
	idgen crawl.IDGenerator,
	emitter progress.Emitter,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		catalog:  catalog,
		targets:  targets,
		inflight: inflight,
		leases:   leases,
		queue:    queue,
		strategy: strategy,
		retry:    retry,
		clock:    clock,
		idgen:    idgen,
		emitter:  emitter,
		logger:   logger,
		nudge:    make(chan struct{}, 1),
	}
}

// Run ticks until ctx is cancelled. Besides the interval ticker, Notify
// wakes the loop early, which executors use after terminal outcomes so
// completion is detected without waiting a full interval.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.nudge:
		}
		if _, err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("scheduler tick failed", zap.Error(err))
		}
	}
}

// Notify requests an early tick. It never blocks; a pending request is
// enough, so concurrent notifications coalesce.
func (s *Scheduler) Notify() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// plannedStep is one (stage, step) of a series with its claim prerequisites
// resolved. The immediate predecessor suffices as prerequisite: it can only
// be completed if everything before it completed first.
type plannedStep struct {
	stageID string
	index   int
	class   crawl.FetchClass
	prereqs []crawl.StepRef
}

type seriesPlan struct {
	series crawl.Series
	steps  []plannedStep
}

// Tick runs one scheduling pass and returns the number of tasks produced.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	start := s.clock.Now()

	if err := s.recycleLeases(ctx, start); err != nil {
		return 0, fmt.Errorf("recycle leases: %w", err)
	}

	all, err := s.catalog.ListSeries(ctx)
	if err != nil {
		return 0, fmt.Errorf("list series: %w", err)
	}
	plans := make([]seriesPlan, 0, len(all))
	for _, series := range all {
		if !series.Runnable() {
			continue
		}
		plan, err := s.planSeries(ctx, series)
		if err != nil {
			s.logger.Error("skipping series with unresolvable stages",
				zap.String("series_id", series.ID), zap.Error(err))
			continue
		}
		plans = append(plans, plan)
	}

	produced := 0
	for _, class := range crawl.Classes {
		n, err := s.produceClass(ctx, class, plans)
		produced += n
		if err != nil {
			return produced, fmt.Errorf("produce %s tasks: %w", class, err)
		}
	}

	for _, plan := range plans {
		if err := s.checkComplete(ctx, plan); err != nil {
			s.logger.Error("series completion check failed",
				zap.String("series_id", plan.series.ID), zap.Error(err))
		}
	}

	s.emit(progress.Event{
		Type:     progress.TypeSchedulerTick,
		TS:       s.clock.Now(),
		Produced: produced,
		Dur:      s.clock.Now().Sub(start),
	})
	return produced, nil
}

func (s *Scheduler) planSeries(ctx context.Context, series crawl.Series) (seriesPlan, error) {
	plan := seriesPlan{series: series}
	var prev *crawl.StepRef
	for _, stageID := range series.StageIDs {
		stage, err := s.catalog.GetStage(ctx, stageID)
		if err != nil {
			return seriesPlan{}, fmt.Errorf("get stage %s: %w", stageID, err)
		}
		for i, step := range stage.Steps {
			planned := plannedStep{stageID: stage.ID, index: i, class: step.Class}
			if prev != nil {
				planned.prereqs = []crawl.StepRef{*prev}
			}
			plan.steps = append(plan.steps, planned)
			prev = &crawl.StepRef{SeriesID: series.ID, StageID: stage.ID, StepIndex: i}
		}
	}
	if len(plan.steps) == 0 {
		return seriesPlan{}, fmt.Errorf("series %s has no steps", series.ID)
	}
	return plan, nil
}

func (s *Scheduler) produceClass(ctx context.Context, class crawl.FetchClass, plans []seriesPlan) (int, error) {
	count, err := s.inflight.Count(ctx, class)
	if err != nil {
		return 0, fmt.Errorf("in-flight count: %w", err)
	}
	available := s.cfg.Budgets[class] - count
	if available <= 0 {
		return 0, nil
	}

	competing := make([]seriesPlan, 0, len(plans))
	competingSeries := make([]crawl.Series, 0, len(plans))
	for _, plan := range plans {
		if plan.hasClass(class) {
			competing = append(competing, plan)
			competingSeries = append(competingSeries, plan.series)
		}
	}
	if len(competing) == 0 {
		return 0, nil
	}

	produced := 0
	for _, share := range s.strategy.Split(available, competingSeries) {
		plan, ok := findPlan(competing, share.SeriesID)
		if !ok {
			continue
		}
		n, err := s.produceSeries(ctx, plan, class, share.Slots)
		produced += n
		if err != nil {
			return produced, err
		}
	}
	return produced, nil
}

func (p seriesPlan) hasClass(class crawl.FetchClass) bool {
	for _, step := range p.steps {
		if step.class == class {
			return true
		}
	}
	return false
}

func findPlan(plans []seriesPlan, seriesID string) (seriesPlan, bool) {
	for _, plan := range plans {
		if plan.series.ID == seriesID {
			return plan, true
		}
	}
	return seriesPlan{}, false
}

// produceSeries claims and enqueues up to slots tasks for one series in one
// class. Every eligible step participates, earliest first, so a chain the
// executor dropped mid-series is picked up again here.
func (s *Scheduler) produceSeries(ctx context.Context, plan seriesPlan, class crawl.FetchClass, slots int) (int, error) {
	produced := 0
	for _, step := range plan.steps {
		if step.class != class || produced >= slots {
			continue
		}
		limit := slots - produced
		if s.cfg.BatchLimit > 0 && limit > s.cfg.BatchLimit {
			limit = s.cfg.BatchLimit
		}
		keys, err := s.targets.QueryEligible(ctx, crawl.EligibilityQuery{
			SeriesID:   plan.series.ID,
			Generation: plan.series.Generation,
			Filter:     plan.series.Filter,
			StageID:    step.stageID,
			StepIndex:  step.index,
			Prereqs:    step.prereqs,
			Limit:      limit,
			Order:      crawl.OrderOldestAttempt,
		})
		if err != nil {
			return produced, fmt.Errorf("query eligible: %w", err)
		}
		for _, key := range keys {
			n, stop, err := s.produceTask(ctx, plan.series, key, step)
			produced += n
			if err != nil {
				return produced, err
			}
			if stop {
				// Budget exhausted mid-batch; stop producing for this class.
				return produced, nil
			}
		}
	}
	return produced, nil
}

// produceTask claims one target step, reserves a slot and enqueues the
// task. It reports how many tasks it made (0 or 1) and whether the class
// budget was exhausted, which ends production for this class.
func (s *Scheduler) produceTask(ctx context.Context, series crawl.Series, key crawl.TargetKey, step plannedStep) (int, bool, error) {
	ref := crawl.StepRef{SeriesID: series.ID, StageID: step.stageID, StepIndex: step.index}
	claimed, err := s.targets.Claim(ctx, key, ref, series.Generation)
	if err != nil {
		return 0, false, fmt.Errorf("claim %s: %w", key.Canonical(), err)
	}
	if !claimed {
		return 0, false, nil
	}

	granted, err := s.inflight.Reserve(ctx, step.class, 1)
	if err == nil && granted == 0 {
		return 0, true, s.targets.Release(ctx, key, ref, series.Generation)
	}
	if err != nil {
		if relErr := s.targets.Release(ctx, key, ref, series.Generation); relErr != nil {
			s.logger.Error("release after reserve failure", zap.Error(relErr))
		}
		return 0, false, fmt.Errorf("reserve slot: %w", err)
	}

	id, err := s.idgen.NewID()
	if err != nil {
		s.rollback(ctx, key, ref, series.Generation, step.class)
		return 0, false, fmt.Errorf("new task id: %w", err)
	}
	task := crawl.Task{
		ID:         id,
		SeriesID:   series.ID,
		Generation: series.Generation,
		TargetKey:  key.Clone(),
		StageID:    step.stageID,
		StepIndex:  step.index,
		Class:      step.class,
		EnqueuedAt: s.clock.Now(),
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		s.rollback(ctx, key, ref, series.Generation, step.class)
		return 0, false, fmt.Errorf("enqueue task: %w", err)
	}

	s.emit(progress.Event{
		Type:       progress.TypeTaskQueued,
		TS:         task.EnqueuedAt,
		SeriesID:   series.ID,
		Generation: series.Generation,
		StageID:    step.stageID,
		StepIndex:  step.index,
		TargetKey:  key.Canonical(),
		Class:      step.class,
	})
	return 1, false, nil
}

func (s *Scheduler) rollback(ctx context.Context, key crawl.TargetKey, ref crawl.StepRef, generation uint64, class crawl.FetchClass) {
	if err := s.targets.Release(ctx, key, ref, generation); err != nil {
		s.logger.Error("release claim during rollback", zap.Error(err))
	}
	if err := s.inflight.Release(ctx, class, 1); err != nil {
		s.logger.Error("release slot during rollback", zap.Error(err))
	}
}

// recycleLeases handles workers that died mid-task: each lease without a
// heartbeat inside the timeout is retried as a transient failure. The retry
// task inherits the dead worker's claim and slot; both are released only
// when the retry budget is spent.
func (s *Scheduler) recycleLeases(ctx context.Context, now time.Time) error {
	if s.cfg.LeaseTimeout <= 0 {
		return nil
	}
	expired, err := s.leases.Expired(ctx, now.Add(-s.cfg.LeaseTimeout))
	if err != nil {
		return err
	}
	for _, lease := range expired {
		task := lease.Task
		if err := s.recycleTask(ctx, task, now); err != nil {
			s.logger.Error("recycle expired lease",
				zap.String("task_id", task.ID),
				zap.String("target", task.TargetKey.Canonical()),
				zap.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) recycleTask(ctx context.Context, task crawl.Task, now time.Time) error {
	ref := task.StepRef()
	delay, retryable := s.retry.Next(task.RetryCount)
	if !retryable {
		if err := s.targets.MarkStepResult(ctx, task.TargetKey, ref, task.Generation,
			crawl.OutcomePermanentFailed, "worker lease expired, retries exhausted"); err != nil {
			return fmt.Errorf("mark permanent: %w", err)
		}
		if err := s.inflight.Release(ctx, task.Class, 1); err != nil {
			return fmt.Errorf("release slot: %w", err)
		}
		s.emit(s.taskEvent(progress.TypeTaskPermanent, task, now, "lease expired"))
		return nil
	}

	if err := s.targets.MarkStepResult(ctx, task.TargetKey, ref, task.Generation,
		crawl.OutcomeTransientFailed, "worker lease expired"); err != nil {
		return fmt.Errorf("mark transient: %w", err)
	}
	id, err := s.idgen.NewID()
	if err != nil {
		return fmt.Errorf("new task id: %w", err)
	}
	retry := task
	retry.ID = id
	retry.RetryCount = task.RetryCount + 1
	retry.EnqueuedAt = now
	if err := s.queue.EnqueueAfter(ctx, retry, delay); err != nil {
		return fmt.Errorf("enqueue retry: %w", err)
	}
	s.emit(s.taskEvent(progress.TypeTaskRecycled, task, now, "lease expired"))
	return nil
}

func (s *Scheduler) taskEvent(typ progress.Type, task crawl.Task, ts time.Time, note string) progress.Event {
	return progress.Event{
		Type:       typ,
		TS:         ts,
		SeriesID:   task.SeriesID,
		Generation: task.Generation,
		StageID:    task.StageID,
		StepIndex:  task.StepIndex,
		TargetKey:  task.TargetKey.Canonical(),
		Class:      task.Class,
		Note:       note,
	}
}

// checkComplete marks the series complete once nothing remains: every step's
// eligibility query is empty and no claim is outstanding for the generation.
func (s *Scheduler) checkComplete(ctx context.Context, plan seriesPlan) error {
	for _, step := range plan.steps {
		keys, err := s.targets.QueryEligible(ctx, crawl.EligibilityQuery{
			SeriesID:   plan.series.ID,
			Generation: plan.series.Generation,
			Filter:     plan.series.Filter,
			StageID:    step.stageID,
			StepIndex:  step.index,
			Prereqs:    step.prereqs,
			Limit:      1,
		})
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			return nil
		}
	}
	claimed, err := s.targets.ClaimedCount(ctx, plan.series.ID, plan.series.Generation)
	if err != nil {
		return err
	}
	if claimed > 0 {
		return nil
	}
	now := s.clock.Now()
	if _, err := s.catalog.CompleteSeries(ctx, plan.series.ID, now); err != nil {
		return err
	}
	s.logger.Info("series complete",
		zap.String("series_id", plan.series.ID),
		zap.Uint64("generation", plan.series.Generation))
	s.emit(progress.Event{
		Type:       progress.TypeSeriesComplete,
		TS:         now,
		SeriesID:   plan.series.ID,
		Generation: plan.series.Generation,
	})
	return nil
}

func (s *Scheduler) emit(evt progress.Event) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(evt)
}
