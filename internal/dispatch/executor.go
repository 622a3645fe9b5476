// Package dispatch executes tasks on workers: fetch, transform, store,
// then either chain the next step or close out the target for the series.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"dario.cat/mergo"
	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/archive"
	"github.com/driftline/driftline/internal/capability"
	"github.com/driftline/driftline/internal/crawl"
	"github.com/driftline/driftline/internal/history"
	"github.com/driftline/driftline/internal/politeness"
	"github.com/driftline/driftline/internal/progress"
)

// Nudger wakes the scheduler early, used after terminal outcomes so series
// completion is detected without waiting for the next tick.
type Nudger interface {
	Notify()
}

// ExecutorConfig bounds one executor.
type ExecutorConfig struct {
	// FetchTimeout caps each single fetch, not the whole continuation loop.
	FetchTimeout time.Duration
	// HeartbeatInterval is the lease refresh cadence; it must be well below
	// the scheduler's lease timeout.
	HeartbeatInterval time.Duration
	// UserAgent is sent with every fetch.
	UserAgent string
}

// Executor runs one task end to end. Execute returns an error only when an
// outcome could not be recorded; every decided outcome, including failures,
// returns nil so the worker acknowledges the delivery.
type Executor struct {
	cfg      ExecutorConfig
	catalog  crawl.Catalog
	targets  crawl.TargetStore
	registry *capability.Registry
	history  *history.Engine
	archiver archive.Archiver
	limiter  politeness.Waiter
	queue    crawl.Queue
	inflight crawl.InFlight
	leases   crawl.LeaseStore
	retry    crawl.RetryPolicy
	fp       crawl.Fingerprinter
	clock    crawl.Clock
	idgen    crawl.IDGenerator
	emitter  progress.Emitter
	nudger   Nudger
	logger   *zap.Logger
}

// NewExecutor wires an Executor. Archiver, limiter, emitter, nudger and
// logger may be nil and default to no-ops.
func NewExecutor(
	cfg ExecutorConfig,
	catalog crawl.Catalog,
	targets crawl.TargetStore,
	registry *capability.Registry,
	hist *history.Engine,
	archiver archive.Archiver,
	limiter politeness.Waiter,
	queue crawl.Queue,
	inflight crawl.InFlight,
	leases crawl.LeaseStore,
	retry crawl.RetryPolicy,
	fp crawl.Fingerprinter,
	clock crawl.Clock,
	idgen crawl.IDGenerator,
	emitter progress.Emitter,
	nudger Nudger,
	logger *zap.Logger,
) *Executor {
	if archiver == nil {
		archiver = archive.Nop{}
	}
	if limiter == nil {
		limiter = politeness.Unlimited{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:      cfg,
		catalog:  catalog,
		targets:  targets,
		registry: registry,
		history:  hist,
		archiver: archiver,
		limiter:  limiter,
		queue:    queue,
		inflight: inflight,
		leases:   leases,
		retry:    retry,
		fp:       fp,
		clock:    clock,
		idgen:    idgen,
		emitter:  emitter,
		nudger:   nudger,
		logger:   logger,
	}
}

// Execute runs one task. The task owns a claim on its target step and one
// in-flight slot in its class; both are settled here: success either chains
// them into the next step's task or releases them, failure follows the
// retry state machine.
func (e *Executor) Execute(ctx context.Context, task crawl.Task) error {
	if err := task.Validate(); err != nil {
		e.logger.Warn("discarding malformed task", zap.Error(err))
		return nil
	}
	logger := e.logger.With(
		zap.String("task_id", task.ID),
		zap.String("series_id", task.SeriesID),
		zap.String("target", task.TargetKey.Canonical()),
		zap.String("stage_id", task.StageID),
		zap.Int("step", task.StepIndex),
	)

	series, err := e.catalog.GetSeries(ctx, task.SeriesID)
	if err != nil {
		logger.Warn("dropping task for unknown series", zap.Error(err))
		return e.releaseSlot(ctx, task.Class)
	}
	if series.Generation != task.Generation {
		logger.Info("dropping task from a previous generation")
		return e.releaseSlot(ctx, task.Class)
	}
	// A cancelled series stops producing tasks, but a task already queued for
	// the current generation is in flight: it runs to completion and its
	// result is stored. Only chaining the next step is suppressed.

	stage, err := e.catalog.GetStage(ctx, task.StageID)
	if err != nil {
		return e.fail(ctx, task, crawl.Permanent(fmt.Errorf("resolve stage: %w", err)), e.clock.Now())
	}
	if task.StepIndex >= len(stage.Steps) {
		return e.fail(ctx, task, crawl.Permanent(fmt.Errorf("stage %s has no step %d", stage.ID, task.StepIndex)), e.clock.Now())
	}
	step := stage.Steps[task.StepIndex]

	target, err := e.targets.Get(ctx, task.TargetKey)
	if err != nil {
		logger.Warn("dropping task for unknown target", zap.Error(err))
		return e.releaseSlot(ctx, task.Class)
	}
	state := target.State(task.StepRef())
	if !state.Fresh(task.Generation) && (state.Completed || state.Failed) {
		// Duplicate delivery after the outcome was recorded; the first
		// delivery settled the slot.
		logger.Debug("ignoring duplicate delivery of settled step")
		return nil
	}
	if state.Fresh(task.Generation) || !state.Claimed {
		// The claim was lost, usually to a scheduler rollback. Reclaim or
		// yield to whoever holds it now.
		claimed, err := e.targets.Claim(ctx, task.TargetKey, task.StepRef(), task.Generation)
		if err != nil {
			return fmt.Errorf("reclaim step: %w", err)
		}
		if !claimed {
			logger.Debug("dropping task that lost its claim")
			return e.releaseSlot(ctx, task.Class)
		}
	}

	now := e.clock.Now()
	if err := e.leases.Register(ctx, task, now); err != nil {
		return fmt.Errorf("register lease: %w", err)
	}
	stopHeartbeat := e.startHeartbeat(ctx, task.ID)
	defer stopHeartbeat()

	e.emit(taskEvent(progress.TypeTaskRunning, task, now, ""))

	kind := step.Kind
	if kind == "" {
		kind = step.Capability
	}
	start := e.clock.Now()
	fragment, rawPages, err := e.runFetchLoop(ctx, step, target, kind)
	if err != nil {
		return e.fail(ctx, task, err, start)
	}

	discovered := make([]crawl.TargetSeed, 0)
	pctx := crawl.PipelineContext{
		Series:     series,
		StageID:    task.StageID,
		StepIndex:  task.StepIndex,
		Target:     target,
		Generation: task.Generation,
		Discovered: &discovered,
	}
	for _, id := range step.Pipelines {
		pipeline, err := e.registry.Pipeline(id)
		if err != nil {
			return e.fail(ctx, task, crawl.Permanent(err), start)
		}
		fragment, err = pipeline.Apply(ctx, pctx, fragment)
		if err != nil {
			return e.fail(ctx, task, fmt.Errorf("pipeline %s: %w", id, err), start)
		}
	}

	stored, err := e.history.Store(ctx, task.TargetKey, kind, fragment.Payload, fragment.FetchedAt)
	if err != nil {
		return e.fail(ctx, task, fmt.Errorf("store fragment: %w", err), start)
	}
	e.emitChain(task, kind, stored)
	e.archivePages(ctx, task, kind, stored.Version, rawPages, logger)

	if len(discovered) > 0 {
		result, err := e.targets.UpsertTargets(ctx, discovered)
		if err != nil {
			logger.Warn("upsert discovered targets", zap.Error(err))
		} else if result.Created > 0 {
			logger.Info("discovered new targets", zap.Int("created", result.Created))
			e.notify()
		}
	}

	if err := e.targets.MarkStepResult(ctx, task.TargetKey, task.StepRef(), task.Generation, crawl.OutcomeSucceeded, ""); err != nil {
		return fmt.Errorf("mark step succeeded: %w", err)
	}

	cctx := crawl.CallbackContext{
		Series:     series,
		StageID:    task.StageID,
		StepIndex:  task.StepIndex,
		Target:     target,
		Generation: task.Generation,
		Fragment:   fragment,
		Stored:     stored,
	}
	for _, id := range step.Callbacks {
		callback, err := e.registry.Callback(id)
		if err != nil {
			logger.Warn("skipping unregistered callback", zap.String("callback", id))
			continue
		}
		if err := callback.Invoke(ctx, cctx); err != nil {
			logger.Warn("callback failed", zap.String("callback", id), zap.Error(err))
		}
	}

	if _, err := e.leases.Complete(ctx, task.ID); err != nil {
		logger.Warn("complete lease", zap.Error(err))
	}
	done := e.clock.Now()
	evt := taskEvent(progress.TypeTaskSucceeded, task, done, "")
	evt.FragmentKind = kind
	evt.Version = stored.Version
	evt.Dur = done.Sub(start)
	e.emit(evt)

	e.chainNext(ctx, task, series, stage, logger)
	return nil
}

// runFetchLoop fetches every page of the step, honoring the terminator
// bounds, and merges the pages into one fragment payload. Lists append
// across pages, scalars take the newest page's value.
func (e *Executor) runFetchLoop(ctx context.Context, step crawl.Step, target crawl.Target, kind string) (crawl.Fragment, [][]byte, error) {
	fetcher, err := e.registry.Fetcher(step.Capability)
	if err != nil {
		return crawl.Fragment{}, nil, crawl.Permanent(err)
	}

	var (
		merged       map[string]any
		rawPages     [][]byte
		continuation map[string]string
	)
	seen := make(map[string]struct{})
	fetchedAt := e.clock.Now()

	var deadline time.Time
	if step.Terminator != nil && step.Terminator.Budget > 0 {
		deadline = fetchedAt.Add(step.Terminator.Budget)
	}

	fetches := 0
	for {
		if step.Terminator != nil && step.Terminator.MaxFetches > 0 && fetches >= step.Terminator.MaxFetches {
			break
		}
		if !deadline.IsZero() && e.clock.Now().After(deadline) {
			break
		}

		req := crawl.FetchRequest{
			Target:       target,
			Kind:         kind,
			Continuation: continuation,
			UserAgent:    e.cfg.UserAgent,
		}
		if err := e.limiter.Wait(ctx, fetcher.SourceKey(req)); err != nil {
			return crawl.Fragment{}, nil, err
		}
		fetchCtx := ctx
		cancel := func() {}
		if e.cfg.FetchTimeout > 0 {
			fetchCtx, cancel = context.WithTimeout(ctx, e.cfg.FetchTimeout)
		}
		res, err := fetcher.Fetch(fetchCtx, req)
		cancel()
		if err != nil {
			return crawl.Fragment{}, nil, err
		}
		fetches++

		if len(res.RawBody) > 0 {
			rawPages = append(rawPages, res.RawBody)
		}
		overlap := e.pageOverlap(seen, res.Fragment.Payload)
		if merged == nil {
			merged = res.Fragment.Payload
		} else if err := mergo.Merge(&merged, res.Fragment.Payload, mergo.WithOverride, mergo.WithAppendSlice); err != nil {
			return crawl.Fragment{}, nil, fmt.Errorf("merge page %d: %w", fetches, err)
		}

		if res.Exhausted || len(res.Continuation) == 0 {
			break
		}
		if step.Terminator != nil && step.Terminator.OverlapThreshold > 0 && overlap >= step.Terminator.OverlapThreshold {
			break
		}
		continuation = res.Continuation
	}

	if merged == nil {
		merged = map[string]any{}
	}
	return crawl.Fragment{Kind: kind, Payload: merged, FetchedAt: fetchedAt}, rawPages, nil
}

// pageOverlap reports what fraction of the page's entries were already seen
// on earlier pages of the same run, and records the rest. Entries are
// compared by content fingerprint so a re-served entry with changed content
// does not count as overlap.
func (e *Executor) pageOverlap(seen map[string]struct{}, payload map[string]any) float64 {
	if len(payload) == 0 {
		return 1
	}
	duplicates := 0
	for name, value := range payload {
		canonical, err := e.fp.Canonical(map[string]any{name: value})
		if err != nil {
			continue
		}
		sum := e.fp.Sum(canonical)
		if _, ok := seen[sum]; ok {
			duplicates++
			continue
		}
		seen[sum] = struct{}{}
	}
	return float64(duplicates) / float64(len(payload))
}

// fail settles a failed task: transient failures with retry budget left are
// re-enqueued with backoff and keep both the claim and the slot; everything
// else is recorded as permanent for the generation and releases both.
func (e *Executor) fail(ctx context.Context, task crawl.Task, cause error, start time.Time) error {
	outcome := crawl.Classify(cause)
	delay, retryable := e.retry.Next(task.RetryCount)
	if outcome == crawl.OutcomeTransientFailed && !retryable {
		outcome = crawl.OutcomePermanentFailed
	}
	now := e.clock.Now()

	if outcome == crawl.OutcomePermanentFailed {
		if err := e.targets.MarkStepResult(ctx, task.TargetKey, task.StepRef(), task.Generation,
			crawl.OutcomePermanentFailed, cause.Error()); err != nil {
			return fmt.Errorf("mark step failed: %w", err)
		}
		if err := e.inflight.Release(ctx, task.Class, 1); err != nil {
			e.logger.Warn("release slot after permanent failure", zap.Error(err))
		}
		if _, err := e.leases.Complete(ctx, task.ID); err != nil {
			e.logger.Warn("complete lease after permanent failure", zap.Error(err))
		}
		evt := taskEvent(progress.TypeTaskPermanent, task, now, cause.Error())
		evt.Dur = now.Sub(start)
		e.emit(evt)
		e.notify()
		return nil
	}

	if err := e.targets.MarkStepResult(ctx, task.TargetKey, task.StepRef(), task.Generation,
		crawl.OutcomeTransientFailed, cause.Error()); err != nil {
		return fmt.Errorf("mark step transient: %w", err)
	}
	id, err := e.idgen.NewID()
	if err != nil {
		return fmt.Errorf("new retry task id: %w", err)
	}
	retryTask := task
	retryTask.ID = id
	retryTask.RetryCount = task.RetryCount + 1
	retryTask.EnqueuedAt = now
	if err := e.queue.EnqueueAfter(ctx, retryTask, delay); err != nil {
		return fmt.Errorf("enqueue retry: %w", err)
	}
	if _, err := e.leases.Complete(ctx, task.ID); err != nil {
		e.logger.Warn("complete lease after transient failure", zap.Error(err))
	}
	evt := taskEvent(progress.TypeTaskTransient, task, now, cause.Error())
	evt.Dur = now.Sub(start)
	e.emit(evt)
	return nil
}

// chainNext hands the task's slot to the target's next step: the next step
// in the stage, or the first step of the following stage. When there is no
// next step, or the claim is lost, the slot is released.
func (e *Executor) chainNext(ctx context.Context, task crawl.Task, series crawl.Series, stage crawl.Stage, logger *zap.Logger) {
	if !series.Runnable() {
		logger.Info("series no longer runnable, not chaining next step")
		if err := e.releaseSlot(ctx, task.Class); err != nil {
			logger.Warn("release slot of cancelled series", zap.Error(err))
		}
		e.notify()
		return
	}
	nextStage, nextIndex, nextClass, ok := e.nextStep(ctx, series, stage, task.StepIndex)
	if !ok {
		if err := e.releaseSlot(ctx, task.Class); err != nil {
			logger.Warn("release slot after final step", zap.Error(err))
		}
		e.notify()
		return
	}

	ref := crawl.StepRef{SeriesID: series.ID, StageID: nextStage, StepIndex: nextIndex}
	claimed, err := e.targets.Claim(ctx, task.TargetKey, ref, task.Generation)
	if err != nil || !claimed {
		if err != nil {
			logger.Warn("claim next step", zap.Error(err))
		}
		if relErr := e.releaseSlot(ctx, task.Class); relErr != nil {
			logger.Warn("release slot after lost chain claim", zap.Error(relErr))
		}
		return
	}

	if nextClass != task.Class {
		if err := e.inflight.Transfer(ctx, task.Class, nextClass); err != nil {
			logger.Warn("transfer slot between classes", zap.Error(err))
		}
	}

	id, err := e.idgen.NewID()
	if err != nil {
		logger.Warn("new chained task id", zap.Error(err))
		e.dropChain(ctx, task.TargetKey, ref, task.Generation, nextClass, logger)
		return
	}
	next := crawl.Task{
		ID:         id,
		SeriesID:   series.ID,
		Generation: task.Generation,
		TargetKey:  task.TargetKey.Clone(),
		StageID:    nextStage,
		StepIndex:  nextIndex,
		Class:      nextClass,
		EnqueuedAt: e.clock.Now(),
	}
	if err := e.queue.Enqueue(ctx, next); err != nil {
		// The next scheduler tick re-seeds the released step.
		logger.Warn("enqueue chained task", zap.Error(err))
		e.dropChain(ctx, task.TargetKey, ref, task.Generation, nextClass, logger)
		return
	}
	e.emit(taskEvent(progress.TypeTaskQueued, next, next.EnqueuedAt, ""))
}

func (e *Executor) dropChain(ctx context.Context, key crawl.TargetKey, ref crawl.StepRef, generation uint64, class crawl.FetchClass, logger *zap.Logger) {
	if err := e.targets.Release(ctx, key, ref, generation); err != nil {
		logger.Warn("release chained claim", zap.Error(err))
	}
	if err := e.releaseSlot(ctx, class); err != nil {
		logger.Warn("release chained slot", zap.Error(err))
	}
	e.notify()
}

// nextStep resolves the step after (stage, index) in the series, loading
// the next stage definition when the current one is exhausted.
func (e *Executor) nextStep(ctx context.Context, series crawl.Series, stage crawl.Stage, index int) (stageID string, stepIndex int, class crawl.FetchClass, ok bool) {
	if index+1 < len(stage.Steps) {
		return stage.ID, index + 1, stage.Steps[index+1].Class, true
	}
	for i, id := range series.StageIDs {
		if id != stage.ID || i+1 >= len(series.StageIDs) {
			continue
		}
		next, err := e.catalog.GetStage(ctx, series.StageIDs[i+1])
		if err != nil || len(next.Steps) == 0 {
			if err != nil {
				e.logger.Warn("resolve next stage", zap.Error(err))
			}
			return "", 0, "", false
		}
		return next.ID, 0, next.Steps[0].Class, true
	}
	return "", 0, "", false
}

func (e *Executor) archivePages(ctx context.Context, task crawl.Task, kind string, version uint64, pages [][]byte, logger *zap.Logger) {
	for i, body := range pages {
		ref := archive.Ref{
			SeriesID:   task.SeriesID,
			Generation: task.Generation,
			Key:        task.TargetKey,
			Kind:       kind,
			Version:    version,
			Page:       i,
		}
		if err := e.archiver.Save(ctx, ref, "", body); err != nil {
			logger.Warn("archive raw page", zap.Int("page", i), zap.Error(err))
		}
	}
}

func (e *Executor) startHeartbeat(ctx context.Context, taskID string) func() {
	if e.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := e.leases.Heartbeat(hbCtx, taskID, e.clock.Now()); err != nil {
					e.logger.Warn("lease heartbeat", zap.String("task_id", taskID), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (e *Executor) releaseSlot(ctx context.Context, class crawl.FetchClass) error {
	return e.inflight.Release(ctx, class, 1)
}

func (e *Executor) emitChain(task crawl.Task, kind string, stored crawl.StoreOutcome) {
	typ := progress.TypeChainObservation
	if stored.First || stored.Changed {
		typ = progress.TypeChainVersion
	}
	e.emit(progress.Event{
		Type:         typ,
		TS:           e.clock.Now(),
		SeriesID:     task.SeriesID,
		Generation:   task.Generation,
		StageID:      task.StageID,
		StepIndex:    task.StepIndex,
		TargetKey:    task.TargetKey.Canonical(),
		FragmentKind: kind,
		Version:      stored.Version,
	})
}

func taskEvent(typ progress.Type, task crawl.Task, ts time.Time, note string) progress.Event {
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

func (e *Executor) emit(evt progress.Event) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Executor) notify() {
	if e.nudger == nil {
		return
	}
	e.nudger.Notify()
}
