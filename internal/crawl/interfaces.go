package crawl

import (
	"context"
	"time"
)

// EligibilityOrder controls how QueryEligible orders candidates.
type EligibilityOrder int

// Eligibility orderings.
const (
	// OrderInsertion returns targets in creation order.
	OrderInsertion EligibilityOrder = iota
	// OrderOldestAttempt returns targets whose step was attempted longest
	// ago first; never-attempted targets sort before all attempted ones.
	OrderOldestAttempt
	// OrderWeightDesc returns the heaviest targets first, so frequently
	// changing records are re-fetched before stable ones.
	OrderWeightDesc
)

// EligibilityQuery selects targets ready for one step of a series
// generation. Prereqs lists the steps that must already be completed, which
// is how stage and step ordering reaches the store without the store
// knowing stage definitions.
type EligibilityQuery struct {
	SeriesID   string
	Generation uint64
	Filter     Filter
	StageID    string
	StepIndex  int
	Prereqs    []StepRef
	Limit      int
	Order      EligibilityOrder
}

// TargetStore is the durable registry of targets and their crawl state.
// Claim and MarkStepResult must be atomic per target so two dispatchers
// never hand the same (target, stage, step) to two workers.
type TargetStore interface {
	// UpsertTargets merges seeds into the registry. Existing targets only
	// gain tags; their crawl state and creation time are preserved.
	UpsertTargets(ctx context.Context, seeds []TargetSeed) (UpsertResult, error)
	// Get returns one target with its crawl state, ErrNotFound when absent.
	Get(ctx context.Context, key TargetKey) (Target, error)
	// Deactivate marks a target inactive so no filter matches it again.
	Deactivate(ctx context.Context, key TargetKey) error
	// QueryEligible returns up to Limit targets whose state shows the step
	// still pending for the generation. Calling it again after claims or
	// results changes the answer, which is how large sets are walked in
	// batches.
	QueryEligible(ctx context.Context, q EligibilityQuery) ([]TargetKey, error)
	// Claim marks the step in flight for the generation. It returns false
	// without error when another claimer won or the step is no longer
	// pending.
	Claim(ctx context.Context, key TargetKey, ref StepRef, generation uint64) (bool, error)
	// Release drops a claim without recording an outcome, used when task
	// production fails after a successful claim.
	Release(ctx context.Context, key TargetKey, ref StepRef, generation uint64) error
	// MarkStepResult records a task outcome: success completes the step,
	// a transient failure increments the retry count, a permanent failure
	// excludes the target from the step for the rest of the generation.
	// Success and permanent failure clear the claim; a transient failure
	// keeps it, because the delayed retry task still owns the step.
	MarkStepResult(ctx context.Context, key TargetKey, ref StepRef, generation uint64, outcome Outcome, errText string) error
	// UpdateWeight stores the change-frequency weight the monitor callback
	// computes; OrderWeightDesc queries read it back.
	UpdateWeight(ctx context.Context, key TargetKey, weight float64) error
	// ClaimedCount reports how many steps are currently claimed for the
	// series generation, the signal the scheduler uses together with an
	// empty eligibility answer to declare a series complete.
	ClaimedCount(ctx context.Context, seriesID string, generation uint64) (int, error)
}

// Catalog is the durable registry of stage and series definitions. Lifecycle
// transitions are atomic: Start bumps the generation exactly once per call.
type Catalog interface {
	PutStage(ctx context.Context, stage Stage) error
	GetStage(ctx context.Context, id string) (Stage, error)
	PutSeries(ctx context.Context, series Series) error
	GetSeries(ctx context.Context, id string) (Series, error)
	ListSeries(ctx context.Context) ([]Series, error)
	// StartSeries moves pending, complete or cancelled series to active and
	// increments the generation.
	StartSeries(ctx context.Context, id string, now time.Time) (Series, error)
	// CancelSeries stops task production; in-flight work drains on its own.
	CancelSeries(ctx context.Context, id string, now time.Time) (Series, error)
	// CompleteSeries records that no pending work remains for the current
	// generation.
	CompleteSeries(ctx context.Context, id string, now time.Time) (Series, error)
	// AddStageCounts folds task results into the per-stage aggregates.
	AddStageCounts(ctx context.Context, id string, stageID string, delta StageCounts) error
}

// Base is the one fully materialized payload of a chain, always the newest
// version. Payload holds canonical JSON bytes.
type Base struct {
	Key          TargetKey
	Kind         string
	Version      uint64
	Payload      []byte
	Fingerprint  string
	FetchedAt    time.Time
	StoredAt     time.Time
	Observations uint64
	LastSeenAt   time.Time
}

// Delta is one reverse patch of a chain: applied to the payload of
// Version+1 it reconstructs Version. Fingerprint is the content hash the
// reconstruction must reproduce.
type Delta struct {
	Version     uint64
	Patch       []byte
	Fingerprint string
	FetchedAt   time.Time
	StoredAt    time.Time
}

// ChainStore persists fragment histories: one base plus reverse deltas per
// (target key, fragment kind).
type ChainStore interface {
	// GetBase returns the chain head, ErrNotFound when the chain does not
	// exist yet.
	GetBase(ctx context.Context, key TargetKey, kind string) (Base, error)
	// RecordObservation notes a fingerprint-identical re-fetch on the chain
	// head without writing a version.
	RecordObservation(ctx context.Context, key TargetKey, kind string, seenAt time.Time) error
	// AppendVersion atomically installs a new base and, for every version
	// after the first, appends the delta reconstructing the previous one.
	AppendVersion(ctx context.Context, base Base, delta *Delta) error
	// Deltas returns stored deltas for versions strictly below fromVersion,
	// newest first, at most limit entries.
	Deltas(ctx context.Context, key TargetKey, kind string, fromVersion uint64, limit int) ([]Delta, error)
}

// InFlight tracks how much work is alive per fetch class and enforces the
// class budget at reservation time, which keeps concurrent scheduler ticks
// from overshooting.
type InFlight interface {
	// Reserve grants between 0 and n slots, never pushing the live count
	// past the class budget.
	Reserve(ctx context.Context, class FetchClass, n int) (int, error)
	// Transfer moves one slot between classes when a chained step switches
	// class. Unlike Reserve it never blocks or denies: the destination may
	// transiently exceed its budget, which the next tick compensates for.
	Transfer(ctx context.Context, from, to FetchClass) error
	// Release returns slots after terminal task outcomes.
	Release(ctx context.Context, class FetchClass, n int) error
	// Count reports the live reservation count for a class.
	Count(ctx context.Context, class FetchClass) (int, error)
}

// Lease is one running task registered by a worker.
type Lease struct {
	Task        Task
	HeartbeatAt time.Time
}

// LeaseStore registers running tasks and their heartbeats so the scheduler
// can recycle work whose worker died mid-execution.
type LeaseStore interface {
	Register(ctx context.Context, task Task, now time.Time) error
	Heartbeat(ctx context.Context, taskID string, now time.Time) error
	// Complete removes the lease and reports whether it was still present.
	Complete(ctx context.Context, taskID string) (bool, error)
	// Expired returns leases whose last heartbeat is older than the cutoff
	// and removes them, so each stale lease is recycled exactly once.
	Expired(ctx context.Context, cutoff time.Time) ([]Lease, error)
}

// Delivery is one dequeued task plus the acknowledgement pair of the
// at-least-once queue contract. Ack confirms processing; Nack asks for
// redelivery.
type Delivery struct {
	Task Task
	Ack  func(ctx context.Context) error
	Nack func(ctx context.Context) error
}

// Queue transports tasks between the scheduler and workers, one logical
// queue per fetch class.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// EnqueueAfter delivers the task no earlier than the delay, used for
	// retry backoff.
	EnqueueAfter(ctx context.Context, task Task, delay time.Duration) error
	// Dequeue blocks until a task for the class arrives or ctx ends.
	Dequeue(ctx context.Context, class FetchClass) (Delivery, error)
}

// FetchRequest is the input to a fetch capability.
type FetchRequest struct {
	Target Target
	Kind   string
	// Continuation carries the capability's own pagination parameters from
	// the previous page, nil on the first fetch.
	Continuation map[string]string
	UserAgent    string
}

// FetchResult is one page of fetched content. Fragment is the complete
// structured payload of the page; RawBody optionally carries the
// unparsed response for archival.
type FetchResult struct {
	Fragment Fragment
	RawBody  []byte
	// Continuation requests another fetch with these parameters; nil ends
	// the loop.
	Continuation map[string]string
	// Exhausted signals the source reported no more content even though a
	// continuation could be built.
	Exhausted bool
}

// FetchCapability retrieves one fragment kind from the external source.
// Implementations signal unrecoverable conditions by wrapping errors with
// Permanent; everything else is treated as retryable.
type FetchCapability interface {
	// Fetch retrieves one page for the target.
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
	// SourceKey names the politeness bucket the request draws from,
	// typically the remote host.
	SourceKey(req FetchRequest) string
}

// PipelineContext accompanies a fragment through a step's pipelines.
type PipelineContext struct {
	Series     Series
	StageID    string
	StepIndex  int
	Target     Target
	Generation uint64
	// Discovered collects target seeds emitted by pipelines; the executor
	// upserts them after the step succeeds.
	Discovered *[]TargetSeed
}

// Pipeline transforms a fragment between fetch and storage. A pipeline may
// return the fragment unchanged and only produce side outputs such as
// discovered targets.
type Pipeline interface {
	Apply(ctx context.Context, pctx PipelineContext, fragment Fragment) (Fragment, error)
}

// CallbackContext describes a finished step for callbacks.
type CallbackContext struct {
	Series     Series
	StageID    string
	StepIndex  int
	Target     Target
	Generation uint64
	Fragment   Fragment
	Stored     StoreOutcome
}

// StoreOutcome summarizes what the history engine did with a fragment.
type StoreOutcome struct {
	Version     uint64
	Changed     bool
	First       bool
	Fingerprint string
}

// Callback runs synchronously after a step succeeds, before the next step's
// task is produced.
type Callback interface {
	Invoke(ctx context.Context, cctx CallbackContext) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers for series, stages and tasks.
type IDGenerator interface {
	NewID() (string, error)
}

// Fingerprinter turns payloads into canonical bytes and content hashes.
// Canonical must map JSON-equal payloads to identical bytes regardless of
// map iteration order or input representation.
type Fingerprinter interface {
	Canonical(payload map[string]any) ([]byte, error)
	Sum(data []byte) string
}
