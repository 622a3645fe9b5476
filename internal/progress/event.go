package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/driftline/driftline/internal/crawl"
)

// Type names the milestone an Event represents.
type Type string

// Supported progress event types.
const (
	TypeTaskQueued    Type = "TASK_QUEUED"
	TypeTaskRunning   Type = "TASK_RUNNING"
	TypeTaskSucceeded Type = "TASK_SUCCEEDED"
	TypeTaskTransient Type = "TASK_TRANSIENT"
	TypeTaskPermanent Type = "TASK_PERMANENT"
	TypeTaskRecycled  Type = "TASK_RECYCLED"

	TypeChainVersion     Type = "CHAIN_VERSION"
	TypeChainObservation Type = "CHAIN_OBSERVATION"

	TypeSeriesStarted   Type = "SERIES_STARTED"
	TypeSeriesComplete  Type = "SERIES_COMPLETE"
	TypeSeriesCancelled Type = "SERIES_CANCELLED"

	TypeSchedulerTick Type = "SCHEDULER_TICK"
)

// Event captures a single progress milestone. Task events carry the full
// step address so sinks can aggregate per stage; chain events carry the
// fragment coordinates and version.
type Event struct {
	// Type denotes which milestone occurred.
	Type Type
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// SeriesID scopes task, chain and series events.
	SeriesID string
	// Generation is the series generation the event belongs to.
	Generation uint64
	// StageID and StepIndex address the step for task events.
	StageID   string
	StepIndex int
	// TargetKey is the canonical key form for task and chain events.
	TargetKey string
	// FragmentKind names the chain for chain events.
	FragmentKind string
	// Class is the fetch class for task events.
	Class crawl.FetchClass
	// Version carries the chain version for chain events.
	Version uint64
	// Produced carries the task count for scheduler tick events.
	Produced int
	// Dur captures execution latency for task completions and ticks.
	Dur time.Duration
	// Note attaches low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeTaskQueued, TypeTaskRunning, TypeTaskSucceeded, TypeTaskTransient, TypeTaskPermanent, TypeTaskRecycled:
		if e.SeriesID == "" || e.StageID == "" {
			return fmt.Errorf("%s requires series and stage", e.Type)
		}
		if e.TargetKey == "" {
			return fmt.Errorf("%s requires a target key", e.Type)
		}
	case TypeChainVersion, TypeChainObservation:
		if e.TargetKey == "" || e.FragmentKind == "" {
			return fmt.Errorf("%s requires a target key and fragment kind", e.Type)
		}
	case TypeSeriesStarted, TypeSeriesComplete, TypeSeriesCancelled:
		if e.SeriesID == "" {
			return fmt.Errorf("%s requires a series id", e.Type)
		}
	case TypeSchedulerTick:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
