package crawl

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// TargetKey identifies one logical record in the external source as an
// ordered set of named parameters, e.g. {"id": "com.example.app", "locale": "en"}.
type TargetKey map[string]string

// Canonical renders the key in a stable textual form: parameters sorted by
// name and query-escaped, joined with '&'. Two keys with equal contents
// always produce the same canonical string, which is what stores, queues and
// chains use for identity.
func (k TargetKey) Canonical() string {
	names := make([]string, 0, len(k))
	for name := range k {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, url.QueryEscape(name)+"="+url.QueryEscape(k[name]))
	}
	return strings.Join(parts, "&")
}

// ParseTargetKey is the inverse of Canonical.
func ParseTargetKey(s string) (TargetKey, error) {
	if s == "" {
		return nil, fmt.Errorf("target key is empty")
	}
	values, err := url.ParseQuery(s)
	if err != nil {
		return nil, fmt.Errorf("parse target key %q: %w", s, err)
	}
	key := make(TargetKey, len(values))
	for name, vals := range values {
		if len(vals) != 1 {
			return nil, fmt.Errorf("target key %q: parameter %q repeated", s, name)
		}
		key[name] = vals[0]
	}
	return key, nil
}

// Equal reports whether two keys carry the same parameters.
func (k TargetKey) Equal(other TargetKey) bool {
	if len(k) != len(other) {
		return false
	}
	for name, val := range k {
		if other[name] != val {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the key.
func (k TargetKey) Clone() TargetKey {
	out := make(TargetKey, len(k))
	for name, val := range k {
		out[name] = val
	}
	return out
}

// Validate rejects keys that cannot identify a record.
func (k TargetKey) Validate() error {
	if len(k) == 0 {
		return fmt.Errorf("target key has no parameters")
	}
	for name := range k {
		if name == "" {
			return fmt.Errorf("target key has an empty parameter name")
		}
	}
	return nil
}

// StepRef addresses one step of one stage within a series.
type StepRef struct {
	SeriesID  string `json:"series_id"`
	StageID   string `json:"stage_id"`
	StepIndex int    `json:"step_index"`
}

// StepState is the durable crawl state a target carries for one step of one
// series. Generation scopes the flags: state recorded under an older
// generation reads as fresh when the series is restarted.
type StepState struct {
	Generation    uint64    `json:"generation"`
	Completed     bool      `json:"completed"`
	Failed        bool      `json:"failed"`
	Claimed       bool      `json:"claimed"`
	ClaimedAt     time.Time `json:"claimed_at,omitzero"`
	RetryCount    int       `json:"retry_count"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
	LastSuccessAt time.Time `json:"last_success_at,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
}

// Fresh reports whether the state carries no information for the given
// generation.
func (s StepState) Fresh(generation uint64) bool {
	return s.Generation != generation
}

// Target is one crawlable record: its identifying key, its tags, and the
// per-step crawl state accumulated across series. Targets are never deleted,
// only marked inactive.
type Target struct {
	Key       TargetKey             `json:"key"`
	Tags      []string              `json:"tags"`
	Weight    float64               `json:"weight"`
	Inactive  bool                  `json:"inactive"`
	CreatedAt time.Time             `json:"created_at"`
	States    map[StepRef]StepState `json:"-"`
}

// HasTag reports whether the target carries the tag.
func (t Target) HasTag(tag string) bool {
	for _, have := range t.Tags {
		if have == tag {
			return true
		}
	}
	return false
}

// State returns the crawl state for a step, zero when none was recorded.
func (t Target) State(ref StepRef) StepState {
	if t.States == nil {
		return StepState{}
	}
	return t.States[ref]
}

// TargetSeed is one entry of a bulk import.
type TargetSeed struct {
	Key    TargetKey `json:"key"`
	Tags   []string  `json:"tags,omitempty"`
	Weight float64   `json:"weight,omitempty"`
}

// UpsertResult counts the effect of a bulk import.
type UpsertResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Fragment is one named, independently fetched facet of a target's record.
// Payload is an opaque nested mapping; Fingerprint is filled in by the
// history engine when the fragment is stored.
type Fragment struct {
	Kind        string         `json:"kind"`
	Payload     map[string]any `json:"payload"`
	FetchedAt   time.Time      `json:"fetched_at"`
	Fingerprint string         `json:"fingerprint,omitempty"`
}

// FetchClass partitions fetch work by how long it blocks a worker. Classes
// have independent queues and independent concurrency budgets so slow
// rendered fetches cannot starve plain HTTP ones.
type FetchClass string

// The two built-in fetch classes.
const (
	ClassNonBlocking FetchClass = "nonblocking"
	ClassBlocking    FetchClass = "blocking"
)

// Classes lists every valid fetch class in a fixed order.
var Classes = []FetchClass{ClassNonBlocking, ClassBlocking}

// Valid reports whether the class is one of the known values.
func (c FetchClass) Valid() bool {
	for _, known := range Classes {
		if c == known {
			return true
		}
	}
	return false
}

// Outcome is the three-valued result of executing a task. The executor
// returns it explicitly so the retry state machine never depends on error
// unwinding.
type Outcome string

// Task outcomes.
const (
	OutcomeSucceeded       Outcome = "succeeded"
	OutcomeTransientFailed Outcome = "transient-failed"
	OutcomePermanentFailed Outcome = "permanent-failed"
)

// Task is the dispatch unit handed to workers over a class queue. It is
// ephemeral: the durable checkpoint is the target's crawl state, so a lost
// task is reproduced from the store rather than recovered from the queue.
type Task struct {
	ID         string     `json:"id"`
	SeriesID   string     `json:"series_id"`
	Generation uint64     `json:"generation"`
	TargetKey  TargetKey  `json:"target_key"`
	StageID    string     `json:"stage_id"`
	StepIndex  int        `json:"step_index"`
	RetryCount int        `json:"retry_count"`
	Class      FetchClass `json:"class"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

// StepRef returns the step address the task executes.
func (t Task) StepRef() StepRef {
	return StepRef{SeriesID: t.SeriesID, StageID: t.StageID, StepIndex: t.StepIndex}
}

// Validate rejects malformed task messages before they reach a worker.
func (t Task) Validate() error {
	if t.SeriesID == "" {
		return fmt.Errorf("task has no series id")
	}
	if t.StageID == "" {
		return fmt.Errorf("task has no stage id")
	}
	if t.StepIndex < 0 {
		return fmt.Errorf("task step index %d is negative", t.StepIndex)
	}
	if !t.Class.Valid() {
		return fmt.Errorf("task class %q is unknown", t.Class)
	}
	if err := t.TargetKey.Validate(); err != nil {
		return fmt.Errorf("task target key: %w", err)
	}
	return nil
}
