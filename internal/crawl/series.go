package crawl

import (
	"fmt"
	"time"
)

// Step is one unit of a stage: which capability fetches the fragment, which
// class budget the fetch draws from, and which pipelines and callbacks run
// on the result. Kind names the fragment chain the result is stored under;
// it defaults to the capability identifier.
type Step struct {
	Capability string      `json:"capability"`
	Kind       string      `json:"kind,omitempty"`
	Class      FetchClass  `json:"class"`
	Pipelines  []string    `json:"pipelines,omitempty"`
	Callbacks  []string    `json:"callbacks,omitempty"`
	Terminator *Terminator `json:"terminator,omitempty"`
}

// Terminator bounds a step's continuation loop when the capability paginates.
// Zero values disable the corresponding bound.
type Terminator struct {
	// MaxFetches stops the loop after this many fetches.
	MaxFetches int `json:"max_fetches,omitempty"`
	// OverlapThreshold stops the loop once this fraction of a page's items
	// was already seen earlier in the same run.
	OverlapThreshold float64 `json:"overlap_threshold,omitempty"`
	// Budget is the wall-clock allowance for the whole loop.
	Budget time.Duration `json:"budget,omitempty"`
}

// Validate rejects terminator settings outside their meaningful ranges.
func (t *Terminator) Validate() error {
	if t == nil {
		return nil
	}
	if t.MaxFetches < 0 {
		return fmt.Errorf("terminator max_fetches %d is negative", t.MaxFetches)
	}
	if t.OverlapThreshold < 0 || t.OverlapThreshold > 1 {
		return fmt.Errorf("terminator overlap_threshold %v is outside [0,1]", t.OverlapThreshold)
	}
	if t.Budget < 0 {
		return fmt.Errorf("terminator budget %v is negative", t.Budget)
	}
	return nil
}

// Stage is an immutable ordered sequence of steps. Once a series references
// a stage the catalog refuses further edits to it.
type Stage struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the structural shape of a stage definition. Capability,
// pipeline and callback identifiers are resolved separately against the
// registry by the catalog service.
func (s Stage) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("stage has no name")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("stage %q has no steps", s.Name)
	}
	for i, step := range s.Steps {
		if step.Capability == "" {
			return fmt.Errorf("stage %q step %d names no fetch capability", s.Name, i)
		}
		if !step.Class.Valid() {
			return fmt.Errorf("stage %q step %d: class %q is unknown", s.Name, i, step.Class)
		}
		if err := step.Terminator.Validate(); err != nil {
			return fmt.Errorf("stage %q step %d: %w", s.Name, i, err)
		}
	}
	return nil
}

// Filter selects which targets a series crawls. The zero filter matches
// every active target.
type Filter struct {
	// Tags must all be present on the target.
	Tags []string `json:"tags,omitempty"`
	// ExcludeTags must all be absent.
	ExcludeTags []string `json:"exclude_tags,omitempty"`
	// Params pins key parameters to exact values, e.g. {"locale": "en"}.
	Params map[string]string `json:"params,omitempty"`
}

// Matches reports whether the target passes the filter. Inactive targets
// never match.
func (f Filter) Matches(t Target) bool {
	if t.Inactive {
		return false
	}
	for _, tag := range f.Tags {
		if !t.HasTag(tag) {
			return false
		}
	}
	for _, tag := range f.ExcludeTags {
		if t.HasTag(tag) {
			return false
		}
	}
	for name, want := range f.Params {
		if t.Key[name] != want {
			return false
		}
	}
	return true
}

// Validate rejects filters that could never match.
func (f Filter) Validate() error {
	seen := make(map[string]bool, len(f.Tags))
	for _, tag := range f.Tags {
		if tag == "" {
			return fmt.Errorf("filter has an empty tag")
		}
		seen[tag] = true
	}
	for _, tag := range f.ExcludeTags {
		if tag == "" {
			return fmt.Errorf("filter has an empty exclude tag")
		}
		if seen[tag] {
			return fmt.Errorf("filter both requires and excludes tag %q", tag)
		}
	}
	for name := range f.Params {
		if name == "" {
			return fmt.Errorf("filter has an empty parameter name")
		}
	}
	return nil
}

// SeriesStatus is the lifecycle state of a series.
type SeriesStatus string

// Series lifecycle states.
const (
	SeriesPending   SeriesStatus = "pending"
	SeriesActive    SeriesStatus = "active"
	SeriesComplete  SeriesStatus = "complete"
	SeriesCancelled SeriesStatus = "cancelled"
)

// StageCounts aggregates task results for one stage of a series generation.
type StageCounts struct {
	Scheduled uint64 `json:"scheduled"`
	Succeeded uint64 `json:"succeeded"`
	Retried   uint64 `json:"retried"`
	Failed    uint64 `json:"failed"`
}

// Add accumulates another count set into the receiver.
func (c *StageCounts) Add(other StageCounts) {
	c.Scheduled += other.Scheduled
	c.Succeeded += other.Succeeded
	c.Retried += other.Retried
	c.Failed += other.Failed
}

// Series is a named crawl run: an ordered list of stages applied to the
// targets selected by its filter. Generation counts how many times the
// series was started; eligibility and failure flags are scoped to it, so
// restarting a series re-crawls every matching target.
type Series struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	StageIDs    []string               `json:"stage_ids"`
	Filter      Filter                 `json:"filter"`
	Weight      float64                `json:"weight"`
	Status      SeriesStatus           `json:"status"`
	Generation  uint64                 `json:"generation"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   time.Time              `json:"started_at,omitzero"`
	FinishedAt  time.Time              `json:"finished_at,omitzero"`
	Counts      map[string]StageCounts `json:"counts,omitempty"`
}

// Validate checks the structural shape of a series definition.
func (s Series) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("series has no name")
	}
	if len(s.StageIDs) == 0 {
		return fmt.Errorf("series %q references no stages", s.Name)
	}
	seen := make(map[string]bool, len(s.StageIDs))
	for _, id := range s.StageIDs {
		if id == "" {
			return fmt.Errorf("series %q has an empty stage id", s.Name)
		}
		if seen[id] {
			return fmt.Errorf("series %q references stage %q twice", s.Name, id)
		}
		seen[id] = true
	}
	if s.Weight < 0 {
		return fmt.Errorf("series %q weight %v is negative", s.Name, s.Weight)
	}
	return s.Filter.Validate()
}

// Runnable reports whether the scheduler should produce tasks for the series.
func (s Series) Runnable() bool {
	return s.Status == SeriesActive
}
