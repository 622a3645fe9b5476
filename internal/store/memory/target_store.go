// Package memory implements the engine's stores with mutex-guarded maps.
// It is the reference implementation used by tests and single-node runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/driftline/driftline/internal/crawl"
)

// TargetStore keeps targets and their crawl state in memory. All methods
// are safe for concurrent use; claim and result updates are atomic per
// target under one store-wide mutex.
type TargetStore struct {
	mu      sync.Mutex
	targets map[string]*crawl.Target
	order   []string
	clock   crawl.Clock
}

// NewTargetStore constructs an empty TargetStore.
func NewTargetStore(clock crawl.Clock) *TargetStore {
	return &TargetStore{
		targets: make(map[string]*crawl.Target),
		clock:   clock,
	}
}

// UpsertTargets merges seeds into the registry. Existing targets only gain
// tags; crawl state, weight and creation time are preserved.
func (s *TargetStore) UpsertTargets(_ context.Context, seeds []crawl.TargetSeed) (crawl.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res crawl.UpsertResult
	for _, seed := range seeds {
		if err := seed.Key.Validate(); err != nil {
			return res, fmt.Errorf("upsert targets: %w", err)
		}
		canonical := seed.Key.Canonical()
		existing, ok := s.targets[canonical]
		if !ok {
			target := &crawl.Target{
				Key:       seed.Key.Clone(),
				Tags:      append([]string(nil), seed.Tags...),
				Weight:    seed.Weight,
				CreatedAt: s.clock.Now(),
				States:    make(map[crawl.StepRef]crawl.StepState),
			}
			s.targets[canonical] = target
			s.order = append(s.order, canonical)
			res.Created++
			continue
		}
		merged := false
		for _, tag := range seed.Tags {
			if !existing.HasTag(tag) {
				existing.Tags = append(existing.Tags, tag)
				merged = true
			}
		}
		if merged {
			res.Updated++
		}
	}
	return res, nil
}

// Get returns a copy of one target with its crawl state.
func (s *TargetStore) Get(_ context.Context, key crawl.TargetKey) (crawl.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targets[key.Canonical()]
	if !ok {
		return crawl.Target{}, fmt.Errorf("target %s: %w", key.Canonical(), crawl.ErrNotFound)
	}
	return cloneTarget(target), nil
}

// Deactivate marks a target inactive so no filter matches it again.
func (s *TargetStore) Deactivate(_ context.Context, key crawl.TargetKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targets[key.Canonical()]
	if !ok {
		return fmt.Errorf("target %s: %w", key.Canonical(), crawl.ErrNotFound)
	}
	target.Inactive = true
	return nil
}

// UpdateWeight stores a new scheduling weight for the target.
func (s *TargetStore) UpdateWeight(_ context.Context, key crawl.TargetKey, weight float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targets[key.Canonical()]
	if !ok {
		return fmt.Errorf("target %s: %w", key.Canonical(), crawl.ErrNotFound)
	}
	target.Weight = weight
	return nil
}

// QueryEligible returns up to Limit targets whose state shows the queried
// step still pending for the generation.
func (s *TargetStore) QueryEligible(_ context.Context, q crawl.EligibilityQuery) ([]crawl.TargetKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := crawl.StepRef{SeriesID: q.SeriesID, StageID: q.StageID, StepIndex: q.StepIndex}

	type candidate struct {
		key    crawl.TargetKey
		order  int
		weight float64
		state  crawl.StepState
	}
	var candidates []candidate
	for i, canonical := range s.order {
		target := s.targets[canonical]
		if !q.Filter.Matches(*target) {
			continue
		}
		state := target.State(ref)
		if !eligible(state, q.Generation) {
			continue
		}
		if !prereqsMet(target, q.Prereqs, q.Generation) {
			continue
		}
		candidates = append(candidates, candidate{key: target.Key.Clone(), order: i, weight: target.Weight, state: state})
	}

	if q.Order == crawl.OrderWeightDesc {
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].weight != candidates[j].weight {
				return candidates[i].weight > candidates[j].weight
			}
			return candidates[i].order < candidates[j].order
		})
	}
	if q.Order == crawl.OrderOldestAttempt {
		sort.SliceStable(candidates, func(i, j int) bool {
			a, b := candidates[i].state, candidates[j].state
			// Never-attempted targets sort first, then oldest attempt wins.
			if a.LastAttemptAt.IsZero() != b.LastAttemptAt.IsZero() {
				return a.LastAttemptAt.IsZero()
			}
			if !a.LastAttemptAt.Equal(b.LastAttemptAt) {
				return a.LastAttemptAt.Before(b.LastAttemptAt)
			}
			return candidates[i].order < candidates[j].order
		})
	}

	limit := q.Limit
	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}
	keys := make([]crawl.TargetKey, 0, limit)
	for _, c := range candidates[:limit] {
		keys = append(keys, c.key)
	}
	return keys, nil
}

// Claim marks the step in flight for the generation. It returns false when
// another claimer won or the step is no longer pending.
func (s *TargetStore) Claim(_ context.Context, key crawl.TargetKey, ref crawl.StepRef, generation uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targets[key.Canonical()]
	if !ok {
		return false, fmt.Errorf("target %s: %w", key.Canonical(), crawl.ErrNotFound)
	}
	state := target.State(ref)
	if !eligible(state, generation) {
		return false, nil
	}
	if state.Fresh(generation) {
		state = crawl.StepState{Generation: generation}
	}
	state.Claimed = true
	state.ClaimedAt = s.clock.Now()
	target.States[ref] = state
	return true, nil
}

// Release drops a claim without recording an outcome.
func (s *TargetStore) Release(_ context.Context, key crawl.TargetKey, ref crawl.StepRef, generation uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targets[key.Canonical()]
	if !ok {
		return fmt.Errorf("target %s: %w", key.Canonical(), crawl.ErrNotFound)
	}
	state := target.State(ref)
	if state.Generation != generation || !state.Claimed {
		return nil
	}
	state.Claimed = false
	target.States[ref] = state
	return nil
}

// MarkStepResult records a task outcome for the step.
func (s *TargetStore) MarkStepResult(_ context.Context, key crawl.TargetKey, ref crawl.StepRef, generation uint64, outcome crawl.Outcome, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targets[key.Canonical()]
	if !ok {
		return fmt.Errorf("target %s: %w", key.Canonical(), crawl.ErrNotFound)
	}
	state := target.State(ref)
	if state.Fresh(generation) {
		state = crawl.StepState{Generation: generation}
	}
	now := s.clock.Now()
	state.LastAttemptAt = now
	switch outcome {
	case crawl.OutcomeSucceeded:
		state.Completed = true
		state.Claimed = false
		state.LastSuccessAt = now
		state.LastError = ""
	case crawl.OutcomeTransientFailed:
		// The claim stays: the delayed retry task still owns the step.
		state.RetryCount++
		state.LastError = errText
	case crawl.OutcomePermanentFailed:
		state.Failed = true
		state.Claimed = false
		state.LastError = errText
	default:
		return fmt.Errorf("mark step result: unknown outcome %q", outcome)
	}
	target.States[ref] = state
	return nil
}

// ClaimedCount reports how many steps are currently claimed for the series
// generation.
func (s *TargetStore) ClaimedCount(_ context.Context, seriesID string, generation uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, target := range s.targets {
		for ref, state := range target.States {
			if ref.SeriesID == seriesID && state.Generation == generation && state.Claimed {
				count++
			}
		}
	}
	return count, nil
}

func eligible(state crawl.StepState, generation uint64) bool {
	if state.Fresh(generation) {
		return true
	}
	return !state.Completed && !state.Failed && !state.Claimed
}

func prereqsMet(target *crawl.Target, prereqs []crawl.StepRef, generation uint64) bool {
	for _, ref := range prereqs {
		state := target.State(ref)
		if state.Fresh(generation) || !state.Completed {
			return false
		}
	}
	return true
}

func cloneTarget(t *crawl.Target) crawl.Target {
	out := crawl.Target{
		Key:       t.Key.Clone(),
		Tags:      append([]string(nil), t.Tags...),
		Weight:    t.Weight,
		Inactive:  t.Inactive,
		CreatedAt: t.CreatedAt,
		States:    make(map[crawl.StepRef]crawl.StepState, len(t.States)),
	}
	for ref, state := range t.States {
		out.States[ref] = state
	}
	return out
}
