// Package capability holds the registry that maps the identifiers used in
// stage definitions to fetch, pipeline and callback implementations.
package capability

import (
	"fmt"
	"sort"
	"sync"

	"github.com/driftline/driftline/internal/crawl"
)

// Registry resolves identifiers from stage definitions. Registration
// happens at the composition root before any stage references resolve, so
// lookups after startup are read-only.
type Registry struct {
	mu        sync.RWMutex
	fetchers  map[string]crawl.FetchCapability
	pipelines map[string]crawl.Pipeline
	callbacks map[string]crawl.Callback
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		fetchers:  make(map[string]crawl.FetchCapability),
		pipelines: make(map[string]crawl.Pipeline),
		callbacks: make(map[string]crawl.Callback),
	}
}

// RegisterFetcher binds a fetch capability to an identifier.
func (r *Registry) RegisterFetcher(id string, c crawl.FetchCapability) error {
	if id == "" || c == nil {
		return fmt.Errorf("fetch capability registration needs an id and an implementation")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.fetchers[id]; exists {
		return fmt.Errorf("fetch capability %q already registered", id)
	}
	r.fetchers[id] = c
	return nil
}

// RegisterPipeline binds a pipeline to an identifier.
func (r *Registry) RegisterPipeline(id string, p crawl.Pipeline) error {
	if id == "" || p == nil {
		return fmt.Errorf("pipeline registration needs an id and an implementation")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pipelines[id]; exists {
		return fmt.Errorf("pipeline %q already registered", id)
	}
	r.pipelines[id] = p
	return nil
}

// RegisterCallback binds a callback to an identifier.
func (r *Registry) RegisterCallback(id string, c crawl.Callback) error {
	if id == "" || c == nil {
		return fmt.Errorf("callback registration needs an id and an implementation")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.callbacks[id]; exists {
		return fmt.Errorf("callback %q already registered", id)
	}
	r.callbacks[id] = c
	return nil
}

// Fetcher resolves a fetch capability.
func (r *Registry) Fetcher(id string) (crawl.FetchCapability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.fetchers[id]
	if !ok {
		return nil, fmt.Errorf("fetch capability %q: %w", id, crawl.ErrNotFound)
	}
	return c, nil
}

// Pipeline resolves a pipeline.
func (r *Registry) Pipeline(id string) (crawl.Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("pipeline %q: %w", id, crawl.ErrNotFound)
	}
	return p, nil
}

// Callback resolves a callback.
func (r *Registry) Callback(id string) (crawl.Callback, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.callbacks[id]
	if !ok {
		return nil, fmt.Errorf("callback %q: %w", id, crawl.ErrNotFound)
	}
	return c, nil
}

// ValidateStage checks that every identifier a stage references resolves.
func (r *Registry) ValidateStage(stage crawl.Stage) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, step := range stage.Steps {
		if _, ok := r.fetchers[step.Capability]; !ok {
			return fmt.Errorf("stage %q step %d: fetch capability %q is not registered", stage.Name, i, step.Capability)
		}
		for _, id := range step.Pipelines {
			if _, ok := r.pipelines[id]; !ok {
				return fmt.Errorf("stage %q step %d: pipeline %q is not registered", stage.Name, i, id)
			}
		}
		for _, id := range step.Callbacks {
			if _, ok := r.callbacks[id]; !ok {
				return fmt.Errorf("stage %q step %d: callback %q is not registered", stage.Name, i, id)
			}
		}
	}
	return nil
}

// FetcherIDs lists the registered fetch capability identifiers, sorted.
func (r *Registry) FetcherIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.fetchers))
	for id := range r.fetchers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
