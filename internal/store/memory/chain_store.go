package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftline/driftline/internal/crawl"
)

type chain struct {
	base crawl.Base
	// deltas are ordered newest first: deltas[0] reconstructs base.Version-1.
	deltas []crawl.Delta
}

// ChainStore keeps fragment histories in memory.
type ChainStore struct {
	mu     sync.Mutex
	chains map[string]*chain
}

// NewChainStore constructs an empty ChainStore.
func NewChainStore() *ChainStore {
	return &ChainStore{chains: make(map[string]*chain)}
}

func chainKey(key crawl.TargetKey, kind string) string {
	return key.Canonical() + "\x00" + kind
}

// GetBase returns the chain head.
func (s *ChainStore) GetBase(_ context.Context, key crawl.TargetKey, kind string) (crawl.Base, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[chainKey(key, kind)]
	if !ok {
		return crawl.Base{}, fmt.Errorf("chain %s/%s: %w", key.Canonical(), kind, crawl.ErrNotFound)
	}
	return cloneBase(c.base), nil
}

// RecordObservation notes a fingerprint-identical re-fetch on the chain head.
func (s *ChainStore) RecordObservation(_ context.Context, key crawl.TargetKey, kind string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[chainKey(key, kind)]
	if !ok {
		return fmt.Errorf("chain %s/%s: %w", key.Canonical(), kind, crawl.ErrNotFound)
	}
	c.base.Observations++
	c.base.LastSeenAt = seenAt
	return nil
}

// AppendVersion installs a new base and, when delta is non-nil, prepends the
// delta reconstructing the previous base.
func (s *ChainStore) AppendVersion(_ context.Context, base crawl.Base, delta *crawl.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := chainKey(base.Key, base.Kind)
	c, ok := s.chains[id]
	if !ok {
		if delta != nil {
			return fmt.Errorf("chain %s/%s: delta on first version", base.Key.Canonical(), base.Kind)
		}
		s.chains[id] = &chain{base: cloneBase(base)}
		return nil
	}
	if base.Version != c.base.Version+1 {
		return fmt.Errorf("chain %s/%s: version %d does not follow %d: %w",
			base.Key.Canonical(), base.Kind, base.Version, c.base.Version, crawl.ErrConflict)
	}
	if delta == nil {
		return fmt.Errorf("chain %s/%s: missing delta for version %d", base.Key.Canonical(), base.Kind, c.base.Version)
	}
	c.deltas = append([]crawl.Delta{cloneDelta(*delta)}, c.deltas...)
	c.base = cloneBase(base)
	return nil
}

// Deltas returns stored deltas for versions strictly below fromVersion,
// newest first, at most limit entries.
func (s *ChainStore) Deltas(_ context.Context, key crawl.TargetKey, kind string, fromVersion uint64, limit int) ([]crawl.Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[chainKey(key, kind)]
	if !ok {
		return nil, fmt.Errorf("chain %s/%s: %w", key.Canonical(), kind, crawl.ErrNotFound)
	}
	var out []crawl.Delta
	for _, d := range c.deltas {
		if d.Version >= fromVersion {
			continue
		}
		out = append(out, cloneDelta(d))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// DeltaCount reports how many deltas the chain holds, used by storage-growth
// assertions in tests.
func (s *ChainStore) DeltaCount(key crawl.TargetKey, kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[chainKey(key, kind)]
	if !ok {
		return 0
	}
	return len(c.deltas)
}

// CorruptDelta overwrites a stored delta's patch, test-only support for
// integrity failure scenarios.
func (s *ChainStore) CorruptDelta(key crawl.TargetKey, kind string, version uint64, patch []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[chainKey(key, kind)]
	if !ok {
		return false
	}
	for i := range c.deltas {
		if c.deltas[i].Version == version {
			c.deltas[i].Patch = append([]byte(nil), patch...)
			return true
		}
	}
	return false
}

func cloneBase(b crawl.Base) crawl.Base {
	out := b
	out.Key = b.Key.Clone()
	out.Payload = append([]byte(nil), b.Payload...)
	return out
}

func cloneDelta(d crawl.Delta) crawl.Delta {
	out := d
	out.Patch = append([]byte(nil), d.Patch...)
	return out
}
