package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"
	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/crawl"
)

// deltaBatch is how many deltas a cursor pulls from the store per round trip.
const deltaBatch = 32

// Engine stores fragment payloads as reverse-delta chains. The newest
// payload is always materialized in full; every older version is a patch
// away from its successor, so re-reading recent data is cheap and deep
// history costs one patch application per step back.
type Engine struct {
	chains crawl.ChainStore
	fp     crawl.Fingerprinter
	clock  crawl.Clock
	logger *zap.Logger
}

// New constructs an Engine.
func New(chains crawl.ChainStore, fp crawl.Fingerprinter, clock crawl.Clock, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{chains: chains, fp: fp, clock: clock, logger: logger}
}

// Store persists one fetched payload. When the payload fingerprints
// identically to the chain head nothing new is written; the chain only
// records that the head was observed again, so re-crawling unchanged
// records costs constant storage. When the payload differs, the previous
// head is folded into a reverse delta and the new payload becomes the base.
func (e *Engine) Store(ctx context.Context, key crawl.TargetKey, kind string, payload map[string]any, fetchedAt time.Time) (crawl.StoreOutcome, error) {
	canonical, err := e.fp.Canonical(payload)
	if err != nil {
		return crawl.StoreOutcome{}, fmt.Errorf("store %s/%s: %w", key.Canonical(), kind, err)
	}
	fingerprint := e.fp.Sum(canonical)
	now := e.clock.Now()

	prev, err := e.chains.GetBase(ctx, key, kind)
	if errors.Is(err, crawl.ErrNotFound) {
		base := crawl.Base{
			Key:          key.Clone(),
			Kind:         kind,
			Version:      1,
			Payload:      canonical,
			Fingerprint:  fingerprint,
			FetchedAt:    fetchedAt,
			StoredAt:     now,
			Observations: 1,
			LastSeenAt:   now,
		}
		if err := e.chains.AppendVersion(ctx, base, nil); err != nil {
			return crawl.StoreOutcome{}, fmt.Errorf("store %s/%s: %w", key.Canonical(), kind, err)
		}
		return crawl.StoreOutcome{Version: 1, Changed: true, First: true, Fingerprint: fingerprint}, nil
	}
	if err != nil {
		return crawl.StoreOutcome{}, fmt.Errorf("store %s/%s: %w", key.Canonical(), kind, err)
	}

	if prev.Fingerprint == fingerprint {
		if err := e.chains.RecordObservation(ctx, key, kind, now); err != nil {
			return crawl.StoreOutcome{}, fmt.Errorf("store %s/%s: %w", key.Canonical(), kind, err)
		}
		return crawl.StoreOutcome{Version: prev.Version, Changed: false, Fingerprint: fingerprint}, nil
	}

	// Reverse delta: applied to the new payload it reconstructs the old one.
	patch, err := jsondiff.CompareJSON(canonical, prev.Payload)
	if err != nil {
		return crawl.StoreOutcome{}, fmt.Errorf("store %s/%s: diff against version %d: %w", key.Canonical(), kind, prev.Version, err)
	}
	patchBytes, err := json.Marshal(patch)
	if err != nil {
		return crawl.StoreOutcome{}, fmt.Errorf("store %s/%s: encode patch: %w", key.Canonical(), kind, err)
	}

	base := crawl.Base{
		Key:          key.Clone(),
		Kind:         kind,
		Version:      prev.Version + 1,
		Payload:      canonical,
		Fingerprint:  fingerprint,
		FetchedAt:    fetchedAt,
		StoredAt:     now,
		Observations: prev.Observations + 1,
		LastSeenAt:   now,
	}
	delta := crawl.Delta{
		Version:     prev.Version,
		Patch:       patchBytes,
		Fingerprint: prev.Fingerprint,
		FetchedAt:   prev.FetchedAt,
		StoredAt:    now,
	}
	if err := e.chains.AppendVersion(ctx, base, &delta); err != nil {
		return crawl.StoreOutcome{}, fmt.Errorf("store %s/%s: %w", key.Canonical(), kind, err)
	}
	e.logger.Debug("chain advanced",
		zap.String("key", key.Canonical()),
		zap.String("kind", kind),
		zap.Uint64("version", base.Version),
	)
	return crawl.StoreOutcome{Version: base.Version, Changed: true, Fingerprint: fingerprint}, nil
}

// Entry is one reconstructed version of a chain.
type Entry struct {
	Version     uint64         `json:"version"`
	FetchedAt   time.Time      `json:"fetched_at"`
	StoredAt    time.Time      `json:"stored_at"`
	Fingerprint string         `json:"fingerprint"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// History opens a cursor over the chain, newest version first. The cursor
// reconstructs lazily: each step back applies one stored reverse delta and
// verifies the result against the delta's fingerprint before serving it.
func (e *Engine) History(ctx context.Context, key crawl.TargetKey, kind string) (*Cursor, error) {
	base, err := e.chains.GetBase(ctx, key, kind)
	if err != nil {
		return nil, fmt.Errorf("history %s/%s: %w", key.Canonical(), kind, err)
	}
	return &Cursor{
		engine:  e,
		key:     key.Clone(),
		kind:    kind,
		base:    base,
		current: base.Payload,
		version: base.Version + 1,
	}, nil
}

// Version reconstructs one historical version. Cost is proportional to the
// distance from the chain head.
func (e *Engine) Version(ctx context.Context, key crawl.TargetKey, kind string, version uint64) (Entry, error) {
	cur, err := e.History(ctx, key, kind)
	if err != nil {
		return Entry{}, err
	}
	if version == 0 || version > cur.base.Version {
		return Entry{}, fmt.Errorf("history %s/%s: version %d: %w", key.Canonical(), kind, version, crawl.ErrNotFound)
	}
	for {
		entry, ok, err := cur.Next(ctx)
		if err != nil {
			return Entry{}, err
		}
		if !ok {
			return Entry{}, fmt.Errorf("history %s/%s: version %d: %w", key.Canonical(), kind, version, crawl.ErrNotFound)
		}
		if entry.Version == version {
			return entry, nil
		}
	}
}

// Cursor walks a chain from the newest version backward.
type Cursor struct {
	engine  *Engine
	key     crawl.TargetKey
	kind    string
	base    crawl.Base
	current []byte
	version uint64
	buffer  []crawl.Delta
	done    bool
}

// Next returns the next older version. The second return is false once the
// chain is exhausted.
func (c *Cursor) Next(ctx context.Context) (Entry, bool, error) {
	if c.done {
		return Entry{}, false, nil
	}
	if c.version == c.base.Version+1 {
		c.version = c.base.Version
		entry, err := c.entryFromPayload(c.base.Fingerprint, c.base.FetchedAt, c.base.StoredAt)
		if err != nil {
			return Entry{}, false, err
		}
		return entry, true, nil
	}
	delta, ok, err := c.nextDelta(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	if !ok {
		c.done = true
		return Entry{}, false, nil
	}
	patched, err := applyPatch(c.current, delta.Patch)
	if err != nil {
		c.done = true
		return Entry{}, false, fmt.Errorf("history %s/%s: apply delta for version %d: %w", c.key.Canonical(), c.kind, delta.Version, err)
	}
	// Patch application does not preserve canonical key order, so the bytes
	// are re-canonicalized before the fingerprint check.
	var decoded map[string]any
	if err := json.Unmarshal(patched, &decoded); err != nil {
		c.done = true
		return Entry{}, false, fmt.Errorf("history %s/%s: decode version %d: %w", c.key.Canonical(), c.kind, delta.Version, err)
	}
	reconstructed, err := c.engine.fp.Canonical(decoded)
	if err != nil {
		c.done = true
		return Entry{}, false, fmt.Errorf("history %s/%s: canonicalize version %d: %w", c.key.Canonical(), c.kind, delta.Version, err)
	}
	if got := c.engine.fp.Sum(reconstructed); got != delta.Fingerprint {
		c.done = true
		return Entry{}, false, &crawl.IntegrityError{
			Key:     c.key,
			Kind:    c.kind,
			Version: delta.Version,
			Want:    delta.Fingerprint,
			Got:     got,
		}
	}
	c.current = reconstructed
	c.version = delta.Version
	entry, err := c.entryFromPayload(delta.Fingerprint, delta.FetchedAt, delta.StoredAt)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (c *Cursor) nextDelta(ctx context.Context) (crawl.Delta, bool, error) {
	if len(c.buffer) == 0 {
		if c.version <= 1 {
			return crawl.Delta{}, false, nil
		}
		deltas, err := c.engine.chains.Deltas(ctx, c.key, c.kind, c.version, deltaBatch)
		if err != nil {
			return crawl.Delta{}, false, fmt.Errorf("history %s/%s: load deltas below %d: %w", c.key.Canonical(), c.kind, c.version, err)
		}
		c.buffer = deltas
	}
	if len(c.buffer) == 0 {
		return crawl.Delta{}, false, nil
	}
	delta := c.buffer[0]
	c.buffer = c.buffer[1:]
	if delta.Version != c.version-1 {
		c.done = true
		return crawl.Delta{}, false, &crawl.IntegrityError{
			Key:     c.key,
			Kind:    c.kind,
			Version: c.version - 1,
			Want:    fmt.Sprintf("delta for version %d", c.version-1),
			Got:     fmt.Sprintf("delta for version %d", delta.Version),
		}
	}
	return delta, true, nil
}

func (c *Cursor) entryFromPayload(fingerprint string, fetchedAt, storedAt time.Time) (Entry, error) {
	var payload map[string]any
	if err := json.Unmarshal(c.current, &payload); err != nil {
		return Entry{}, fmt.Errorf("history %s/%s: decode version %d: %w", c.key.Canonical(), c.kind, c.version, err)
	}
	return Entry{
		Version:     c.version,
		FetchedAt:   fetchedAt,
		StoredAt:    storedAt,
		Fingerprint: fingerprint,
		Payload:     payload,
	}, nil
}

func applyPatch(doc, patchBytes []byte) ([]byte, error) {
	patch, err := jsonpatch.DecodePatch(patchBytes)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	out, err := patch.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("apply patch: %w", err)
	}
	return out, nil
}
