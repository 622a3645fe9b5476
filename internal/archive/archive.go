// Package archive persists raw fetch responses alongside the structured
// fragment history, so a payload can be re-parsed later without re-fetching.
package archive

import (
	"context"
	"fmt"

	"github.com/driftline/driftline/internal/crawl"
)

// Ref addresses one archived response body. Objects are keyed
// series/generation/target/kind/version/page so every stored chain version
// maps back to the bytes it was parsed from.
type Ref struct {
	SeriesID   string
	Generation uint64
	Key        crawl.TargetKey
	Kind       string
	Version    uint64
	Page       int
}

// ObjectName renders the storage key for the reference.
func (r Ref) ObjectName() string {
	return fmt.Sprintf("%s/gen-%d/%s/%s/v%06d/page-%03d",
		r.SeriesID, r.Generation, r.Key.Canonical(), r.Kind, r.Version, r.Page)
}

// Archiver stores raw response bodies.
type Archiver interface {
	Save(ctx context.Context, ref Ref, contentType string, data []byte) error
}

// Nop discards everything, used when archival is disabled.
type Nop struct{}

// Save for Nop does nothing and always returns nil.
func (Nop) Save(context.Context, Ref, string, []byte) error {
	return nil
}
