package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/driftline/driftline/internal/crawl"
)

// changeHorizon is how far back a change still contributes to the
// time-scaled model. Changes older than this count for nothing.
const changeHorizon = 356 * 24 * time.Hour

// ChainStats summarizes how often a chain changes. BinaryChange is the
// fraction of observations that produced a new version. TimeScaledChange
// weights each change by how recent it is, so a record that churned a year
// ago and then went quiet scores near zero.
type ChainStats struct {
	Versions         uint64    `json:"versions"`
	Observations     uint64    `json:"observations"`
	LastSeenAt       time.Time `json:"last_seen_at"`
	BinaryChange     float64   `json:"binary_change"`
	TimeScaledChange float64   `json:"time_scaled_change"`
}

// Stats computes change-frequency statistics for a chain. A chain that does
// not exist yet reports zero values without error.
func (e *Engine) Stats(ctx context.Context, key crawl.TargetKey, kind string) (ChainStats, error) {
	base, err := e.chains.GetBase(ctx, key, kind)
	if errors.Is(err, crawl.ErrNotFound) {
		return ChainStats{}, nil
	}
	if err != nil {
		return ChainStats{}, fmt.Errorf("stats %s/%s: %w", key.Canonical(), kind, err)
	}

	stats := ChainStats{
		Versions:     base.Version,
		Observations: base.Observations,
		LastSeenAt:   base.LastSeenAt,
	}
	if base.Observations > 0 {
		stats.BinaryChange = float64(base.Version-1) / float64(base.Observations)
	}

	now := e.clock.Now()
	weighted := 0.0
	// Each delta's StoredAt is the moment its successor version was written,
	// so the deltas enumerate exactly the Version-1 changes of the chain.
	from := base.Version + 1
	for from > 1 {
		deltas, err := e.chains.Deltas(ctx, key, kind, from, deltaBatch)
		if err != nil {
			return ChainStats{}, fmt.Errorf("stats %s/%s: %w", key.Canonical(), kind, err)
		}
		if len(deltas) == 0 {
			break
		}
		for _, d := range deltas {
			weighted += decay(now.Sub(d.StoredAt))
		}
		from = deltas[len(deltas)-1].Version
	}
	if base.Observations > 0 {
		stats.TimeScaledChange = weighted / float64(base.Observations)
		if stats.TimeScaledChange > 1 {
			stats.TimeScaledChange = 1
		}
	}
	return stats, nil
}

// decay maps an age to a weight in [0,1], linear down to zero at the horizon.
func decay(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	if age >= changeHorizon {
		return 0
	}
	return 1 - float64(age)/float64(changeHorizon)
}
