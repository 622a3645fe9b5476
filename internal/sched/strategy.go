package sched

import (
	"sort"
	"sync"

	"github.com/driftline/driftline/internal/crawl"
)

// Share is one series' slice of a class budget for a single tick.
type Share struct {
	SeriesID string
	Slots    int
}

// Strategy splits the free slots of one class across the series competing
// for it. Implementations must be safe for concurrent ticks.
type Strategy interface {
	Split(available int, series []crawl.Series) []Share
}

// RoundRobin hands out slots one at a time, rotating the starting series
// between calls so no series is permanently first in line.
type RoundRobin struct {
	mu     sync.Mutex
	offset int
}

// NewRoundRobin constructs a RoundRobin strategy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Split distributes available slots as evenly as the count allows.
func (r *RoundRobin) Split(available int, series []crawl.Series) []Share {
	if available <= 0 || len(series) == 0 {
		return nil
	}
	r.mu.Lock()
	start := r.offset % len(series)
	r.offset++
	r.mu.Unlock()

	shares := make([]Share, len(series))
	for i, s := range series {
		shares[i] = Share{SeriesID: s.ID}
	}
	for i := 0; i < available; i++ {
		shares[(start+i)%len(series)].Slots++
	}
	return compact(rotate(shares, start))
}

// WeightedPriority gives each series floor(weight/Σweights × available)
// slots and distributes the remainder by descending weight. Series with
// zero weight participate as weight one, so a mixed population degrades to
// fair shares rather than starving the unweighted.
type WeightedPriority struct{}

// NewWeightedPriority constructs a WeightedPriority strategy.
func NewWeightedPriority() *WeightedPriority {
	return &WeightedPriority{}
}

// Split computes the weighted allocation.
func (WeightedPriority) Split(available int, series []crawl.Series) []Share {
	if available <= 0 || len(series) == 0 {
		return nil
	}
	weights := make([]float64, len(series))
	total := 0.0
	for i, s := range series {
		w := s.Weight
		if w <= 0 {
			w = 1
		}
		weights[i] = w
		total += w
	}

	shares := make([]Share, len(series))
	assigned := 0
	for i, s := range series {
		slots := int(float64(available) * weights[i] / total)
		shares[i] = Share{SeriesID: s.ID, Slots: slots}
		assigned += slots
	}

	// Remainder goes to the heaviest series first; index breaks weight ties
	// deterministically.
	order := make([]int, len(series))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return weights[order[a]] > weights[order[b]]
	})
	for i := 0; assigned < available; i++ {
		shares[order[i%len(order)]].Slots++
		assigned++
	}
	return compact(shares)
}

func rotate(shares []Share, start int) []Share {
	if start == 0 {
		return shares
	}
	out := make([]Share, 0, len(shares))
	out = append(out, shares[start:]...)
	out = append(out, shares[:start]...)
	return out
}

func compact(shares []Share) []Share {
	out := shares[:0]
	for _, s := range shares {
		if s.Slots > 0 {
			out = append(out, s)
		}
	}
	return out
}
