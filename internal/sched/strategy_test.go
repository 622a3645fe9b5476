package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/crawl"
)

func namedSeries(ids ...string) []crawl.Series {
	out := make([]crawl.Series, len(ids))
	for i, id := range ids {
		out[i] = crawl.Series{ID: id}
	}
	return out
}

func slotsByID(shares []Share) map[string]int {
	out := make(map[string]int, len(shares))
	for _, s := range shares {
		out[s.SeriesID] = s.Slots
	}
	return out
}

func totalSlots(shares []Share) int {
	total := 0
	for _, s := range shares {
		total += s.Slots
	}
	return total
}

func TestRoundRobinSplitsEvenly(t *testing.T) {
	t.Parallel()

	shares := NewRoundRobin().Split(6, namedSeries("a", "b", "c"))
	require.Equal(t, map[string]int{"a": 2, "b": 2, "c": 2}, slotsByID(shares))
}

func TestRoundRobinRotatesTheExtraSlot(t *testing.T) {
	t.Parallel()

	rr := NewRoundRobin()
	series := namedSeries("a", "b", "c")

	first := slotsByID(rr.Split(4, series))
	second := slotsByID(rr.Split(4, series))
	third := slotsByID(rr.Split(4, series))

	require.Equal(t, map[string]int{"a": 2, "b": 1, "c": 1}, first)
	require.Equal(t, map[string]int{"a": 1, "b": 2, "c": 1}, second)
	require.Equal(t, map[string]int{"a": 1, "b": 1, "c": 2}, third)
}

func TestRoundRobinEmptyInputs(t *testing.T) {
	t.Parallel()

	rr := NewRoundRobin()
	require.Nil(t, rr.Split(0, namedSeries("a")))
	require.Nil(t, rr.Split(4, nil))
}

func TestRoundRobinFewerSlotsThanSeries(t *testing.T) {
	t.Parallel()

	shares := NewRoundRobin().Split(2, namedSeries("a", "b", "c", "d"))
	require.Equal(t, 2, totalSlots(shares))
	require.Len(t, shares, 2)
}

func TestWeightedSplitProportional(t *testing.T) {
	t.Parallel()

	series := []crawl.Series{
		{ID: "a", Weight: 5},
		{ID: "b", Weight: 3},
		{ID: "c", Weight: 2},
	}
	shares := NewWeightedPriority().Split(10, series)
	require.Equal(t, map[string]int{"a": 5, "b": 3, "c": 2}, slotsByID(shares))
}

func TestWeightedSplitRemainderGoesToHeaviest(t *testing.T) {
	t.Parallel()

	series := []crawl.Series{
		{ID: "light", Weight: 1},
		{ID: "heavy", Weight: 3},
	}
	// floor(5×3/4)=3 and floor(5×1/4)=1; the leftover slot lands on heavy.
	shares := NewWeightedPriority().Split(5, series)
	require.Equal(t, map[string]int{"heavy": 4, "light": 1}, slotsByID(shares))
}

func TestWeightedSplitZeroWeightsDegradeToFairShares(t *testing.T) {
	t.Parallel()

	series := []crawl.Series{
		{ID: "a"},
		{ID: "b"},
	}
	shares := NewWeightedPriority().Split(4, series)
	require.Equal(t, map[string]int{"a": 2, "b": 2}, slotsByID(shares))
}

func TestWeightedSplitNeverExceedsAvailable(t *testing.T) {
	t.Parallel()

	series := []crawl.Series{
		{ID: "a", Weight: 0.7},
		{ID: "b", Weight: 0.2},
		{ID: "c", Weight: 0.1},
	}
	for avail := 1; avail <= 12; avail++ {
		shares := NewWeightedPriority().Split(avail, series)
		require.Equal(t, avail, totalSlots(shares), "available=%d", avail)
	}
}
