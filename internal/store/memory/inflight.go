package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/driftline/driftline/internal/crawl"
)

// InFlight tracks live work per fetch class behind one mutex, so Reserve is
// atomic: concurrent scheduler ticks can never push a class past its budget.
type InFlight struct {
	mu      sync.Mutex
	budgets map[crawl.FetchClass]int
	counts  map[crawl.FetchClass]int
}

// NewInFlight constructs a counter set with the given class budgets.
func NewInFlight(budgets map[crawl.FetchClass]int) *InFlight {
	b := make(map[crawl.FetchClass]int, len(budgets))
	for class, budget := range budgets {
		b[class] = budget
	}
	return &InFlight{
		budgets: b,
		counts:  make(map[crawl.FetchClass]int),
	}
}

// Reserve grants between 0 and n slots without exceeding the class budget.
func (f *InFlight) Reserve(_ context.Context, class crawl.FetchClass, n int) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("reserve %s: negative count %d", class, n)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	budget, ok := f.budgets[class]
	if !ok {
		return 0, fmt.Errorf("reserve: unknown class %q", class)
	}
	free := budget - f.counts[class]
	if free <= 0 {
		return 0, nil
	}
	granted := n
	if granted > free {
		granted = free
	}
	f.counts[class] += granted
	return granted, nil
}

// Transfer moves one slot between classes when a chained step switches
// class. The destination may transiently exceed its budget; the next
// scheduler tick sees the higher count and produces less.
func (f *InFlight) Transfer(_ context.Context, from, to crawl.FetchClass) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.budgets[from]; !ok {
		return fmt.Errorf("transfer: unknown class %q", from)
	}
	if _, ok := f.budgets[to]; !ok {
		return fmt.Errorf("transfer: unknown class %q", to)
	}
	if f.counts[from] > 0 {
		f.counts[from]--
	}
	f.counts[to]++
	return nil
}

// Release returns slots after terminal task outcomes.
func (f *InFlight) Release(_ context.Context, class crawl.FetchClass, n int) error {
	if n < 0 {
		return fmt.Errorf("release %s: negative count %d", class, n)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.budgets[class]; !ok {
		return fmt.Errorf("release: unknown class %q", class)
	}
	f.counts[class] -= n
	if f.counts[class] < 0 {
		f.counts[class] = 0
	}
	return nil
}

// Count reports the live reservation count for a class.
func (f *InFlight) Count(_ context.Context, class crawl.FetchClass) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.budgets[class]; !ok {
		return 0, fmt.Errorf("count: unknown class %q", class)
	}
	return f.counts[class], nil
}
