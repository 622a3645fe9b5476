// Package valkey implements the shared scheduler state on valkey, so
// several control-plane replicas enforce one set of class budgets.
package valkey

import (
	"context"
	"fmt"

	"github.com/valkey-io/valkey-go"

	"github.com/driftline/driftline/internal/crawl"
)

// InFlight keeps one counter per fetch class. Reserve is an INCRBY followed
// by a compensating DECRBY for whatever exceeded the budget, so concurrent
// reservers settle on at most the budget without a lock.
type InFlight struct {
	client  valkey.Client
	prefix  string
	budgets map[crawl.FetchClass]int
}

// NewInFlight wires the shared counters.
func NewInFlight(client valkey.Client, prefix string, budgets map[crawl.FetchClass]int) (*InFlight, error) {
	if prefix == "" {
		return nil, fmt.Errorf("valkey inflight: key prefix is required")
	}
	return &InFlight{client: client, prefix: prefix, budgets: budgets}, nil
}

func (f *InFlight) key(class crawl.FetchClass) string {
	return f.prefix + ":inflight:" + string(class)
}

// Reserve grants between 0 and n slots, never pushing the live count past
// the class budget.
func (f *InFlight) Reserve(ctx context.Context, class crawl.FetchClass, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	budget := int64(f.budgets[class])
	after, err := f.client.Do(ctx, f.client.B().Incrby().
		Key(f.key(class)).Increment(int64(n)).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("reserve %s slots: %w", class, err)
	}
	over := after - budget
	if over <= 0 {
		return n, nil
	}
	if over > int64(n) {
		over = int64(n)
	}
	if err := f.client.Do(ctx, f.client.B().Decrby().
		Key(f.key(class)).Decrement(over).Build()).Error(); err != nil {
		return 0, fmt.Errorf("roll back %s reservation: %w", class, err)
	}
	return n - int(over), nil
}

// Transfer moves one slot between classes. The destination increments
// unconditionally; the source only decrements if it was positive, so a
// stray transfer cannot drive a counter negative.
func (f *InFlight) Transfer(ctx context.Context, from, to crawl.FetchClass) error {
	if err := f.client.Do(ctx, f.client.B().Incrby().
		Key(f.key(to)).Increment(1).Build()).Error(); err != nil {
		return fmt.Errorf("transfer into %s: %w", to, err)
	}
	return f.Release(ctx, from, 1)
}

// Release returns slots, flooring the counter at zero.
func (f *InFlight) Release(ctx context.Context, class crawl.FetchClass, n int) error {
	if n <= 0 {
		return nil
	}
	after, err := f.client.Do(ctx, f.client.B().Decrby().
		Key(f.key(class)).Decrement(int64(n)).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("release %s slots: %w", class, err)
	}
	if after < 0 {
		if err := f.client.Do(ctx, f.client.B().Incrby().
			Key(f.key(class)).Increment(-after).Build()).Error(); err != nil {
			return fmt.Errorf("floor %s counter: %w", class, err)
		}
	}
	return nil
}

// Count reports the live reservation count for a class.
func (f *InFlight) Count(ctx context.Context, class crawl.FetchClass) (int, error) {
	resp := f.client.Do(ctx, f.client.B().Get().Key(f.key(class)).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("count %s slots: %w", class, err)
	}
	count, err := resp.AsInt64()
	if err != nil {
		return 0, fmt.Errorf("count %s slots: %w", class, err)
	}
	return int(count), nil
}
