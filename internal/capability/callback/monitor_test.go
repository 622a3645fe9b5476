package callback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/crawl"
	"github.com/driftline/driftline/internal/fingerprint/sha256"
	"github.com/driftline/driftline/internal/history"
	"github.com/driftline/driftline/internal/store/memory"
)

type stubClock struct{ now time.Time }

func (c *stubClock) Now() time.Time { return c.now }

type harness struct {
	clock   *stubClock
	engine  *history.Engine
	targets *memory.TargetStore
	key     crawl.TargetKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &stubClock{now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
	targets := memory.NewTargetStore(clock)
	key := crawl.TargetKey{"id": "com.example.one"}
	_, err := targets.UpsertTargets(context.Background(), []crawl.TargetSeed{{Key: key}})
	require.NoError(t, err)
	return &harness{
		clock:   clock,
		engine:  history.New(memory.NewChainStore(), sha256.New(), clock, nil),
		targets: targets,
		key:     key,
	}
}

func (h *harness) store(t *testing.T, payload map[string]any) {
	t.Helper()
	_, err := h.engine.Store(context.Background(), h.key, "detail", payload, h.clock.Now())
	require.NoError(t, err)
}

func (h *harness) invoke(t *testing.T, m *Monitor) {
	t.Helper()
	err := m.Invoke(context.Background(), crawl.CallbackContext{
		Target:   crawl.Target{Key: h.key},
		Fragment: crawl.Fragment{Kind: "detail"},
	})
	require.NoError(t, err)
}

func TestMonitorBinaryModelWritesChangeRatio(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	monitor, err := NewMonitor(ModelBinary, h.engine, h.targets, nil)
	require.NoError(t, err)

	// Four observations, two of them changes: ratio (3-1)/4 = 0.5.
	h.store(t, map[string]any{"v": 1})
	h.store(t, map[string]any{"v": 1})
	h.store(t, map[string]any{"v": 2})
	h.store(t, map[string]any{"v": 3})

	h.invoke(t, monitor)
	target, err := h.targets.Get(context.Background(), h.key)
	require.NoError(t, err)
	require.InDelta(t, 0.5, target.Weight, 1e-9)
}

func TestMonitorTimeScaledDecaysOldChanges(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	monitor, err := NewMonitor(ModelTimeScaled, h.engine, h.targets, nil)
	require.NoError(t, err)

	h.store(t, map[string]any{"v": 1})
	h.store(t, map[string]any{"v": 2})

	h.invoke(t, monitor)
	target, err := h.targets.Get(context.Background(), h.key)
	require.NoError(t, err)
	fresh := target.Weight
	require.Greater(t, fresh, 0.0)

	// Two years later the change horizon has passed and the weight is gone.
	h.clock.now = h.clock.now.Add(2 * 365 * 24 * time.Hour)
	h.invoke(t, monitor)
	target, err = h.targets.Get(context.Background(), h.key)
	require.NoError(t, err)
	require.Zero(t, target.Weight)
}

func TestMonitorDefaultsToTimeScaled(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	monitor, err := NewMonitor("", h.engine, h.targets, nil)
	require.NoError(t, err)
	require.Equal(t, ModelTimeScaled, monitor.model)
}

func TestMonitorRejectsUnknownModel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := NewMonitor(ChangeModel("psychic"), h.engine, h.targets, nil)
	require.Error(t, err)
}

func TestMonitorUnknownTargetFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	monitor, err := NewMonitor(ModelBinary, h.engine, h.targets, nil)
	require.NoError(t, err)

	err = monitor.Invoke(context.Background(), crawl.CallbackContext{
		Target:   crawl.Target{Key: crawl.TargetKey{"id": "never-stored"}},
		Fragment: crawl.Fragment{Kind: "detail"},
	})
	require.Error(t, err)
}
