// Package callback holds the post-step hooks referenced by stage
// definitions.
package callback

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/crawl"
	"github.com/driftline/driftline/internal/history"
)

// ChangeModel selects which change-frequency estimate drives the target
// weight.
type ChangeModel string

// Supported change models.
const (
	// ModelBinary is the change ratio: versions per observation.
	ModelBinary ChangeModel = "binary"
	// ModelTimeScaled discounts old changes so targets that stopped
	// changing decay back down.
	ModelTimeScaled ChangeModel = "time-scaled"
)

// Monitor recomputes a target's change frequency after each stored
// fragment and writes it back as the target weight, closing the loop with
// the weighted allocation strategy: targets that change often get crawled
// more.
type Monitor struct {
	model   ChangeModel
	history *history.Engine
	targets crawl.TargetStore
	logger  *zap.Logger
}

// NewMonitor wires a Monitor.
func NewMonitor(model ChangeModel, hist *history.Engine, targets crawl.TargetStore, logger *zap.Logger) (*Monitor, error) {
	switch model {
	case ModelBinary, ModelTimeScaled:
	case "":
		model = ModelTimeScaled
	default:
		return nil, fmt.Errorf("unknown change model %q", model)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{model: model, history: hist, targets: targets, logger: logger}, nil
}

// Invoke reads the chain statistics and updates the target weight.
func (m *Monitor) Invoke(ctx context.Context, cctx crawl.CallbackContext) error {
	stats, err := m.history.Stats(ctx, cctx.Target.Key, cctx.Fragment.Kind)
	if err != nil {
		return fmt.Errorf("chain stats: %w", err)
	}
	weight := stats.BinaryChange
	if m.model == ModelTimeScaled {
		weight = stats.TimeScaledChange
	}
	if err := m.targets.UpdateWeight(ctx, cctx.Target.Key, weight); err != nil {
		return fmt.Errorf("update target weight: %w", err)
	}
	m.logger.Debug("updated target change weight",
		zap.String("target", cctx.Target.Key.Canonical()),
		zap.String("kind", cctx.Fragment.Kind),
		zap.Uint64("versions", stats.Versions),
		zap.Uint64("observations", stats.Observations),
		zap.Float64("weight", weight))
	return nil
}
