package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is
// useful during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("type", string(evt.Type)),
			zap.String("series_id", evt.SeriesID),
			zap.Uint64("generation", evt.Generation),
			zap.String("stage_id", evt.StageID),
			zap.Int("step", evt.StepIndex),
			zap.String("target", evt.TargetKey),
			zap.String("fragment_kind", evt.FragmentKind),
			zap.String("class", string(evt.Class)),
			zap.Uint64("version", evt.Version),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
