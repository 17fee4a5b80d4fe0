package telemetry

import (
	"context"

	"go.uber.org/zap"

	"github.com/vitos/spot_scalper/internal/usecase"
)

// LogSink writes batches to the debug log when no collector is configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Upload(_ context.Context, batch []usecase.TelemetryEvent) error {
	for _, ev := range batch {
		s.logger.Debug("telemetry", zap.String("kind", ev.Kind), zap.Time("at", ev.At), zap.Any("fields", ev.Fields))
	}
	return nil
}
