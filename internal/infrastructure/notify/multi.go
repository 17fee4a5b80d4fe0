package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/vitos/spot_scalper/internal/domain"
)

// Multi fans an event out to every notifier in order.
type Multi []domain.Notifier

func (m Multi) Notify(ctx context.Context, ev domain.Event) {
	for _, n := range m {
		n.Notify(ctx, ev)
	}
}

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, ev domain.Event) {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.Time("at", ev.At),
	}
	if ev.Pair != "" {
		fields = append(fields, zap.String("pair", ev.Pair))
	}
	if ev.TradeID != "" {
		fields = append(fields, zap.String("trade_id", ev.TradeID))
	}
	if len(ev.Fields) > 0 {
		fields = append(fields, zap.Any("fields", ev.Fields))
	}

	switch ev.Kind {
	case domain.EventRiskHalt, domain.EventUnprotected, domain.EventPhantom, domain.EventGapAlert:
		n.logger.Warn(ev.Message, fields...)
	default:
		n.logger.Info(ev.Message, fields...)
	}
}
