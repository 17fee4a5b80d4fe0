package notify

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/spot_scalper/internal/domain"
)

// AsyncNotifier queues events for a background delivery loop so Notify never
// waits on the network. Events are dropped once the queue is full.
type AsyncNotifier struct {
	next    domain.Notifier
	queue   chan domain.Event
	dropped atomic.Int64
	logger  *zap.Logger
}

func NewAsyncNotifier(next domain.Notifier, size int, logger *zap.Logger) *AsyncNotifier {
	if size <= 0 {
		size = 64
	}
	return &AsyncNotifier{
		next:   next,
		queue:  make(chan domain.Event, size),
		logger: logger,
	}
}

func (n *AsyncNotifier) Notify(_ context.Context, ev domain.Event) {
	select {
	case n.queue <- ev:
	default:
		n.dropped.Add(1)
		n.logger.Warn("Notification queue full, dropping event",
			zap.String("kind", string(ev.Kind)),
			zap.String("pair", ev.Pair))
	}
}

func (n *AsyncNotifier) Dropped() int64 {
	return n.dropped.Load()
}

// Run delivers queued events until ctx is cancelled, then flushes what is
// left with a short deadline.
func (n *AsyncNotifier) Run(ctx context.Context) {
	for {
		select {
		case ev := <-n.queue:
			n.next.Notify(ctx, ev)
		case <-ctx.Done():
			n.flush()
			return
		}
	}
}

func (n *AsyncNotifier) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-n.queue:
			n.next.Notify(ctx, ev)
		default:
			return
		}
	}
}
