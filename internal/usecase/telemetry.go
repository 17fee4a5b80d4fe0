package usecase

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TelemetryEvent is an application event shipped off-process.
type TelemetryEvent struct {
	Kind   string         `json:"kind"`
	At     time.Time      `json:"at"`
	Fields map[string]any `json:"fields,omitempty"`
}

// TelemetrySink uploads one batch. Implementations may block up to ctx.
type TelemetrySink interface {
	Upload(ctx context.Context, batch []TelemetryEvent) error
}

type OverflowPolicy string

const (
	// DropOldest evicts the oldest queued event to make room.
	DropOldest OverflowPolicy = "drop_oldest"
	// BlockWithTimeout waits up to BlockTimeout, then drops the new event.
	BlockWithTimeout OverflowPolicy = "block"
)

type TelemetryOptions struct {
	QueueSize     int            `yaml:"queue_size"`
	BatchSize     int            `yaml:"batch_size"`
	FlushInterval time.Duration  `yaml:"flush_interval"`
	Policy        OverflowPolicy `yaml:"policy"`
	BlockTimeout  time.Duration  `yaml:"block_timeout"`
}

// TelemetryWorker owns a bounded queue drained by a single consumer. It never
// touches engine state.
type TelemetryWorker struct {
	queue   chan TelemetryEvent
	sink    TelemetrySink
	opts    TelemetryOptions
	logger  *zap.Logger
	dropped atomic.Uint64
	sent    atomic.Uint64
}

func NewTelemetryWorker(sink TelemetrySink, opts TelemetryOptions, logger *zap.Logger) *TelemetryWorker {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Second
	}
	if opts.Policy == "" {
		opts.Policy = DropOldest
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 50 * time.Millisecond
	}
	return &TelemetryWorker{
		queue:  make(chan TelemetryEvent, opts.QueueSize),
		sink:   sink,
		opts:   opts,
		logger: logger,
	}
}

// Publish enqueues ev according to the overflow policy. It reports whether
// ev was queued.
func (w *TelemetryWorker) Publish(ev TelemetryEvent) bool {
	select {
	case w.queue <- ev:
		return true
	default:
	}

	switch w.opts.Policy {
	case BlockWithTimeout:
		timer := time.NewTimer(w.opts.BlockTimeout)
		defer timer.Stop()
		select {
		case w.queue <- ev:
			return true
		case <-timer.C:
			w.dropped.Add(1)
			return false
		}
	default:
		select {
		case <-w.queue:
			w.dropped.Add(1)
		default:
		}
		select {
		case w.queue <- ev:
			return true
		default:
			w.dropped.Add(1)
			return false
		}
	}
}

func (w *TelemetryWorker) Dropped() uint64 { return w.dropped.Load() }
func (w *TelemetryWorker) Sent() uint64    { return w.sent.Load() }

// Run drains the queue until ctx is cancelled, uploading full batches
// immediately and partial batches every FlushInterval.
func (w *TelemetryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]TelemetryEvent, 0, w.opts.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := w.sink.Upload(ctx, batch); err != nil {
			w.logger.Warn("Telemetry upload failed", zap.Int("events", len(batch)), zap.Error(err))
		} else {
			w.sent.Add(uint64(len(batch)))
		}
		batch = make([]TelemetryEvent, 0, w.opts.BatchSize)
	}

	for {
		select {
		case ev := <-w.queue:
			batch = append(batch, ev)
			if len(batch) >= w.opts.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			for drained := false; !drained; {
				select {
				case ev := <-w.queue:
					batch = append(batch, ev)
				default:
					drained = true
				}
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(shutdownCtx)
			cancel()
			return
		}
	}
}
