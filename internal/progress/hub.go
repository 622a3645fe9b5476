package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config sizes the hub's buffering. Zero values fall back to the defaults
// below; BaseContext and Logger may be nil.
type Config struct {
	// BufferSize is the intake channel capacity between emitters and the
	// batching goroutine.
	BufferSize int
	// MaxBatchEvents flushes a batch as soon as it reaches this size.
	MaxBatchEvents int
	// MaxBatchWait is the flush cadence for partially filled batches.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each sink's Consume call.
	SinkTimeout time.Duration
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub carries engine telemetry — task outcomes, chain writes, series
// transitions, scheduler ticks — from the hot paths to the sinks. Emit never
// blocks: the scheduler and the executors must not stall on a slow sink, so
// a full buffer drops events and the series counters go slightly stale
// rather than the crawl slowing down.
type Hub struct {
	sinks       []Sink
	intake      chan Event
	batchMax    int
	batchWait   time.Duration
	sinkTimeout time.Duration
	base        context.Context
	logger      *zap.Logger

	dropped     atomic.Int64
	lastDropLog atomic.Int64

	quit     chan struct{}
	done     chan struct{}
	closed   atomic.Bool
	once     sync.Once
	closeCtx context.Context
}

// NewHub starts the batching goroutine over the given sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &Hub{
		sinks:       append([]Sink(nil), sinks...),
		intake:      make(chan Event, cfg.BufferSize),
		batchMax:    cfg.MaxBatchEvents,
		batchWait:   cfg.MaxBatchWait,
		sinkTimeout: cfg.SinkTimeout,
		base:        cfg.BaseContext,
		logger:      cfg.Logger,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go h.run()
	return h
}

// Emit validates and enqueues one event. Safe on a nil hub, safe after
// Close, and never blocks: a full buffer drops the event with a rate-limited
// warning.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.intake <- evt:
	default:
		h.dropped.Add(1)
		now := time.Now().UnixNano()
		last := h.lastDropLog.Load()
		if now-last >= dropLogInterval.Nanoseconds() && h.lastDropLog.CompareAndSwap(last, now) {
			h.logger.Warn("progress events dropped, buffer full",
				zap.Int64("dropped", h.dropped.Swap(0)))
		}
	}
}

// Close drains the buffer, flushes what is left, closes the sinks and waits
// for the batching goroutine. Safe on a nil hub and idempotent.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.once.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	batch := make([]Event, 0, h.batchMax)
	ticker := time.NewTicker(h.batchWait)
	defer ticker.Stop()

	for {
		select {
		case evt := <-h.intake:
			batch = append(batch, evt)
			if len(batch) >= h.batchMax {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-h.quit:
			// Drain whatever emitters got in before closed flipped.
			for {
				select {
				case evt := <-h.intake:
					batch = append(batch, evt)
					if len(batch) >= h.batchMax {
						h.flush(batch)
						batch = batch[:0]
					}
					continue
				default:
				}
				break
			}
			h.flush(batch)
			h.closeSinks()
			return
		}
	}
}

// flush hands a copy of the batch to every sink; the caller reuses the
// backing array.
func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	events := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.base, h.sinkTimeout)
		if err := sink.Consume(ctx, events); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
