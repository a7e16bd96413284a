package trace

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Sink consumes stage transitions. rec is the record as of the transition,
// already an independent copy. Implementations are driven from a single
// dispatcher goroutine and must tolerate out-of-band contexts.
type Sink interface {
	Stage(ctx context.Context, rec Record, tr Transition)
}

// MultiSink fans one transition out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Stage(ctx context.Context, rec Record, tr Transition) {
	for _, s := range m {
		s.Stage(ctx, rec, tr)
	}
}

// LogSink writes transitions to the process log: debug per stage, info once
// per task at the terminal stage.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.With(zap.String("component", "trace"))}
}

func (s *LogSink) Stage(ctx context.Context, rec Record, tr Transition) {
	if tr.Stage.Terminal() {
		s.logger.Info("task finished",
			zap.String("task_id", rec.TaskID),
			zap.String("stage", string(tr.Stage)),
			zap.String("note", tr.Note),
			zap.Int("stages", len(rec.Stages)),
			zap.Duration("elapsed", rec.Duration()))
		return
	}
	s.logger.Debug("task stage",
		zap.String("task_id", rec.TaskID),
		zap.String("stage", string(tr.Stage)),
		zap.String("note", tr.Note))
}

// SpanSink attaches transitions as events to whatever span rides the caller's
// context. Without a span this is a no-op.
type SpanSink struct{}

func (SpanSink) Stage(ctx context.Context, rec Record, tr Transition) {
	span := oteltrace.SpanFromContext(ctx)
	attrs := []attribute.KeyValue{
		attribute.String("task.id", rec.TaskID),
		attribute.String("task.stage", string(tr.Stage)),
	}
	if tr.Note != "" {
		attrs = append(attrs, attribute.String("task.stage_note", tr.Note))
	}
	span.AddEvent("task.stage", oteltrace.WithAttributes(attrs...))
}

// stageEvent carries one transition across the dispatch boundary. The context
// rides along so the span sink can attach events to the caller's span.
type stageEvent struct {
	ctx context.Context
	rec Record
	tr  Transition
}

// Dispatcher decouples recorders from sinks with a bounded buffer. Enqueueing
// never blocks: when the buffer is full the transition is dropped and
// counted, which is the documented trade for keeping the execution path free
// of sink latency.
type Dispatcher struct {
	sink   Sink
	logger *zap.Logger

	mu     sync.RWMutex
	ch     chan stageEvent
	closed bool
	done   chan struct{}

	enqueued  atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewDispatcher starts the delivery goroutine. buffer <= 0 picks 256.
func NewDispatcher(sink Sink, buffer int, logger *zap.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		sink:   sink,
		logger: logger.With(zap.String("component", "trace_dispatch")),
		ch:     make(chan stageEvent, buffer),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Stage implements Sink.
func (d *Dispatcher) Stage(ctx context.Context, rec Record, tr Transition) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.ch <- stageEvent{ctx: ctx, rec: rec, tr: tr}:
		d.enqueued.Add(1)
	default:
		d.dropped.Add(1)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.ch {
		d.deliver(ev)
	}
}

// deliver shields the dispatch goroutine from sink panics; one broken sink
// call must not end tracing for the rest of the process.
func (d *Dispatcher) deliver(ev stageEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("trace sink panicked",
				zap.Any("panic", r),
				zap.String("task_id", ev.rec.TaskID),
				zap.String("stage", string(ev.tr.Stage)))
		}
	}()
	d.sink.Stage(ev.ctx, ev.rec, ev.tr)
	d.delivered.Add(1)
}

// Close stops intake and flushes what is already buffered. ctx bounds the
// flush.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DispatcherStats is a point-in-time delivery picture.
type DispatcherStats struct {
	Enqueued  int64 `json:"enqueued"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Buffered  int   `json:"buffered"`
}

func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.RLock()
	buffered := len(d.ch)
	d.mu.RUnlock()
	return DispatcherStats{
		Enqueued:  d.enqueued.Load(),
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		Buffered:  buffered,
	}
}
