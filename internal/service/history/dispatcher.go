package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
)

// Recorder persists or publishes one call history event
type Recorder interface {
	RecordCall(ctx context.Context, event domain.CallHistoryEvent) error
}

// Named is implemented by recorders that want a stable metrics label
type Named interface {
	Name() string
}

// Config tunes the dispatcher
type Config struct {
	QueueSize int
	Workers   int
	Timeout   time.Duration
}

// Dispatcher is the call history sink. Record hands events to a bounded
// queue drained by a fixed worker pool; a full queue drops the event.
// Recorder failures are logged and counted, never returned to the caller.
type Dispatcher struct {
	queue     chan domain.CallHistoryEvent
	recorders []Recorder
	timeout   time.Duration
	metrics   *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts cfg.Workers workers fanning events out to recorders.
func NewDispatcher(cfg Config, m *metrics.Metrics, recorders ...Recorder) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	d := &Dispatcher{
		queue:     make(chan domain.CallHistoryEvent, cfg.QueueSize),
		recorders: recorders,
		timeout:   cfg.Timeout,
		metrics:   m,
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}
	return d
}

// Record enqueues event without blocking.
func (d *Dispatcher) Record(event domain.CallHistoryEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		logger.Warn("Call history sink closed, dropping event",
			zap.String("call_id", event.CallID.String()))
		d.metrics.RecordHistoryDropped()
		return
	}

	select {
	case d.queue <- event:
		d.metrics.SetHistoryQueueDepth(len(d.queue))
	default:
		logger.Warn("Call history queue full, dropping event",
			zap.String("call_id", event.CallID.String()),
			zap.String("ended_reason", string(event.EndedReason)))
		d.metrics.RecordHistoryDropped()
	}
}

// Close stops accepting events and waits for queued ones to be delivered
// or for ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("call history drain interrupted: %w", ctx.Err())
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for event := range d.queue {
		d.metrics.SetHistoryQueueDepth(len(d.queue))
		for _, rec := range d.recorders {
			d.deliver(rec, event)
		}
	}
}

func (d *Dispatcher) deliver(rec Recorder, event domain.CallHistoryEvent) {
	name := recorderName(rec)
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Call history recorder panicked",
				zap.String("recorder", name),
				zap.String("call_id", event.CallID.String()),
				zap.Any("panic", p))
			d.metrics.RecordHistoryFailure(name)
		}
	}()

	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	if err := rec.RecordCall(ctx, event); err != nil {
		logger.Error("Failed to record call history",
			zap.String("recorder", name),
			zap.String("call_id", event.CallID.String()),
			zap.String("event_id", event.EventID.String()),
			zap.Error(err))
		d.metrics.RecordHistoryFailure(name)
	}
}

func recorderName(rec Recorder) string {
	if n, ok := rec.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", rec)
}
