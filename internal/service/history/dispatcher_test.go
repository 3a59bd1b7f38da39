package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/metrics"
	"callrelay-backend/pkg/resilience"
)

// MockRecorder is a mock implementation of Recorder
type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) RecordCall(ctx context.Context, event domain.CallHistoryEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockRecorder) Name() string { return "mock" }

// blockingRecorder holds every delivery until release is closed
type blockingRecorder struct {
	release chan struct{}
	mu      sync.Mutex
	got     []domain.CallID
}

func (b *blockingRecorder) RecordCall(ctx context.Context, event domain.CallHistoryEvent) error {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, event.CallID)
	return nil
}

type panickingRecorder struct{}

func (panickingRecorder) RecordCall(context.Context, domain.CallHistoryEvent) error {
	panic("boom")
}

// counterValue sums every series of a counter family
func counterValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.GetRegistry().Gather()
	require.NoError(t, err)

	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func endedEvent(id domain.CallID) domain.CallHistoryEvent {
	rec := &domain.CallRecord{
		ID:          id,
		Caller:      "a",
		Callee:      "b",
		MediaKind:   domain.MediaKindAudio,
		State:       domain.CallStateEnded,
		StartedAt:   time.Now(),
		EndedReason: domain.EndedReasonRejected,
	}
	now := time.Now()
	rec.EndedAt = &now
	return domain.NewCallHistoryEvent(rec)
}

func TestDispatcher_FansOutToRecorders(t *testing.T) {
	m := metrics.NewMetrics("history-test")
	first := new(MockRecorder)
	second := new(MockRecorder)
	ev := endedEvent("a|b")
	first.On("RecordCall", mock.Anything, ev).Return(nil).Once()
	second.On("RecordCall", mock.Anything, ev).Return(errors.New("redis down")).Once()

	d := NewDispatcher(Config{QueueSize: 4, Workers: 1, Timeout: time.Second}, m, first, second)
	d.Record(ev)
	require.NoError(t, d.Close(context.Background()))

	first.AssertExpectations(t)
	second.AssertExpectations(t)
	assert.Equal(t, float64(1), counterValue(t, m, "call_history_failures_total"))
}

func TestDispatcher_RecordNeverBlocks(t *testing.T) {
	m := metrics.NewMetrics("history-test")
	rec := &blockingRecorder{release: make(chan struct{})}
	d := NewDispatcher(Config{QueueSize: 1, Workers: 1, Timeout: time.Second}, m, rec)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Record(endedEvent("a|b"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a saturated queue")
	}

	close(rec.release)
	require.NoError(t, d.Close(context.Background()))

	rec.mu.Lock()
	delivered := len(rec.got)
	rec.mu.Unlock()
	dropped := counterValue(t, m, "call_history_dropped_total")
	assert.Equal(t, float64(10), float64(delivered)+dropped)
	assert.Positive(t, dropped)
}

func TestDispatcher_RecorderPanicIsContained(t *testing.T) {
	m := metrics.NewMetrics("history-test")
	after := new(MockRecorder)
	ev := endedEvent("a|b")
	after.On("RecordCall", mock.Anything, ev).Return(nil).Once()

	d := NewDispatcher(Config{QueueSize: 4, Workers: 1}, m, panickingRecorder{}, after)
	d.Record(ev)
	require.NoError(t, d.Close(context.Background()))

	after.AssertExpectations(t)
}

func TestDispatcher_RecordAfterClose(t *testing.T) {
	m := metrics.NewMetrics("history-test")
	rec := new(MockRecorder)
	d := NewDispatcher(Config{QueueSize: 4, Workers: 2}, m, rec)

	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()), "close is idempotent")

	d.Record(endedEvent("a|b"))

	rec.AssertNotCalled(t, "RecordCall", mock.Anything, mock.Anything)
	assert.Equal(t, float64(1), counterValue(t, m, "call_history_dropped_total"))
}

func TestDispatcher_CloseHonoursContext(t *testing.T) {
	m := metrics.NewMetrics("history-test")
	rec := &blockingRecorder{release: make(chan struct{})}
	defer close(rec.release)

	d := NewDispatcher(Config{QueueSize: 4, Workers: 1}, m, rec)
	d.Record(endedEvent("a|b"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
}

func TestWithBreaker_FailsFastWhenOpen(t *testing.T) {
	m := metrics.NewMetrics("history-test")
	down := new(MockRecorder)
	down.On("RecordCall", mock.Anything, mock.Anything).Return(errors.New("connection refused")).Once()

	cb := resilience.NewCircuitBreaker("mock", resilience.Config{FailureThreshold: 1, Cooldown: time.Hour}, nil)
	guarded := WithBreaker(down, cb)
	assert.Equal(t, "mock", recorderName(guarded))

	d := NewDispatcher(Config{QueueSize: 4, Workers: 1, Timeout: time.Second}, m, guarded)
	d.Record(endedEvent("a|b"))
	d.Record(endedEvent("a|c"))
	require.NoError(t, d.Close(context.Background()))

	down.AssertNumberOfCalls(t, "RecordCall", 1)
	assert.Equal(t, resilience.CircuitBreakerOpen, cb.State())
	assert.Equal(t, float64(2), counterValue(t, m, "call_history_failures_total"))
}
