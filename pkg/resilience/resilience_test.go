package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("dial tcp: connection refused")

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker("test", Config{FailureThreshold: 2, Cooldown: time.Minute}, nil)
	cb.now = clock.now
	return cb, clock
}

func fail(context.Context) error    { return errDown }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(t)

	assert.ErrorIs(t, cb.Execute(context.Background(), fail), errDown)
	assert.Equal(t, CircuitBreakerClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(context.Background(), fail), errDown)
	assert.Equal(t, CircuitBreakerOpen, cb.State())

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(t)

	require.Error(t, cb.Execute(context.Background(), fail))
	require.NoError(t, cb.Execute(context.Background(), succeed))
	require.Error(t, cb.Execute(context.Background(), fail))

	assert.Equal(t, CircuitBreakerClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenTrial(t *testing.T) {
	tests := []struct {
		name  string
		trial func(context.Context) error
		want  CircuitBreakerState
	}{
		{"trial succeeds", succeed, CircuitBreakerClosed},
		{"trial fails", fail, CircuitBreakerOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(t)
			require.Error(t, cb.Execute(context.Background(), fail))
			require.Error(t, cb.Execute(context.Background(), fail))

			clock.advance(30 * time.Second)
			assert.ErrorIs(t, cb.Execute(context.Background(), succeed), ErrCircuitOpen)

			clock.advance(31 * time.Second)
			_ = cb.Execute(context.Background(), tt.trial)
			assert.Equal(t, tt.want, cb.State())
		})
	}
}

func TestCircuitBreaker_OneTrialAtATime(t *testing.T) {
	cb, clock := newTestBreaker(t)
	require.Error(t, cb.Execute(context.Background(), fail))
	require.Error(t, cb.Execute(context.Background(), fail))
	clock.advance(2 * time.Minute)

	var inner error
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		assert.Equal(t, CircuitBreakerHalfOpen, cb.State())
		inner = cb.Execute(ctx, succeed)
		return nil
	})

	require.NoError(t, err)
	assert.ErrorIs(t, inner, ErrCircuitOpen)
	assert.Equal(t, CircuitBreakerClosed, cb.State())
}

func TestCircuitBreaker_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	cb := NewCircuitBreaker("cockroach", Config{FailureThreshold: 1, Cooldown: time.Hour}, reg)

	require.Error(t, cb.Execute(context.Background(), fail))
	require.ErrorIs(t, cb.Execute(context.Background(), succeed), ErrCircuitOpen)

	assert.Equal(t, float64(2), testutil.ToFloat64(cb.metrics.state.WithLabelValues("cockroach")))
	assert.Equal(t, float64(1), testutil.ToFloat64(cb.metrics.requestsTotal.WithLabelValues("cockroach", "rejected")))
	assert.Equal(t, float64(1), testutil.ToFloat64(cb.metrics.errorsTotal.WithLabelValues("cockroach", "network")))
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "timeout", classifyError(fmt.Errorf("insert: %w", context.DeadlineExceeded)))
	assert.Equal(t, "network", classifyError(errDown))
	assert.Equal(t, "dns", classifyError(errors.New("lookup db: no such host")))
	assert.Equal(t, "unknown", classifyError(errors.New("syntax error")))
}
