package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics("a")
		NewMetrics("b")
	})
}

func TestCallMetrics(t *testing.T) {
	m := NewMetrics("signaling-test")

	m.CallStarted()
	m.CallStarted()
	m.CallEnded("audio", "rejected", 0)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.callsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.callsTotal.WithLabelValues("audio", "rejected")))
}

func TestSignalingMetrics(t *testing.T) {
	m := NewMetrics("signaling-test")

	m.RecordSignalingError("AlreadyInCall")
	m.RecordSignalingError("AlreadyInCall")
	m.RecordHistoryDropped()
	m.RecordHTTPRequest("GET", "/health", 200, 3*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.signalingErrorsTotal.WithLabelValues("AlreadyInCall")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.historyDroppedTotal))
	assert.NotNil(t, m.GetRegistry())
}
