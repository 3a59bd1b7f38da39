package history

import (
	"context"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/resilience"
)

// guardedRecorder sends writes through a circuit breaker so an unreachable
// backend costs one fast rejection per event instead of a full timeout.
type guardedRecorder struct {
	rec     Recorder
	breaker *resilience.CircuitBreaker
}

// WithBreaker wraps rec with cb
func WithBreaker(rec Recorder, cb *resilience.CircuitBreaker) Recorder {
	return &guardedRecorder{rec: rec, breaker: cb}
}

func (g *guardedRecorder) RecordCall(ctx context.Context, event domain.CallHistoryEvent) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.rec.RecordCall(ctx, event)
	})
}

func (g *guardedRecorder) Name() string {
	return recorderName(g.rec)
}
