package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"callrelay-backend/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned without calling the operation while the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config tunes a CircuitBreaker
type Config struct {
	// FailureThreshold consecutive failures open the circuit
	FailureThreshold int
	// Cooldown is how long the circuit stays open before one trial call
	Cooldown time.Duration
}

// CircuitBreaker fails fast after repeated errors from a dependency.
// After Cooldown a single trial call is let through; its outcome closes or
// reopens the circuit.
type CircuitBreaker struct {
	name     string
	cfg      Config
	now      func() time.Time
	metrics  *breakerMetrics
	mu       sync.Mutex
	state    CircuitBreakerState
	failures int
	openedAt time.Time
	trialing bool
}

type breakerMetrics struct {
	requestsTotal *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	state         *prometheus.GaugeVec
}

func newBreakerMetrics(reg prometheus.Registerer) *breakerMetrics {
	m := &breakerMetrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Calls through a circuit breaker by outcome",
		}, []string{"breaker", "status"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_errors_total",
			Help: "Failed calls through a circuit breaker by error class",
		}, []string{"breaker", "error_type"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "State of a circuit breaker (0=closed, 1=half_open, 2=open)",
		}, []string{"breaker"}),
	}
	reg.MustRegister(m.requestsTotal, m.errorsTotal, m.state)
	return m
}

// NewCircuitBreaker creates a closed breaker. Metrics are registered on reg
// when it is non-nil.
func NewCircuitBreaker(name string, cfg Config, reg prometheus.Registerer) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	cb := &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		state: CircuitBreakerClosed,
	}
	if reg != nil {
		cb.metrics = newBreakerMetrics(reg)
	}
	return cb
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		cb.count("rejected")
		return ErrCircuitOpen
	}

	err := fn(ctx)
	cb.record(err)
	return err
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitBreakerClosed:
		return true
	case CircuitBreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			return false
		}
		cb.setState(CircuitBreakerHalfOpen)
		cb.trialing = true
		logger.Warn("Circuit breaker HALF-OPEN, allowing trial call", zap.String("breaker", cb.name))
		return true
	default:
		// One trial at a time.
		if cb.trialing {
			return false
		}
		cb.trialing = true
		return true
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trialing = false
	if err == nil {
		if cb.state != CircuitBreakerClosed {
			logger.Info("Circuit breaker CLOSED, dependency recovered", zap.String("breaker", cb.name))
		}
		cb.failures = 0
		cb.setState(CircuitBreakerClosed)
		cb.count("success")
		return
	}

	cb.failures++
	cb.count("failure")
	if cb.metrics != nil {
		cb.metrics.errorsTotal.WithLabelValues(cb.name, classifyError(err)).Inc()
	}

	if cb.state == CircuitBreakerHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
		if cb.state != CircuitBreakerOpen {
			logger.Error("Circuit breaker OPEN, too many consecutive failures",
				zap.String("breaker", cb.name),
				zap.Int("consecutive_failures", cb.failures),
				zap.Error(err))
		}
		cb.openedAt = cb.now()
		cb.setState(CircuitBreakerOpen)
	}
}

func (cb *CircuitBreaker) setState(s CircuitBreakerState) {
	cb.state = s
	if cb.metrics == nil {
		return
	}
	var v float64
	switch s {
	case CircuitBreakerHalfOpen:
		v = 1
	case CircuitBreakerOpen:
		v = 2
	}
	cb.metrics.state.WithLabelValues(cb.name).Set(v)
}

func (cb *CircuitBreaker) count(status string) {
	if cb.metrics != nil {
		cb.metrics.requestsTotal.WithLabelValues(cb.name, status).Inc()
	}
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host"):
		return "dns"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "access denied"):
		return "permission"
	default:
		return "unknown"
	}
}
