package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketRejected      *prometheus.CounterVec

	// Signaling Metrics
	signalingErrorsTotal *prometheus.CounterVec
	supersessionsTotal   prometheus.Counter

	// Call Metrics
	callsTotal     *prometheus.CounterVec
	callsActive    prometheus.Gauge
	callSetup      *prometheus.HistogramVec
	callsDuration  *prometheus.HistogramVec
	callsConflicts prometheus.Counter

	// Call History Metrics
	historyDroppedTotal  prometheus.Counter
	historyFailuresTotal *prometheus.CounterVec
	historyQueueDepth    prometheus.Gauge
}

// NewMetrics creates all Prometheus metrics on a dedicated registry
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		registry: reg,

		// HTTP Request Metrics
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		// WebSocket Metrics
		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active WebSocket signaling connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of signaling messages",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		websocketRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_rejected_total",
				Help:        "WebSocket connections refused before upgrade",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),

		// Signaling Metrics
		signalingErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_errors_total",
				Help:        "Error replies sent to signaling clients",
				ConstLabels: labels,
			},
			[]string{"code"},
		),
		supersessionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "signaling_supersessions_total",
				Help:        "Connections replaced by a newer connection of the same participant",
				ConstLabels: labels,
			},
		),

		// Call Metrics
		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of ended calls",
				ConstLabels: labels,
			},
			[]string{"media_kind", "ended_reason"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of ringing or active calls",
				ConstLabels: labels,
			},
		),
		callSetup: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "call_setup_seconds",
				Help:        "Time from offer to answer",
				ConstLabels: labels,
				Buckets:     []float64{0.5, 1, 2, 5, 10, 15, 20, 30, 60},
			},
			[]string{"media_kind"},
		),
		callsDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Talk time of answered calls",
				ConstLabels: labels,
				Buckets:     prometheus.ExponentialBuckets(5, 2, 12),
			},
			[]string{"media_kind"},
		),
		callsConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "call_conflicts_total",
				Help:        "Offers refused because a party was already in a call",
				ConstLabels: labels,
			},
		),

		// Call History Metrics
		historyDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "call_history_dropped_total",
				Help:        "Call history events dropped because the queue was full",
				ConstLabels: labels,
			},
		),
		historyFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_history_failures_total",
				Help:        "Call history recorder failures",
				ConstLabels: labels,
			},
			[]string{"recorder"},
		),
		historyQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "call_history_queue_depth",
				Help:        "Call history events waiting to be recorded",
				ConstLabels: labels,
			},
		),
	}

	return m
}

// GetRegistry returns the registry holding every metric of this instance
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// WebSocket Metrics Methods

// WebSocketConnected tracks a newly registered connection
func (m *Metrics) WebSocketConnected() {
	m.websocketConnections.Inc()
}

// WebSocketDisconnected tracks a closed connection
func (m *Metrics) WebSocketDisconnected() {
	m.websocketConnections.Dec()
}

// RecordWebSocketMessage records a signaling message in the given direction (in, out)
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// RecordWebSocketRejected records a refused connection attempt
func (m *Metrics) RecordWebSocketRejected(reason string) {
	m.websocketRejected.WithLabelValues(reason).Inc()
}

// Signaling Metrics Methods

// RecordSignalingError records an error reply
func (m *Metrics) RecordSignalingError(code string) {
	m.signalingErrorsTotal.WithLabelValues(code).Inc()
}

// RecordSupersession records a replaced connection
func (m *Metrics) RecordSupersession() {
	m.supersessionsTotal.Inc()
}

// Call Metrics Methods

// CallStarted tracks a new ringing call
func (m *Metrics) CallStarted() {
	m.callsActive.Inc()
}

// CallAnswered records the offer-to-answer latency
func (m *Metrics) CallAnswered(mediaKind string, setup time.Duration) {
	m.callSetup.WithLabelValues(mediaKind).Observe(setup.Seconds())
}

// CallEnded records a terminal call
func (m *Metrics) CallEnded(mediaKind, reason string, talkTime time.Duration) {
	m.callsActive.Dec()
	m.callsTotal.WithLabelValues(mediaKind, reason).Inc()
	if talkTime > 0 {
		m.callsDuration.WithLabelValues(mediaKind).Observe(talkTime.Seconds())
	}
}

// RecordCallConflict records an offer refused with AlreadyInCall
func (m *Metrics) RecordCallConflict() {
	m.callsConflicts.Inc()
}

// Call History Metrics Methods

// RecordHistoryDropped records an event lost to a full queue
func (m *Metrics) RecordHistoryDropped() {
	m.historyDroppedTotal.Inc()
}

// RecordHistoryFailure records a recorder error
func (m *Metrics) RecordHistoryFailure(recorder string) {
	m.historyFailuresTotal.WithLabelValues(recorder).Inc()
}

// SetHistoryQueueDepth reports pending history events
func (m *Metrics) SetHistoryQueueDepth(depth int) {
	m.historyQueueDepth.Set(float64(depth))
}
