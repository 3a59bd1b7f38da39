// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteWait is the time allowed to write a single frame
	WebSocketWriteWait = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute

	// RedisHealthCheckInterval is the interval between Redis pings
	RedisHealthCheckInterval = 10 * time.Second

	// DBConnectRetries and DBConnectBaseDelay drive startup backoff
	DBConnectRetries   = 5
	DBConnectBaseDelay = 1 * time.Second
)

// Call signaling constants
const (
	// DefaultRingTimeout is how long a call may ring before it ends with no_answer_timeout
	DefaultRingTimeout = 30 * time.Second

	// DefaultMaxSignalingConnections caps concurrent WebSocket signaling connections
	DefaultMaxSignalingConnections = 1000

	// DefaultSendBufferSize is the per-connection outbound message buffer
	DefaultSendBufferSize = 256

	// DefaultMaxMessageBytes bounds a single inbound signaling frame
	DefaultMaxMessageBytes = 64 * 1024

	// SupersededCloseCode is the WebSocket close code sent to a replaced connection
	SupersededCloseCode = 4000
)

// Call history constants
const (
	// DefaultHistoryQueueSize bounds pending call history events
	DefaultHistoryQueueSize = 1024

	// DefaultHistoryWorkers is the number of goroutines draining the history queue
	DefaultHistoryWorkers = 2

	// DefaultHistoryTimeout bounds a single recorder write
	DefaultHistoryTimeout = 5 * time.Second

	// HistoryBreakerThreshold consecutive recorder failures open its circuit
	HistoryBreakerThreshold = 3

	// HistoryBreakerCooldown is how long an open recorder circuit rejects writes
	HistoryBreakerCooldown = 10 * time.Second

	// CallHistoryChannel is the Redis pub/sub channel for ended calls
	CallHistoryChannel = "calls:history"
)

// Presence constants
const (
	// PresenceTTL is how long a presence key lives without refresh
	PresenceTTL = 5 * time.Minute

	// PresenceUpdateTimeout bounds a single presence write
	PresenceUpdateTimeout = 2 * time.Second
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)
