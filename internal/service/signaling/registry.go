package signaling

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/constants"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
)

// Connection is a live, authenticated client channel.
type Connection interface {
	// ID distinguishes two connections of the same participant
	ID() string
	Participant() domain.ParticipantID
	// Send queues msg for delivery without blocking. It fails with
	// ErrConnectionClosed or ErrSendBufferFull.
	Send(msg *Message) error
	// Close terminates the connection with a WebSocket close code
	Close(code int, reason string)
}

// PresenceTracker mirrors connection state to an external store
type PresenceTracker interface {
	SetUserOnline(ctx context.Context, p domain.ParticipantID) error
	SetUserOffline(ctx context.Context, p domain.ParticipantID) error
}

// RegistryListener is told when a participant's current connection goes away.
type RegistryListener interface {
	// ParticipantSuperseded runs after a newer connection replaced the old one
	ParticipantSuperseded(p domain.ParticipantID)
	// ParticipantDisconnected runs after the current connection dropped
	ParticipantDisconnected(p domain.ParticipantID)
}

type presenceUpdate struct {
	participant domain.ParticipantID
	online      bool
}

// Registry maps each participant to its single current connection.
type Registry struct {
	mu       sync.RWMutex
	conns    map[domain.ParticipantID]Connection
	listener RegistryListener

	metrics  *metrics.Metrics
	presence PresenceTracker
	updates  chan presenceUpdate
	done     chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a registry. presence may be nil.
func NewRegistry(presence PresenceTracker, m *metrics.Metrics) *Registry {
	r := &Registry{
		conns:    make(map[domain.ParticipantID]Connection),
		metrics:  m,
		presence: presence,
		done:     make(chan struct{}),
	}
	if presence != nil {
		r.updates = make(chan presenceUpdate, constants.DefaultSendBufferSize)
		go r.runPresence()
	}
	return r
}

// SetListener installs the listener notified on supersession and disconnect
func (r *Registry) SetListener(l RegistryListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

// Register makes conn the current connection of p. A previous connection is
// closed and the listener learns that p was superseded.
func (r *Registry) Register(p domain.ParticipantID, conn Connection) {
	r.mu.Lock()
	prev := r.conns[p]
	r.conns[p] = conn
	listener := r.listener
	r.mu.Unlock()

	if prev == conn {
		return
	}
	r.metrics.WebSocketConnected()
	r.trackPresence(p, true)

	if prev == nil {
		logger.Debug("Participant registered",
			zap.String("participant_id", p.String()),
			zap.String("connection_id", conn.ID()))
		return
	}

	logger.Info("Participant superseded by a newer connection",
		zap.String("participant_id", p.String()),
		zap.String("old_connection_id", prev.ID()),
		zap.String("connection_id", conn.ID()))

	prev.Close(constants.SupersededCloseCode, string(domain.EndedReasonSuperseded))
	r.metrics.WebSocketDisconnected()
	r.metrics.RecordSupersession()

	if listener != nil {
		listener.ParticipantSuperseded(p)
	}
}

// Unregister removes conn if it is still the current connection of p and
// reports whether it was.
func (r *Registry) Unregister(p domain.ParticipantID, conn Connection) bool {
	r.mu.Lock()
	current, ok := r.conns[p]
	if !ok || current != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, p)
	listener := r.listener
	r.mu.Unlock()

	r.metrics.WebSocketDisconnected()
	r.trackPresence(p, false)

	logger.Debug("Participant unregistered",
		zap.String("participant_id", p.String()),
		zap.String("connection_id", conn.ID()))

	if listener != nil {
		listener.ParticipantDisconnected(p)
	}
	return true
}

// Lookup returns the current connection of p
func (r *Registry) Lookup(p domain.ParticipantID) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[p]
	return conn, ok
}

// IsCurrent reports whether conn is still its participant's current connection
func (r *Registry) IsCurrent(conn Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[conn.Participant()] == conn
}

// Count returns the number of registered participants
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close stops the presence worker
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

// trackPresence queues a presence update in registration order. Updates are
// dropped rather than blocking the caller.
func (r *Registry) trackPresence(p domain.ParticipantID, online bool) {
	if r.presence == nil {
		return
	}
	select {
	case r.updates <- presenceUpdate{participant: p, online: online}:
	default:
		logger.Warn("Presence queue full, dropping update",
			zap.String("participant_id", p.String()),
			zap.Bool("online", online))
	}
}

func (r *Registry) runPresence() {
	for {
		select {
		case <-r.done:
			return
		case u := <-r.updates:
			r.applyPresence(u)
		}
	}
}

func (r *Registry) applyPresence(u presenceUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.PresenceUpdateTimeout)
	defer cancel()

	var err error
	if u.online {
		err = r.presence.SetUserOnline(ctx, u.participant)
	} else {
		err = r.presence.SetUserOffline(ctx, u.participant)
	}
	if err != nil {
		logger.Warn("Failed to update presence",
			zap.String("participant_id", u.participant.String()),
			zap.Bool("online", u.online),
			zap.Error(err))
	}
}
