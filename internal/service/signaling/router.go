package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
)

// HistorySink receives one event per ended call. Record must not block.
type HistorySink interface {
	Record(event domain.CallHistoryEvent)
}

type discardSink struct{}

func (discardSink) Record(domain.CallHistoryEvent) {}

// RouterConfig tunes the router
type RouterConfig struct {
	RingTimeout time.Duration
}

// Router validates inbound signaling messages, drives the call state machine
// and relays messages between the two parties of a call.
//
// All work on a call happens under that call's key lock, so concurrent
// answers, hang-ups, disconnects and ring timeouts on the same call are
// applied one at a time and only the first terminal event wins.
type Router struct {
	registry *Registry
	store    *Store
	timers   *Supervisor
	sink     HistorySink
	metrics  *metrics.Metrics
	locks    *callLocks

	ringTimeout time.Duration
	now         func() time.Time
}

// NewRouter creates a router and installs it as the registry listener.
func NewRouter(registry *Registry, store *Store, timers *Supervisor, sink HistorySink, m *metrics.Metrics, cfg RouterConfig) *Router {
	if sink == nil {
		sink = discardSink{}
	}
	r := &Router{
		registry:    registry,
		store:       store,
		timers:      timers,
		sink:        sink,
		metrics:     m,
		locks:       newCallLocks(),
		ringTimeout: cfg.RingTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
	registry.SetListener(r)
	return r
}

// Handle decodes a raw frame received on conn and routes it. It is called
// from the connection's read loop, so messages of one sender are handled in
// arrival order.
func (r *Router) Handle(ctx context.Context, conn Connection, raw []byte) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		if !r.registry.IsCurrent(conn) {
			return
		}
		r.reply(ctx, conn, "", err)
		return
	}
	r.HandleMessage(ctx, conn, msg)
}

// HandleMessage routes an already decoded message.
func (r *Router) HandleMessage(ctx context.Context, conn Connection, msg *Message) {
	if !r.registry.IsCurrent(conn) {
		logger.FromContext(ctx).Debug("Dropping message from superseded connection",
			zap.String("participant_id", conn.Participant().String()),
			zap.String("connection_id", conn.ID()),
			zap.String("type", string(msg.Type)))
		return
	}

	msg.SenderID = conn.Participant()
	msg.Timestamp = r.now()
	r.metrics.RecordWebSocketMessage(string(msg.Type), "in")

	callID := r.resolveCallID(msg)
	err := r.dispatch(ctx, conn, msg, callID)
	if err == nil {
		return
	}
	if !apperrors.IsAppError(err) {
		logger.FromContext(ctx).Error("Failed to handle signaling message",
			zap.String("participant_id", conn.Participant().String()),
			zap.String("call_id", callID.String()),
			zap.String("type", string(msg.Type)),
			zap.Error(err))
		r.failCall(ctx, callID)
		err = apperrors.InternalError("internal error")
	}
	r.reply(ctx, conn, callID, err)
}

func (r *Router) dispatch(ctx context.Context, conn Connection, msg *Message, callID domain.CallID) (err error) {
	defer r.recoverCall(ctx, callID, &err)

	switch msg.Type {
	case TypeOffer:
		return r.handleOffer(ctx, conn, msg, callID)
	case TypeAnswer:
		return r.handleAnswer(ctx, msg, callID)
	case TypeICECandidate:
		return r.handleICECandidate(ctx, msg, callID)
	case TypeHangUp:
		return r.handleHangUp(ctx, msg, callID)
	default:
		return apperrors.MalformedMessageError(fmt.Sprintf("unsupported message type %q", msg.Type))
	}
}

func (r *Router) resolveCallID(msg *Message) domain.CallID {
	if msg.Type == TypeOffer {
		return domain.NewCallID(msg.SenderID, msg.ReceiverID)
	}
	if msg.CallID != "" {
		return msg.CallID
	}
	if msg.ReceiverID != "" {
		return domain.NewCallID(msg.SenderID, msg.ReceiverID)
	}
	return ""
}

func (r *Router) handleOffer(ctx context.Context, conn Connection, msg *Message, id domain.CallID) error {
	caller, callee := msg.SenderID, msg.ReceiverID
	if caller == callee {
		return apperrors.MalformedMessageError("cannot call yourself")
	}

	calleeConn, ok := r.registry.Lookup(callee)
	if !ok {
		return apperrors.PeerUnavailableError(fmt.Sprintf("participant %s is not connected", callee))
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	now := r.now()
	rec, err := r.store.Create(id, caller, callee, msg.MediaKind, now)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			r.metrics.RecordCallConflict()
			return apperrors.AlreadyInCallError(conflict.Error())
		}
		return err
	}

	// Register and Unregister swap the registry entry before looking for a
	// live call to end. A change seen here is one they could not end.
	if !r.registry.IsCurrent(conn) {
		r.store.Evict(id)
		logger.FromContext(ctx).Debug("Dropping offer from superseded connection",
			zap.String("call_id", id.String()),
			zap.String("connection_id", conn.ID()))
		return nil
	}
	if current, ok := r.registry.Lookup(callee); !ok || current != calleeConn {
		r.store.Evict(id)
		return apperrors.PeerUnavailableError(fmt.Sprintf("participant %s disconnected", callee))
	}

	r.metrics.CallStarted()
	seq := rec.Seq
	r.timers.Schedule(id, r.ringTimeout, func(id domain.CallID) {
		r.expire(id, seq)
	})

	logger.FromContext(ctx).Info("Call ringing",
		zap.String("call_id", id.String()),
		zap.String("caller_id", caller.String()),
		zap.String("callee_id", callee.String()),
		zap.String("media_kind", string(msg.MediaKind)))

	if err := r.deliver(calleeConn, msg.forward(id, callee, now)); err != nil {
		r.failForward(ctx, &rec, callee, err)
	}
	return nil
}

func (r *Router) handleAnswer(ctx context.Context, msg *Message, id domain.CallID) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	rec, ok := r.store.Get(id)
	if !ok || !rec.IsLive() || !rec.Involves(msg.SenderID) {
		return apperrors.StaleCallError("no live call to answer")
	}
	if rec.Callee != msg.SenderID {
		return apperrors.MalformedMessageError("only the callee can answer a call")
	}

	now := r.now()
	rec, err := r.store.Transition(id, domain.CallStateActive, TransitionMeta{
		At:     now,
		Expect: domain.CallStateRinging,
		Seq:    rec.Seq,
	})
	if err != nil {
		if IsInvalidTransition(err) || errors.Is(err, ErrCallNotFound) {
			return apperrors.StaleCallError("call is no longer ringing")
		}
		return err
	}

	r.timers.Cancel(id)
	r.metrics.CallAnswered(string(rec.MediaKind), now.Sub(rec.StartedAt))

	logger.FromContext(ctx).Info("Call answered",
		zap.String("call_id", id.String()),
		zap.Duration("setup", now.Sub(rec.StartedAt)))

	r.relay(ctx, &rec, msg, rec.Caller, now)
	return nil
}

func (r *Router) handleICECandidate(ctx context.Context, msg *Message, id domain.CallID) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	rec, ok := r.store.Get(id)
	if !ok || !rec.IsLive() || !rec.Involves(msg.SenderID) {
		logger.FromContext(ctx).Debug("Dropping ICE candidate for unknown call",
			zap.String("call_id", id.String()),
			zap.String("sender_id", msg.SenderID.String()))
		return nil
	}

	r.relay(ctx, &rec, msg, rec.Peer(msg.SenderID), r.now())
	return nil
}

func (r *Router) handleHangUp(ctx context.Context, msg *Message, id domain.CallID) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	rec, ok := r.store.Get(id)
	if !ok || !rec.IsLive() || !rec.Involves(msg.SenderID) {
		return apperrors.StaleCallError("no live call to hang up")
	}

	reason := domain.EndedReasonAnsweredThenHangup
	if rec.State == domain.CallStateRinging && rec.Callee == msg.SenderID {
		reason = domain.EndedReasonRejected
	}

	_, err := r.endCall(ctx, id, TransitionMeta{At: r.now(), Reason: reason, Seq: rec.Seq}, rec.Peer(msg.SenderID))
	if err != nil {
		if IsInvalidTransition(err) || errors.Is(err, ErrCallNotFound) {
			return apperrors.StaleCallError("call already ended")
		}
		return err
	}
	return nil
}

// relay forwards msg to receiver. A failed delivery ends the call with
// network_failure and tells the sender.
func (r *Router) relay(ctx context.Context, rec *domain.CallRecord, msg *Message, receiver domain.ParticipantID, now time.Time) {
	conn, ok := r.registry.Lookup(receiver)
	if !ok {
		r.failForward(ctx, rec, receiver, ErrConnectionClosed)
		return
	}
	if err := r.deliver(conn, msg.forward(rec.ID, receiver, now)); err != nil {
		r.failForward(ctx, rec, receiver, err)
	}
}

// failForward must be called with the call's key lock held.
func (r *Router) failForward(ctx context.Context, rec *domain.CallRecord, receiver domain.ParticipantID, cause error) {
	logger.FromContext(ctx).Warn("Failed to forward signaling message, ending call",
		zap.String("call_id", rec.ID.String()),
		zap.String("receiver_id", receiver.String()),
		zap.Error(cause))

	_, err := r.endCall(ctx, rec.ID, TransitionMeta{
		At:     r.now(),
		Reason: domain.EndedReasonNetworkFailure,
		Seq:    rec.Seq,
	}, rec.Peer(receiver))
	if err != nil {
		logger.FromContext(ctx).Debug("Call already ended before forward failure was handled",
			zap.String("call_id", rec.ID.String()),
			zap.Error(err))
	}
}

// expire is the ring timer callback.
func (r *Router) expire(id domain.CallID, seq uint64) {
	ctx := context.Background()
	var err error
	defer r.recoverCall(ctx, id, &err)

	unlock := r.locks.Lock(id)
	defer unlock()

	rec, ok := r.store.Get(id)
	if !ok || rec.Seq != seq {
		return
	}

	_, err = r.endCall(ctx, id, TransitionMeta{
		At:     r.now(),
		Reason: domain.EndedReasonNoAnswerTimeout,
		Expect: domain.CallStateRinging,
		Seq:    seq,
	}, rec.Caller, rec.Callee)
	if err != nil {
		logger.Debug("Ring timer lost the race to another event",
			zap.String("call_id", id.String()),
			zap.Error(err))
	}
}

// ParticipantSuperseded ends the participant's live call, if any, and
// notifies both parties on their current connections.
func (r *Router) ParticipantSuperseded(p domain.ParticipantID) {
	r.endLiveCallOf(p, domain.EndedReasonSuperseded, true)
}

// ParticipantDisconnected ends the participant's live call, if any, and
// notifies the peer.
func (r *Router) ParticipantDisconnected(p domain.ParticipantID) {
	r.endLiveCallOf(p, domain.EndedReasonNetworkFailure, false)
}

func (r *Router) endLiveCallOf(p domain.ParticipantID, reason domain.EndedReason, notifySelf bool) {
	live, ok := r.store.LiveCallFor(p)
	if !ok {
		return
	}

	ctx := logger.WithParticipantID(context.Background(), p.String())
	var err error
	defer r.recoverCall(ctx, live.ID, &err)

	unlock := r.locks.Lock(live.ID)
	defer unlock()

	notify := []domain.ParticipantID{live.Peer(p)}
	if notifySelf {
		notify = append(notify, p)
	}

	_, err = r.endCall(ctx, live.ID, TransitionMeta{At: r.now(), Reason: reason, Seq: live.Seq}, notify...)
	if err != nil {
		logger.FromContext(ctx).Debug("Call ended concurrently",
			zap.String("call_id", live.ID.String()),
			zap.Error(err))
	}
}

// endCall moves a live call to ENDED, cancels its timer, notifies the given
// parties, emits the history event and evicts the record. The caller must
// hold the call's key lock.
func (r *Router) endCall(ctx context.Context, id domain.CallID, meta TransitionMeta, notify ...domain.ParticipantID) (domain.CallRecord, error) {
	rec, err := r.store.Transition(id, domain.CallStateEnded, meta)
	if err != nil {
		return rec, err
	}

	r.timers.Cancel(id)
	for _, p := range notify {
		r.notifyHangUp(&rec, p)
	}

	event := domain.NewCallHistoryEvent(&rec)
	r.metrics.CallEnded(string(rec.MediaKind), string(rec.EndedReason), event.Duration())
	r.sink.Record(event)
	r.store.Evict(id)

	logger.FromContext(ctx).Info("Call ended",
		zap.String("call_id", id.String()),
		zap.String("reason", string(rec.EndedReason)),
		zap.Duration("duration", event.Duration()))

	return rec, nil
}

func (r *Router) notifyHangUp(rec *domain.CallRecord, p domain.ParticipantID) {
	conn, ok := r.registry.Lookup(p)
	if !ok {
		return
	}
	if err := r.deliver(conn, newHangUpNotice(rec, p, r.now())); err != nil {
		logger.Debug("Failed to deliver hang-up notice",
			zap.String("call_id", rec.ID.String()),
			zap.String("participant_id", p.String()),
			zap.Error(err))
	}
}

func (r *Router) deliver(conn Connection, msg *Message) error {
	if err := conn.Send(msg); err != nil {
		return err
	}
	r.metrics.RecordWebSocketMessage(string(msg.Type), "out")
	return nil
}

// reply sends an error message back to the sender.
func (r *Router) reply(ctx context.Context, conn Connection, callID domain.CallID, err error) {
	appErr := apperrors.GetAppError(err)
	r.metrics.RecordSignalingError(string(appErr.Code))
	if sendErr := r.deliver(conn, NewErrorMessage(appErr.Code, appErr.Message, callID, r.now())); sendErr != nil {
		logger.Debug("Failed to deliver error reply",
			zap.String("participant_id", conn.Participant().String()),
			zap.Error(sendErr))
	}
}

// recoverCall turns a panic while handling id into an internal error that
// tears the call down.
func (r *Router) recoverCall(ctx context.Context, id domain.CallID, errp *error) {
	p := recover()
	if p == nil {
		return
	}

	logger.FromContext(ctx).Error("Recovered from panic in signaling router",
		zap.Any("panic", p),
		zap.String("call_id", id.String()),
		zap.Stack("stack"))

	r.failCall(ctx, id)
	*errp = apperrors.InternalError("internal error")
}

// failCall force-evicts id and tells both parties the call ended with an
// internal error. It takes the call's key lock itself.
func (r *Router) failCall(ctx context.Context, id domain.CallID) {
	if id == "" {
		return
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	rec, ok := r.store.Get(id)
	r.timers.Cancel(id)
	r.store.Evict(id)
	if !ok || !rec.IsLive() {
		return
	}

	now := r.now()
	rec.State = domain.CallStateEnded
	rec.EndedAt = &now
	rec.EndedReason = domain.EndedReasonInternalError

	r.notifyHangUp(&rec, rec.Caller)
	r.notifyHangUp(&rec, rec.Callee)

	event := domain.NewCallHistoryEvent(&rec)
	r.metrics.CallEnded(string(rec.MediaKind), string(rec.EndedReason), event.Duration())
	r.sink.Record(event)

	logger.FromContext(ctx).Warn("Call torn down after internal error",
		zap.String("call_id", id.String()))
}
