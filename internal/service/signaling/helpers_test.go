package signaling

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/metrics"
)

type fakeConn struct {
	id          string
	participant domain.ParticipantID

	mu          sync.Mutex
	sent        []*Message
	closed      bool
	closeCode   int
	closeReason string
	sendErr     error
}

func newFakeConn(p domain.ParticipantID) *fakeConn {
	return &fakeConn{id: uuid.NewString(), participant: p}
}

func (c *fakeConn) ID() string                        { return c.id }
func (c *fakeConn) Participant() domain.ParticipantID { return c.participant }

func (c *fakeConn) Send(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
}

func (c *fakeConn) failSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *fakeConn) messages() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Message, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) last() *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

func (c *fakeConn) ofType(t MessageType) []*Message {
	var out []*Message
	for _, m := range c.messages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.CallHistoryEvent
}

func (s *recordingSink) Record(ev domain.CallHistoryEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) all() []domain.CallHistoryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CallHistoryEvent, len(s.events))
	copy(out, s.events)
	return out
}

type harness struct {
	registry *Registry
	store    *Store
	timers   *Supervisor
	sink     *recordingSink
	router   *Router
}

func newHarness(t *testing.T, ringTimeout time.Duration) *harness {
	t.Helper()

	m := metrics.NewMetrics("signaling-test")
	h := &harness{
		registry: NewRegistry(nil, m),
		store:    NewStore(),
		timers:   NewSupervisor(),
		sink:     &recordingSink{},
	}
	h.router = NewRouter(h.registry, h.store, h.timers, h.sink, m, RouterConfig{RingTimeout: ringTimeout})

	t.Cleanup(func() {
		h.timers.Stop()
		h.registry.Close()
	})
	return h
}

func (h *harness) connect(p domain.ParticipantID) *fakeConn {
	conn := newFakeConn(p)
	h.registry.Register(p, conn)
	return conn
}

func (h *harness) send(t *testing.T, conn *fakeConn, frame map[string]any) {
	t.Helper()
	raw, err := json.Marshal(frame)
	require.NoError(t, err)
	h.router.Handle(t.Context(), conn, raw)
}

func offerTo(receiver domain.ParticipantID) map[string]any {
	return map[string]any{
		"type":       "offer",
		"receiverId": receiver,
		"mediaKind":  "video",
		"payload":    map[string]string{"type": "offer", "sdp": "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\n"},
	}
}

func answerFor(id domain.CallID) map[string]any {
	return map[string]any{
		"type":    "answer",
		"callId":  id,
		"payload": map[string]string{"type": "answer", "sdp": "v=0\r\no=- 2 2 IN IP4 127.0.0.1\r\n"},
	}
}

func candidateFor(id domain.CallID) map[string]any {
	return map[string]any{
		"type":    "ice-candidate",
		"callId":  id,
		"payload": map[string]any{"candidate": "candidate:1 1 udp 2122260223 10.0.0.2 54321 typ host", "sdpMid": "0", "sdpMLineIndex": 0},
	}
}

func hangUpFor(id domain.CallID, hint string) map[string]any {
	frame := map[string]any{"type": "hang-up", "callId": id}
	if hint != "" {
		frame["reason"] = hint
	}
	return frame
}
