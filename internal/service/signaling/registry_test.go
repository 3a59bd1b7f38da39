package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/metrics"
)

type MockPresenceTracker struct {
	mock.Mock
}

func (m *MockPresenceTracker) SetUserOnline(ctx context.Context, p domain.ParticipantID) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockPresenceTracker) SetUserOffline(ctx context.Context, p domain.ParticipantID) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

type recordingListener struct {
	mu           sync.Mutex
	superseded   []domain.ParticipantID
	disconnected []domain.ParticipantID
}

func (l *recordingListener) ParticipantSuperseded(p domain.ParticipantID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.superseded = append(l.superseded, p)
}

func (l *recordingListener) ParticipantDisconnected(p domain.ParticipantID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnected = append(l.disconnected, p)
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry(nil, metrics.NewMetrics("registry-test"))
	conn := newFakeConn("alice")

	r.Register("alice", conn)

	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, conn, got)
	assert.True(t, r.IsCurrent(conn))
	assert.Equal(t, 1, r.Count())

	_, ok = r.Lookup("bob")
	assert.False(t, ok)
}

func TestRegistry_Supersede(t *testing.T) {
	r := NewRegistry(nil, metrics.NewMetrics("registry-test"))
	listener := &recordingListener{}
	r.SetListener(listener)

	old := newFakeConn("alice")
	fresh := newFakeConn("alice")
	r.Register("alice", old)
	r.Register("alice", fresh)

	assert.True(t, old.closed)
	assert.Equal(t, 4000, old.closeCode)
	assert.Equal(t, "superseded", old.closeReason)
	assert.False(t, r.IsCurrent(old))
	assert.True(t, r.IsCurrent(fresh))
	assert.Equal(t, []domain.ParticipantID{"alice"}, listener.superseded)

	// the old connection's read loop exits later
	assert.False(t, r.Unregister("alice", old))
	assert.Empty(t, listener.disconnected)

	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(nil, metrics.NewMetrics("registry-test"))
	listener := &recordingListener{}
	r.SetListener(listener)
	conn := newFakeConn("alice")
	r.Register("alice", conn)

	assert.True(t, r.Unregister("alice", conn))
	assert.False(t, r.Unregister("alice", conn))

	_, ok := r.Lookup("alice")
	assert.False(t, ok)
	assert.Equal(t, []domain.ParticipantID{"alice"}, listener.disconnected)
}

func TestRegistry_TracksPresence(t *testing.T) {
	presence := new(MockPresenceTracker)
	online := make(chan struct{})
	offline := make(chan struct{})
	presence.On("SetUserOnline", mock.Anything, domain.ParticipantID("alice")).
		Return(nil).Run(func(mock.Arguments) { close(online) })
	presence.On("SetUserOffline", mock.Anything, domain.ParticipantID("alice")).
		Return(nil).Run(func(mock.Arguments) { close(offline) })

	r := NewRegistry(presence, metrics.NewMetrics("registry-test"))
	t.Cleanup(r.Close)
	conn := newFakeConn("alice")

	r.Register("alice", conn)
	r.Unregister("alice", conn)

	for _, ch := range []chan struct{}{online, offline} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("presence update not applied")
		}
	}
	presence.AssertExpectations(t)
}

func gaugeValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.GetRegistry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}

func TestRegistry_ConnectionGauge(t *testing.T) {
	m := metrics.NewMetrics("registry-test")
	r := NewRegistry(nil, m)
	first := newFakeConn("alice")

	r.Register("alice", first)
	r.Register("alice", first)
	assert.Equal(t, float64(1), gaugeValue(t, m, "websocket_connections"), "re-registering is a no-op")
	assert.False(t, first.closed)

	r.Register("alice", newFakeConn("alice"))
	assert.Equal(t, float64(1), gaugeValue(t, m, "websocket_connections"))

	r.Register("bob", newFakeConn("bob"))
	assert.Equal(t, float64(2), gaugeValue(t, m, "websocket_connections"))
}
