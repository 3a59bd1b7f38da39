package signaling

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"callrelay-backend/internal/domain"
)

func TestSupervisor_FiresOnce(t *testing.T) {
	s := NewSupervisor()
	id := domain.NewCallID("a", "b")

	var fired atomic.Int32
	s.Schedule(id, 10*time.Millisecond, func(got domain.CallID) {
		assert.Equal(t, id, got)
		fired.Add(1)
	})

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.False(t, s.Pending(id))
}

func TestSupervisor_CancelPreventsFiring(t *testing.T) {
	s := NewSupervisor()
	id := domain.NewCallID("a", "b")

	var fired atomic.Int32
	s.Schedule(id, 20*time.Millisecond, func(domain.CallID) { fired.Add(1) })

	assert.True(t, s.Cancel(id))
	assert.False(t, s.Cancel(id), "second cancel is a no-op")
	assert.False(t, s.Cancel(domain.NewCallID("x", "y")), "never scheduled")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestSupervisor_ScheduleReplaces(t *testing.T) {
	s := NewSupervisor()
	id := domain.NewCallID("a", "b")

	var first, second atomic.Int32
	s.Schedule(id, 10*time.Millisecond, func(domain.CallID) { first.Add(1) })
	s.Schedule(id, 20*time.Millisecond, func(domain.CallID) { second.Add(1) })

	assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, 0, s.Len())
}

func TestSupervisor_Stop(t *testing.T) {
	s := NewSupervisor()

	var fired atomic.Int32
	for _, id := range []domain.CallID{"a|b", "c|d", "e|f"} {
		s.Schedule(id, 20*time.Millisecond, func(domain.CallID) { fired.Add(1) })
	}
	assert.Equal(t, 3, s.Len())

	s.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, 0, s.Len())
}
