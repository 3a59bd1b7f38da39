package signaling

import (
	"github.com/moby/locker"

	"callrelay-backend/internal/domain"
)

// callLocks serializes work per CallID. Idle entries are dropped by the
// underlying locker once nobody holds or waits for them.
type callLocks struct {
	l *locker.Locker
}

func newCallLocks() *callLocks {
	return &callLocks{l: locker.New()}
}

// Lock blocks until the lock for id is held and returns its release func.
func (c *callLocks) Lock(id domain.CallID) func() {
	name := string(id)
	c.l.Lock(name)
	return func() {
		_ = c.l.Unlock(name)
	}
}
