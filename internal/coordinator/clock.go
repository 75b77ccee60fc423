package coordinator

import (
	"sync"
	"time"
)

// SessionClock measures how long the current room has existed. It is safe
// for concurrent use.
type SessionClock struct {
	mu        sync.Mutex
	now       func() time.Time
	roomCode  string
	startedAt time.Time
	last      time.Duration
}

func NewSessionClock(now func() time.Time) *SessionClock {
	if now == nil {
		now = time.Now
	}
	return &SessionClock{now: now}
}

// Start begins timing roomCode from createdAt, or from now when createdAt
// is unknown or in the future. It returns false and keeps the running
// clock when roomCode is already being timed.
func (c *SessionClock) Start(roomCode string, createdAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if roomCode == c.roomCode && !c.startedAt.IsZero() {
		return false
	}

	now := c.now()
	c.roomCode = roomCode
	c.last = 0
	c.startedAt = now
	if !createdAt.IsZero() && createdAt.Before(now) {
		c.startedAt = createdAt
	}
	return true
}

func (c *SessionClock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.roomCode = ""
	c.startedAt = time.Time{}
	c.last = 0
}

// Duration never decreases between Start and Stop.
func (c *SessionClock) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.startedAt.IsZero() {
		return 0
	}
	d := c.now().Sub(c.startedAt)
	if d < c.last {
		d = c.last
	}
	c.last = d
	return d
}
