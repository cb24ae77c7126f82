package ledger

import (
	"sync"
	"time"
)

// Clock hands out strictly increasing UTC timestamps even if the wall clock
// stalls or steps backwards. Envelope sequence numbers are drawn under the same
// lock, so a higher sequence always carries a later timestamp.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	seq  uint64
	now  func() time.Time
}

func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Stamp returns the next envelope sequence number with its creation time.
func (c *Clock) Stamp() (uint64, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq, c.nextLocked()
}

func (c *Clock) nextLocked() time.Time {
	t := c.now().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

// After returns a fresh timestamp strictly later than floor.
func (c *Clock) After(floor time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.nextLocked()
	if !t.After(floor) {
		t = floor.UTC().Add(time.Nanosecond)
	}
	c.last = t
	return t
}

// Observe raises the floors so stamps issued after a restart never precede
// ones already persisted.
func (c *Clock) Observe(seq uint64, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.seq {
		c.seq = seq
	}
	if t.After(c.last) {
		c.last = t.UTC()
	}
}
