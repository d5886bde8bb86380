package storage

import (
	"sync"
	"time"
)

// Clock issues the stored timestamps for incoming statements and tracks
// the consistent-through watermark reported to clients.
//
// Issued instants are strictly increasing even when the wall clock
// stalls or steps backwards: each call returns at least one nanosecond
// more than the previous one. The watermark only moves on commit, so a
// client that reads it and then queries with since= never misses a
// statement that was already durable.
type Clock struct {
	mu        sync.Mutex
	now       func() time.Time
	last      time.Time
	committed time.Time
}

// NewClock starts the watermark at the current instant.
func NewClock() *Clock {
	n := time.Now().UTC()
	return &Clock{now: time.Now, last: n, committed: n}
}

// NextStored returns the next stored instant.
func (c *Clock) NextStored() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.now().UTC()
	if !n.After(c.last) {
		n = c.last.Add(time.Nanosecond)
	}
	c.last = n
	return n
}

// Commit raises the watermark to t once the batch holding t is durable.
func (c *Clock) Commit(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.committed) {
		c.committed = t
	}
}

// ConsistentThrough reports the instant up to which all accepted
// statements are visible to queries.
func (c *Clock) ConsistentThrough() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}
