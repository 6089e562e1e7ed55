package monotonic

import (
	"sync"
	"time"
)

// Source is the clock collaborator. Now returns wall-clock time; when the
// value comes from time.Now() it also carries a monotonic reading.
type Source interface {
	Now() time.Time
}

// SystemClock reads the host clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time {
	return time.Now()
}

// OffsetClock wraps a base Source and adds a correction to every reading.
// It is safe for concurrent use.
type OffsetClock struct {
	base   Source
	offset time.Duration
	mu     sync.RWMutex
}

// NewOffsetClock creates an OffsetClock with zero offset. A nil base falls
// back to SystemClock.
func NewOffsetClock(base Source) *OffsetClock {
	if base == nil {
		base = SystemClock{}
	}
	return &OffsetClock{base: base}
}

// Now returns the base reading adjusted by the current offset.
func (c *OffsetClock) Now() time.Time {
	c.mu.RLock()
	offset := c.offset
	c.mu.RUnlock()
	return c.base.Now().Add(offset)
}

// SetOffset replaces the correction.
func (c *OffsetClock) SetOffset(offset time.Duration) {
	c.mu.Lock()
	c.offset = offset
	c.mu.Unlock()
}

// Offset returns the current correction.
func (c *OffsetClock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// ManualClock is a Source that only moves when told to. Intended for tests.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a ManualClock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the frozen time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Deadline is a point after which something has expired, measured against
// an explicit clock reading rather than the process clock so that it works
// with ManualClock. Deadline is safe for concurrent use.
type Deadline struct {
	mu        sync.RWMutex
	createdAt time.Time
	lifetime  time.Duration
}

// NewDeadlineAt creates a Deadline that expires lifetime after start.
//
// Panics if lifetime is negative.
func NewDeadlineAt(start time.Time, lifetime time.Duration) *Deadline {
	if lifetime < 0 {
		panic("monotonic: negative lifetime")
	}
	return &Deadline{
		createdAt: start,
		lifetime:  lifetime,
	}
}

// ExpiredAt reports whether the deadline has passed at now.
func (d *Deadline) ExpiredAt(now time.Time) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return now.Sub(d.createdAt) >= d.lifetime
}

// RemainingAt returns the time left at now, or zero once expired.
func (d *Deadline) RemainingAt(now time.Time) time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	remaining := d.lifetime - now.Sub(d.createdAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ExpiresAt returns the instant the deadline passes.
func (d *Deadline) ExpiresAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.createdAt.Add(d.lifetime)
}

// Extend adds additional time to the lifetime.
//
// Panics if additional is negative.
func (d *Deadline) Extend(additional time.Duration) {
	if additional < 0 {
		panic("monotonic: negative extension")
	}
	d.mu.Lock()
	d.lifetime += additional
	d.mu.Unlock()
}
