package monotonic

import (
	"testing"
	"time"
)

// =============================================================================
// OffsetClock Tests
// =============================================================================

// TestNewOffsetClock verifies a new OffsetClock has zero offset.
func TestNewOffsetClock(t *testing.T) {
	c := NewOffsetClock(nil)
	if c.Offset() != 0 {
		t.Errorf("expected zero offset, got %s", c.Offset())
	}
}

// TestOffsetClock_AppliesOffset verifies Now() adds the configured offset to the base.
func TestOffsetClock_AppliesOffset(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := NewManualClock(start)
	c := NewOffsetClock(base)

	c.SetOffset(1500 * time.Millisecond)
	if got := c.Now(); !got.Equal(start.Add(1500 * time.Millisecond)) {
		t.Errorf("Now() = %v, want %v", got, start.Add(1500*time.Millisecond))
	}

	c.SetOffset(-250 * time.Millisecond)
	if got := c.Now(); !got.Equal(start.Add(-250 * time.Millisecond)) {
		t.Errorf("Now() = %v, want %v", got, start.Add(-250*time.Millisecond))
	}
}

// TestOffsetClock_SystemBase verifies the nil base falls back to the host clock.
func TestOffsetClock_SystemBase(t *testing.T) {
	c := NewOffsetClock(nil)
	before := time.Now()
	now := c.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

// =============================================================================
// ManualClock Tests
// =============================================================================

// TestManualClock_Advance verifies Advance moves the clock and returns the new time.
func TestManualClock_Advance(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	got := c.Advance(750 * time.Millisecond)
	if !got.Equal(start.Add(750 * time.Millisecond)) {
		t.Errorf("Advance returned %v", got)
	}
	if !c.Now().Equal(got) {
		t.Errorf("Now() = %v, want %v", c.Now(), got)
	}

	c.Set(start)
	if !c.Now().Equal(start) {
		t.Errorf("Set did not move the clock back, got %v", c.Now())
	}
}

// =============================================================================
// Deadline Tests
// =============================================================================

// TestDeadline_ExpiredAt verifies expiry relative to explicit readings.
func TestDeadline_ExpiredAt(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d := NewDeadlineAt(start, 200*time.Millisecond)

	if d.ExpiredAt(start.Add(199 * time.Millisecond)) {
		t.Error("deadline should not be expired before its lifetime")
	}
	if !d.ExpiredAt(start.Add(200 * time.Millisecond)) {
		t.Error("deadline should be expired exactly at its lifetime")
	}
	if !d.ExpiresAt().Equal(start.Add(200 * time.Millisecond)) {
		t.Errorf("ExpiresAt = %v", d.ExpiresAt())
	}
}

// TestDeadline_RemainingAt verifies Remaining never goes negative.
func TestDeadline_RemainingAt(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d := NewDeadlineAt(start, time.Second)

	if r := d.RemainingAt(start.Add(400 * time.Millisecond)); r != 600*time.Millisecond {
		t.Errorf("RemainingAt = %v, want 600ms", r)
	}
	if r := d.RemainingAt(start.Add(5 * time.Second)); r != 0 {
		t.Errorf("RemainingAt after expiry = %v, want 0", r)
	}
}

// TestDeadline_Extend_RescuesExpired verifies extension can rescue an expired deadline.
func TestDeadline_Extend_RescuesExpired(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d := NewDeadlineAt(start, 100*time.Millisecond)
	now := start.Add(150 * time.Millisecond)

	if !d.ExpiredAt(now) {
		t.Fatal("deadline should be expired before extension")
	}
	d.Extend(100 * time.Millisecond)
	if d.ExpiredAt(now) {
		t.Error("deadline should not be expired after extension")
	}
}

// TestNewDeadlineAt_NegativeLifetimePanics verifies negative lifetime causes a panic.
func TestNewDeadlineAt_NegativeLifetimePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for negative lifetime")
		}
	}()
	NewDeadlineAt(time.Now(), -1*time.Second)
}

// =============================================================================
// Concurrency Tests
// =============================================================================

// TestOffsetClock_ConcurrentAccess verifies OffsetClock is safe for concurrent use.
func TestOffsetClock_ConcurrentAccess(t *testing.T) {
	c := NewOffsetClock(nil)
	done := make(chan struct{})

	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				_ = c.Now()
				_ = c.Offset()
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		go func(i int) {
			for j := 0; j < 100; j++ {
				c.SetOffset(time.Duration(i*j) * time.Millisecond)
			}
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 15; i++ {
		<-done
	}
}
