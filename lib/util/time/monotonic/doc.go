// Package monotonic provides the clock sources used by the hopping core.
//
// Every component that needs the current time takes a Source rather than
// calling time.Now() directly. Production code uses SystemClock (or an
// OffsetClock anchored by the sntp package); tests use ManualClock so that
// window boundaries, sample spacing and binding retirement are deterministic.
//
// Go's time.Now() carries a monotonic reading, so durations computed from
// SystemClock values are immune to wall clock steps. Timestamps received from
// a peer carry no monotonic reading and must only be compared as wall time.
//
// Usage:
//
//	clock := monotonic.NewOffsetClock(monotonic.SystemClock{})
//	clock.SetOffset(ntpOffset)
//	deadline := monotonic.NewDeadlineAt(clock.Now(), 200*time.Millisecond)
//	if deadline.ExpiredAt(clock.Now()) {
//	    // retire the binding
//	}
package monotonic
