package hopping

import "time"

const dayMillis = int64(24 * time.Hour / time.Millisecond)

// TimeWindow maps t to the index of its hop window within the UTC day:
// (milliseconds since UTC midnight) / interval.
func TimeWindow(t time.Time, interval time.Duration) uint64 {
	ms := t.UTC().UnixMilli() % dayMillis
	if ms < 0 {
		ms += dayMillis
	}
	return uint64(ms / interval.Milliseconds())
}

// WindowsPerDay is the number of windows between two UTC midnights.
func WindowsPerDay(interval time.Duration) uint64 {
	return uint64(dayMillis / interval.Milliseconds())
}

// Neighbor returns the window delta steps away from w, wrapping at midnight.
func Neighbor(w uint64, delta int64, interval time.Duration) uint64 {
	n := int64(WindowsPerDay(interval))
	return uint64(((int64(w)+delta)%n + n) % n)
}

// Distance returns the signed number of windows from a to b on the daily
// ring, choosing the shorter way around.
func Distance(a, b uint64, interval time.Duration) int64 {
	n := int64(WindowsPerDay(interval))
	d := (int64(b) - int64(a)) % n
	if d > n/2 {
		d -= n
	} else if d < -n/2 {
		d += n
	}
	return d
}

// WindowStart returns the instant window w begins on the UTC day containing t.
func WindowStart(t time.Time, w uint64, interval time.Duration) time.Time {
	u := t.UTC()
	midnight := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.Add(time.Duration(w) * interval)
}

// NextBoundary returns the first window boundary strictly after t.
func NextBoundary(t time.Time, interval time.Duration) time.Time {
	w := TimeWindow(t, interval)
	return WindowStart(t, w, interval).Add(interval)
}
