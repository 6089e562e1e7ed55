package hopping

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeWindowScenario(t *testing.T) {
	ts := time.Date(2026, 5, 10, 14, 30, 25, 123_000_000, time.UTC)
	assert.Equal(t, uint64(104450), TimeWindow(ts, 500*time.Millisecond))
}

func TestTimeWindowUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	utc := time.Date(2026, 5, 10, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, TimeWindow(utc, time.Second), TimeWindow(utc.In(loc), time.Second))
	assert.Equal(t, uint64(3600), TimeWindow(utc, time.Second))
}

func TestTimeWindowMonotonic(t *testing.T) {
	interval := 500 * time.Millisecond
	start := time.Date(2026, 5, 10, 10, 0, 0, 0, time.UTC)
	prev := TimeWindow(start, interval)
	for i := 1; i < 5000; i++ {
		ts := start.Add(time.Duration(i) * 7 * time.Millisecond)
		w := TimeWindow(ts, interval)
		assert.GreaterOrEqual(t, w, prev)
		assert.LessOrEqual(t, w-prev, uint64(1))
		prev = w
	}
}

func TestTimeWindowSameWithinInterval(t *testing.T) {
	interval := 500 * time.Millisecond
	base := time.Date(2026, 5, 10, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, TimeWindow(base, interval), TimeWindow(base.Add(499*time.Millisecond), interval))
	assert.Equal(t, TimeWindow(base, interval)+1, TimeWindow(base.Add(500*time.Millisecond), interval))
}

func TestWindowsPerDay(t *testing.T) {
	assert.Equal(t, uint64(172800), WindowsPerDay(500*time.Millisecond))
	assert.Equal(t, uint64(345600), WindowsPerDay(250*time.Millisecond))
}

func TestTimeWindowWrapsAtMidnight(t *testing.T) {
	interval := 500 * time.Millisecond
	last := time.Date(2026, 5, 10, 23, 59, 59, 900_000_000, time.UTC)
	assert.Equal(t, WindowsPerDay(interval)-1, TimeWindow(last, interval))
	assert.Equal(t, uint64(0), TimeWindow(last.Add(200*time.Millisecond), interval))
}

func TestNeighborAndDistance(t *testing.T) {
	interval := 500 * time.Millisecond
	n := WindowsPerDay(interval)
	assert.Equal(t, n-1, Neighbor(0, -1, interval))
	assert.Equal(t, uint64(0), Neighbor(n-1, 1, interval))
	assert.Equal(t, uint64(102), Neighbor(100, 2, interval))

	assert.Equal(t, int64(2), Distance(100, 102, interval))
	assert.Equal(t, int64(-2), Distance(102, 100, interval))
	assert.Equal(t, int64(1), Distance(n-1, 0, interval))
	assert.Equal(t, int64(-1), Distance(0, n-1, interval))
}

func TestWindowStartAndNextBoundary(t *testing.T) {
	interval := 500 * time.Millisecond
	ts := time.Date(2026, 5, 10, 14, 30, 25, 123_000_000, time.UTC)
	w := TimeWindow(ts, interval)
	assert.Equal(t, time.Date(2026, 5, 10, 14, 30, 25, 0, time.UTC), WindowStart(ts, w, interval))
	assert.Equal(t, time.Date(2026, 5, 10, 14, 30, 25, 500_000_000, time.UTC), NextBoundary(ts, interval))
}
