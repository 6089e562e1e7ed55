package timesync

import "time"

type driftPoint struct {
	at     time.Time
	offset time.Duration
}

// estimateDrift fits offset against time by least squares and returns the
// slope in parts per million. ok is false with fewer than three points or
// no time spread.
func estimateDrift(points []driftPoint) (ppm float64, ok bool) {
	if len(points) < 3 {
		return 0, false
	}
	origin := points[0].at
	var sx, sy float64
	for _, p := range points {
		sx += float64(p.at.Sub(origin))
		sy += float64(p.offset)
	}
	n := float64(len(points))
	mx, my := sx/n, sy/n

	var cov, varx float64
	for _, p := range points {
		dx := float64(p.at.Sub(origin)) - mx
		cov += dx * (float64(p.offset) - my)
		varx += dx * dx
	}
	if varx == 0 {
		return 0, false
	}
	return cov / varx * 1e6, true
}
