package timesync

import (
	"math"
	"time"
)

// Sample is one challenge/response measurement. Samples are immutable.
type Sample struct {
	Offset    time.Duration
	Delay     time.Duration
	RoundTrip time.Duration
	Quality   float64
	Timestamp time.Time
}

// Exchange holds the four timestamps of one round trip: T1 local send,
// T2 peer receive, T3 peer send, T4 local receive.
type Exchange struct {
	T1, T2, T3, T4 time.Time
}

// Delay is ((T4-T1)-(T3-T2))/2.
func (x Exchange) Delay() time.Duration {
	return (x.T4.Sub(x.T1) - x.T3.Sub(x.T2)) / 2
}

// Offset is ((T2-T1)+(T3-T4))/2. Positive means the peer is ahead.
func (x Exchange) Offset() time.Duration {
	return (x.T2.Sub(x.T1) + x.T3.Sub(x.T4)) / 2
}

// Sample converts the exchange into a Sample. Quality falls linearly with
// the one-way delay and reaches zero at one hop interval.
func (x Exchange) Sample(interval time.Duration) Sample {
	delay := x.Delay()
	q := 100 * (1 - float64(delay)/float64(interval))
	return Sample{
		Offset:    x.Offset(),
		Delay:     delay,
		RoundTrip: x.T4.Sub(x.T1),
		Quality:   clampQuality(q),
		Timestamp: x.T4,
	}
}

func (s Sample) valid(sanity time.Duration) bool {
	return s.Delay >= 0 && s.RoundTrip >= 0 && absDuration(s.Offset) < sanity
}

// WeightedOffset averages sample offsets with weight quality/(1+delay_ms).
func WeightedOffset(samples []Sample) time.Duration {
	var sum, weights float64
	for _, s := range samples {
		w := s.Quality / (1 + ms(s.Delay))
		sum += w * float64(s.Offset)
		weights += w
	}
	if weights == 0 {
		if len(samples) == 0 {
			return 0
		}
		// All samples scored zero; fall back to the plain mean.
		for _, s := range samples {
			sum += float64(s.Offset)
		}
		return time.Duration(math.Round(sum / float64(len(samples))))
	}
	return time.Duration(math.Round(sum / weights))
}

// BatchQuality scores a set of samples from 0 to 100. The score loses two
// points per millisecond of offset standard deviation (at most 60) and one
// point per five milliseconds of mean delay (at most 40).
func BatchQuality(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var mean, meanDelay float64
	for _, s := range samples {
		mean += ms(s.Offset)
		meanDelay += ms(s.Delay)
	}
	n := float64(len(samples))
	mean /= n
	meanDelay /= n

	var variance float64
	for _, s := range samples {
		d := ms(s.Offset) - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / n)

	return clampQuality(100 - math.Min(60, 2*stddev) - math.Min(40, meanDelay/5))
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func clampQuality(q float64) float64 {
	if q < 0 {
		return 0
	}
	if q > 100 {
		return 100
	}
	return q
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
