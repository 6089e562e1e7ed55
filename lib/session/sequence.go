package session

import "time"

type seqResult int

const (
	seqAccepted seqResult = iota
	seqDuplicate
	seqGap
)

// sequenceTracker keeps the receive side of the data sequence space. It
// accepts packets up to window ahead of the next expected number and
// remembers which of those arrived early.
type sequenceTracker struct {
	window    uint64
	timeout   time.Duration
	expected  uint64
	ahead     map[uint64]struct{}
	holeSince time.Time
}

func newSequenceTracker(window int, timeout time.Duration) *sequenceTracker {
	return &sequenceTracker{
		window:  uint64(window),
		timeout: timeout,
		ahead:   make(map[uint64]struct{}),
	}
}

func (t *sequenceTracker) accept(seq uint64, now time.Time) seqResult {
	switch {
	case seq < t.expected:
		return seqDuplicate
	case seq == t.expected:
		t.expected++
		for {
			if _, ok := t.ahead[t.expected]; !ok {
				break
			}
			delete(t.ahead, t.expected)
			t.expected++
		}
		if len(t.ahead) == 0 {
			t.holeSince = time.Time{}
		} else {
			t.holeSince = now
		}
		return seqAccepted
	case seq-t.expected > t.window:
		return seqGap
	}
	if _, ok := t.ahead[seq]; ok {
		return seqDuplicate
	}
	t.ahead[seq] = struct{}{}
	if t.holeSince.IsZero() {
		t.holeSince = now
	}
	return seqAccepted
}

// timedOut reports whether a hole in the sequence has stayed open longer
// than the timeout.
func (t *sequenceTracker) timedOut(now time.Time) bool {
	return !t.holeSince.IsZero() && now.Sub(t.holeSince) > t.timeout
}

// realign makes next the next expected sequence number.
func (t *sequenceTracker) realign(next uint64) {
	t.expected = next
	t.ahead = make(map[uint64]struct{})
	t.holeSince = time.Time{}
}
