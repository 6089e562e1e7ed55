package hopping

import (
	"encoding/binary"

	"github.com/dchest/siphash"
)

// Range is an inclusive port range.
type Range struct {
	Min uint16
	Max uint16
}

// NewRange validates min and max.
func NewRange(min, max int) (Range, error) {
	if min < 1 || max > 65535 || min >= max {
		return Range{}, &HopError{Kind: InvalidRange}
	}
	return Range{Min: uint16(min), Max: uint16(max)}, nil
}

// Size is the number of ports in r.
func (r Range) Size() uint64 {
	return uint64(r.Max) - uint64(r.Min) + 1
}

// Contains reports whether port lies in r.
func (r Range) Contains(port uint16) bool {
	return port >= r.Min && port <= r.Max
}

// PortForWindow returns the primary port of window w. It is a pure function
// of its arguments.
func PortForWindow(p Params, w uint64, r Range) uint16 {
	return CandidatePort(p, w, 0, r)
}

// CandidatePort returns the attempt-th candidate of window w. Attempt 0 is the
// primary port; higher attempts are the alternates tried when binding fails.
func CandidatePort(p Params, w uint64, attempt uint32, r Range) uint16 {
	var msg [12]byte
	binary.BigEndian.PutUint64(msg[0:8], w)
	binary.BigEndian.PutUint32(msg[8:12], attempt)
	k0 := uint64(p.PortSeed)<<32 | uint64(p.HopSequenceSeed)
	h := siphash.Hash(k0, p.PatternSeed, msg[:])
	return fold(h, r)
}

// fold maps any 64-bit value into r by modular reduction.
func fold(h uint64, r Range) uint16 {
	return uint16(uint64(r.Min) + h%r.Size())
}
