package hopping

import (
	"encoding/binary"
	"time"
)

// ParamsSize is the number of derived bytes ParamsFromMaterial consumes.
const ParamsSize = 20

// maxTimeVariance bounds the per-session phase shift.
const maxTimeVariance = 100 * time.Millisecond

// Params is the per-session hop seed material. It is derived once from a
// shared secret and identical on both peers.
type Params struct {
	PortSeed        uint32
	HopSequenceSeed uint32
	// TimeVariance shifts this session's window boundaries so that parallel
	// sessions do not all hop on the same instant.
	TimeVariance time.Duration
	PatternSeed  uint64
}

// ParamsFromMaterial decodes ParamsSize bytes of key-derivation output.
func ParamsFromMaterial(b []byte) (Params, error) {
	if len(b) < ParamsSize {
		return Params{}, &HopError{Kind: InvalidParams}
	}
	variance := time.Duration(binary.BigEndian.Uint32(b[8:12])%uint32(maxTimeVariance/time.Millisecond)) * time.Millisecond
	return Params{
		PortSeed:        binary.BigEndian.Uint32(b[0:4]),
		HopSequenceSeed: binary.BigEndian.Uint32(b[4:8]),
		TimeVariance:    variance,
		PatternSeed:     binary.BigEndian.Uint64(b[12:20]),
	}, nil
}

// IsZero reports whether p carries no seed material.
func (p Params) IsZero() bool {
	return p == Params{}
}

// phase returns the window shift within one interval.
func (p Params) phase(interval time.Duration) time.Duration {
	if p.TimeVariance <= 0 {
		return 0
	}
	return p.TimeVariance % interval
}

// WindowAt is TimeWindow shifted by this session's phase.
func (p Params) WindowAt(t time.Time, interval time.Duration) uint64 {
	return TimeWindow(t.Add(-p.phase(interval)), interval)
}

// WindowStartAt is WindowStart shifted by this session's phase.
func (p Params) WindowStartAt(t time.Time, w uint64, interval time.Duration) time.Time {
	shifted := t.Add(-p.phase(interval))
	return WindowStart(shifted, w, interval).Add(p.phase(interval))
}
