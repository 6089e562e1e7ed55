package skew

import (
	"fmt"
	"time"

	"github.com/go-i2p/logger"
)

// HandshakeTolerance is the maximum difference between a connect request's
// timestamp and the local clock.
const HandshakeTolerance = 60 * time.Second

// Error is returned when a peer timestamp falls outside the accepted window.
type Error struct {
	// Peer is the timestamp reported by the peer.
	Peer time.Time
	// Local is the local reading used for the comparison.
	Local time.Time
	// Skew is peer - local. Positive means the peer is ahead.
	Skew time.Duration
	// Tolerance is the window that was exceeded.
	Tolerance time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("clock skew too large: peer=%s local=%s skew=%s (tolerance=%s)",
		e.Peer.UTC().Format(time.RFC3339Nano), e.Local.UTC().Format(time.RFC3339Nano), e.Skew, e.Tolerance)
}

// ValidateTimestamp checks that peer lies within ±tolerance of now.
//
// A zero peer timestamp is always rejected, and a non-positive tolerance is
// a programming error reported as such.
func ValidateTimestamp(now, peer time.Time, tolerance time.Duration) error {
	if tolerance <= 0 {
		return fmt.Errorf("clock skew: tolerance must be positive, got %s", tolerance)
	}
	if peer.IsZero() {
		return fmt.Errorf("clock skew: peer timestamp is zero")
	}

	skew := peer.Sub(now)
	if skew > tolerance || skew < -tolerance {
		log.WithFields(logger.Fields{
			"at":        "ValidateTimestamp",
			"reason":    "peer timestamp outside tolerance",
			"peer":      peer.UTC().Format(time.RFC3339Nano),
			"local":     now.UTC().Format(time.RFC3339Nano),
			"skew":      skew.String(),
			"tolerance": tolerance.String(),
		}).Warn("rejecting peer timestamp")
		return &Error{Peer: peer, Local: now, Skew: skew, Tolerance: tolerance}
	}
	return nil
}

// Measure returns peer - now, for diagnostics without enforcement.
func Measure(now, peer time.Time) time.Duration {
	if peer.IsZero() {
		return 0
	}
	return peer.Sub(now)
}
