package timesync

import (
	"fmt"
	"time"
)

// ErrorKind classifies synchronization failures.
type ErrorKind int

const (
	// InsufficientSamples means fewer than half of a round's exchanges
	// produced a valid sample.
	InsufficientSamples ErrorKind = iota
	// OffsetOutOfBounds means the measured offset exceeds the sanity bound.
	OffsetOutOfBounds
	// LowQuality means the round's quality score is below the required bar.
	LowQuality
	// EmergencyFailed means every emergency round failed.
	EmergencyFailed
	// ExchangeTimeout means no exchange of the round got an answer.
	ExchangeTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case InsufficientSamples:
		return "insufficient samples"
	case OffsetOutOfBounds:
		return "offset out of bounds"
	case LowQuality:
		return "low quality"
	case EmergencyFailed:
		return "emergency sync failed"
	case ExchangeTimeout:
		return "exchange timeout"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// SyncError is the structured failure reported by the engine.
type SyncError struct {
	Kind    ErrorKind
	Offset  time.Duration
	Quality float64
	Valid   int
	Total   int
	Err     error
}

func (e *SyncError) Error() string {
	msg := "timesync: " + e.Kind.String()
	switch e.Kind {
	case InsufficientSamples, ExchangeTimeout:
		msg += fmt.Sprintf(" (%d/%d valid)", e.Valid, e.Total)
	case OffsetOutOfBounds:
		msg += fmt.Sprintf(" (offset=%s)", e.Offset)
	case LowQuality, EmergencyFailed:
		msg += fmt.Sprintf(" (quality=%.1f)", e.Quality)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Retryable reports whether a later round may succeed without escalation.
func (e *SyncError) Retryable() bool {
	switch e.Kind {
	case InsufficientSamples, ExchangeTimeout, LowQuality:
		return true
	}
	return false
}
