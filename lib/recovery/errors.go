package recovery

import (
	"fmt"

	"github.com/samber/oops"
)

// ErrorKind classifies coordinator results.
type ErrorKind int

const (
	// Exhausted means every level failed and the session must be destroyed.
	Exhausted ErrorKind = iota
	// Preempted means a higher-level trigger took over this recovery.
	Preempted
	// Queued means the trigger waits behind the recovery in flight.
	Queued
	// Cancelled means the caller's context ended the recovery.
	Cancelled
	// Terminated means the coordinator already failed or was closed.
	Terminated
)

func (k ErrorKind) String() string {
	switch k {
	case Exhausted:
		return "exhausted"
	case Preempted:
		return "preempted"
	case Queued:
		return "queued"
	case Cancelled:
		return "cancelled"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// RecoveryError reports why Coordinate did not recover the session.
type RecoveryError struct {
	Kind  ErrorKind
	Level Level
	Err   error
}

func (e *RecoveryError) Error() string {
	msg := fmt.Sprintf("recovery %s at %s", e.Kind, e.Level)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RecoveryError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the session can no longer be recovered.
func (e *RecoveryError) Fatal() bool {
	return e.Kind == Exhausted || e.Kind == Terminated
}

// ErrNoAction is returned for a level without a repair action.
var ErrNoAction = oops.New("no recovery action for level")
