package hopping

import "fmt"

// HopErrorKind classifies scheduler failures.
type HopErrorKind int

const (
	// BindFailed means no candidate port of a window could be bound.
	BindFailed HopErrorKind = iota
	// InvalidRange means the configured port range is unusable.
	InvalidRange
	// InvalidParams means parameter material was malformed.
	InvalidParams
	// Released means the scheduler was released and binds nothing more.
	Released
)

func (k HopErrorKind) String() string {
	switch k {
	case BindFailed:
		return "bind failed"
	case InvalidRange:
		return "invalid port range"
	case InvalidParams:
		return "invalid parameters"
	case Released:
		return "scheduler released"
	default:
		return fmt.Sprintf("HopErrorKind(%d)", int(k))
	}
}

// HopError reports a scheduler failure with the window and port involved.
type HopError struct {
	Kind   HopErrorKind
	Window uint64
	Port   uint16
	Err    error
}

func (e *HopError) Error() string {
	msg := fmt.Sprintf("hopping: %s (window=%d", e.Kind, e.Window)
	if e.Port != 0 {
		msg += fmt.Sprintf(" port=%d", e.Port)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *HopError) Unwrap() error {
	return e.Err
}
