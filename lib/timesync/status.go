package timesync

import "fmt"

// Status is the engine's synchronization state.
type Status int

const (
	// Unsynchronized is the state before the first successful round.
	Unsynchronized Status = iota
	Synchronized
	// Adjusting means gradual correction steps are still queued.
	Adjusting
	Emergency
	Failed
)

func (s Status) String() string {
	switch s {
	case Unsynchronized:
		return "UNSYNCHRONIZED"
	case Synchronized:
		return "SYNCHRONIZED"
	case Adjusting:
		return "ADJUSTING"
	case Emergency:
		return "EMERGENCY"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}
