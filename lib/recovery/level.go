package recovery

import "fmt"

// Level is a rung of the escalation chain. Higher values are more severe.
type Level int

const (
	LevelNone Level = iota
	LevelTimeSync
	LevelSequenceRepair
	LevelSessionRekey
	LevelEmergency
	LevelConnectionTerminate
	LevelFailed
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "NONE"
	case LevelTimeSync:
		return "TIME_SYNC"
	case LevelSequenceRepair:
		return "SEQUENCE_REPAIR"
	case LevelSessionRekey:
		return "SESSION_REKEY"
	case LevelEmergency:
		return "EMERGENCY"
	case LevelConnectionTerminate:
		return "CONNECTION_TERMINATE"
	case LevelFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// Category groups failure conditions by what went wrong.
type Category int

const (
	CategoryTime Category = iota + 1
	CategorySequence
	CategoryAuth
)

func (c Category) String() string {
	switch c {
	case CategoryTime:
		return "time"
	case CategorySequence:
		return "sequence"
	case CategoryAuth:
		return "auth"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

// Level is the lowest level that can plausibly fix c.
func (c Category) Level() Level {
	switch c {
	case CategoryTime:
		return LevelTimeSync
	case CategorySequence:
		return LevelSequenceRepair
	case CategoryAuth:
		return LevelSessionRekey
	}
	return LevelEmergency
}

// Trigger asks the coordinator to recover at Level.
type Trigger struct {
	Level    Level
	Category Category
	Reason   string
}
