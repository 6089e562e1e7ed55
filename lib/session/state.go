package session

import "fmt"

// ConnState is the connection state of a session.
type ConnState int

const (
	StateClosed ConnState = iota
	StateConnecting
	StateListening
	StateEstablished
	StateClosing
	StateRecovering
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnecting:
		return "CONNECTING"
	case StateListening:
		return "LISTENING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateRecovering:
		return "RECOVERING"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Event drives the state machine.
type Event int

const (
	EventConnect Event = iota + 1
	EventListen
	EventHandshakeComplete
	EventHandshakeFailed
	EventRecoveryStarted
	EventRecoverySucceeded
	EventRecoveryFailed
	EventClose
	EventCloseReceived
	EventCloseAck
	EventCloseTimeout
	EventResetReceived
	EventTerminateReceived
	EventCleanup
	// EventFatal reports an unrecoverable local failure such as a dead
	// transport.
	EventFatal
)

var eventNames = map[Event]string{
	EventConnect:           "connect",
	EventListen:            "listen",
	EventHandshakeComplete: "handshake complete",
	EventHandshakeFailed:   "handshake failed",
	EventRecoveryStarted:   "recovery started",
	EventRecoverySucceeded: "recovery succeeded",
	EventRecoveryFailed:    "recovery failed",
	EventClose:             "close",
	EventCloseReceived:     "close received",
	EventCloseAck:          "close ack",
	EventCloseTimeout:      "close timeout",
	EventResetReceived:     "reset received",
	EventTerminateReceived: "terminate received",
	EventCleanup:           "cleanup",
	EventFatal:             "fatal",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// Action is the side effect a transition asks the session to perform.
type Action int

const (
	ActionNone Action = iota
	ActionStartHandshake
	ActionBindRendezvous
	ActionStartHopping
	ActionBeginRecovery
	ActionResumeHopping
	ActionSendClose
	ActionSendCloseAck
	ActionAbort
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionStartHandshake:
		return "start handshake"
	case ActionBindRendezvous:
		return "bind rendezvous"
	case ActionStartHopping:
		return "start hopping"
	case ActionBeginRecovery:
		return "begin recovery"
	case ActionResumeHopping:
		return "resume hopping"
	case ActionSendClose:
		return "send close"
	case ActionSendCloseAck:
		return "send close ack"
	case ActionAbort:
		return "abort"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}
