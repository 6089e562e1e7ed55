package session

import (
	"fmt"
	"sync"

	"github.com/go-i2p/go-porthop/lib/protocol"
	"github.com/go-i2p/go-porthop/lib/recovery"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// TransitionError is returned for an event the current state does not
// accept.
type TransitionError struct {
	From  ConnState
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s in state %s", e.Event, e.From)
}

// ErrInvalidTransition matches any *TransitionError with errors.Is.
var ErrInvalidTransition = &TransitionError{}

func (e *TransitionError) Is(target error) bool {
	_, ok := target.(*TransitionError)
	return ok
}

type transitionKey struct {
	state ConnState
	event Event
}

type transition struct {
	next   ConnState
	action Action
}

var transitions = map[transitionKey]transition{
	{StateClosed, EventConnect}: {StateConnecting, ActionStartHandshake},
	{StateClosed, EventListen}:  {StateListening, ActionBindRendezvous},

	{StateConnecting, EventHandshakeComplete}: {StateEstablished, ActionStartHopping},
	{StateConnecting, EventHandshakeFailed}:   {StateClosed, ActionAbort},
	{StateConnecting, EventResetReceived}:     {StateClosed, ActionAbort},
	{StateConnecting, EventClose}:             {StateClosed, ActionAbort},
	{StateConnecting, EventFatal}:             {StateClosed, ActionAbort},

	{StateListening, EventHandshakeComplete}: {StateEstablished, ActionStartHopping},
	{StateListening, EventHandshakeFailed}:   {StateListening, ActionNone},
	{StateListening, EventClose}:             {StateClosed, ActionAbort},
	{StateListening, EventFatal}:             {StateClosed, ActionAbort},

	{StateEstablished, EventRecoveryStarted}:   {StateRecovering, ActionBeginRecovery},
	{StateEstablished, EventClose}:             {StateClosing, ActionSendClose},
	{StateEstablished, EventCloseReceived}:     {StateClosed, ActionSendCloseAck},
	{StateEstablished, EventResetReceived}:     {StateError, ActionAbort},
	{StateEstablished, EventTerminateReceived}: {StateClosed, ActionAbort},
	{StateEstablished, EventFatal}:             {StateError, ActionAbort},

	{StateRecovering, EventRecoveryStarted}:   {StateRecovering, ActionNone},
	{StateRecovering, EventRecoverySucceeded}: {StateEstablished, ActionResumeHopping},
	{StateRecovering, EventRecoveryFailed}:    {StateError, ActionAbort},
	{StateRecovering, EventClose}:             {StateClosing, ActionSendClose},
	{StateRecovering, EventCloseReceived}:     {StateClosed, ActionSendCloseAck},
	{StateRecovering, EventResetReceived}:     {StateError, ActionAbort},
	{StateRecovering, EventTerminateReceived}: {StateClosed, ActionAbort},
	{StateRecovering, EventFatal}:             {StateError, ActionAbort},

	{StateClosing, EventCloseAck}:          {StateClosed, ActionNone},
	{StateClosing, EventCloseTimeout}:      {StateClosed, ActionNone},
	{StateClosing, EventCloseReceived}:     {StateClosed, ActionSendCloseAck},
	{StateClosing, EventResetReceived}:     {StateClosed, ActionNone},
	{StateClosing, EventTerminateReceived}: {StateClosed, ActionNone},
	{StateClosing, EventFatal}:             {StateClosed, ActionNone},

	{StateError, EventCleanup}: {StateClosed, ActionNone},
	{StateError, EventClose}:   {StateClosed, ActionNone},
}

// accepted lists the packet kinds each state handles. Anything else is
// answered with a Reset.
var accepted = map[ConnState]map[protocol.Kind]bool{
	StateListening: kinds(protocol.KindConnectRequest),
	StateConnecting: kinds(
		protocol.KindConnectResponse,
		protocol.KindReset,
	),
	StateEstablished: kinds(
		protocol.KindConnectRequest,
		protocol.KindTimeSyncRequest, protocol.KindTimeSyncResponse,
		protocol.KindRepairRequest, protocol.KindRepairResponse,
		protocol.KindRekeyRequest, protocol.KindRekeyResponse,
		protocol.KindEmergencyRequest, protocol.KindEmergencyResponse,
		protocol.KindData, protocol.KindClose, protocol.KindReset, protocol.KindTerminate,
	),
	StateRecovering: kinds(
		protocol.KindConnectRequest,
		protocol.KindTimeSyncRequest, protocol.KindTimeSyncResponse,
		protocol.KindRepairRequest, protocol.KindRepairResponse,
		protocol.KindRekeyRequest, protocol.KindRekeyResponse,
		protocol.KindEmergencyRequest, protocol.KindEmergencyResponse,
		protocol.KindData, protocol.KindClose, protocol.KindReset, protocol.KindTerminate,
	),
	StateClosing: kinds(
		protocol.KindClose, protocol.KindCloseAck,
		protocol.KindReset, protocol.KindTerminate,
		protocol.KindData,
	),
}

func kinds(ks ...protocol.Kind) map[protocol.Kind]bool {
	m := make(map[protocol.Kind]bool, len(ks))
	for _, k := range ks {
		m[k] = true
	}
	return m
}

// Machine is the table-driven connection state machine. It also carries the
// recovery sub-state, which is only allowed to differ from NONE while
// ESTABLISHED or RECOVERING.
type Machine struct {
	mu        sync.Mutex
	state     ConnState
	sub       recovery.Level
	onEnter   func(from, to ConnState, ev Event)
	onClosed  func()
	closeOnce *sync.Once
}

// NewMachine returns a machine in CLOSED. onClosed runs exactly once per
// connection, on the first transition into CLOSED after leaving it.
func NewMachine(onClosed func()) *Machine {
	return &Machine{
		state:     StateClosed,
		onClosed:  onClosed,
		closeOnce: new(sync.Once),
	}
}

// SetObserver installs f to be called after every transition. f runs
// without the machine lock held.
func (m *Machine) SetObserver(f func(from, to ConnState, ev Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnter = f
}

// State returns the current state.
func (m *Machine) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RecoveryLevel returns the recovery sub-state.
func (m *Machine) RecoveryLevel() recovery.Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sub
}

// Fire applies ev and returns the action the session must perform.
func (m *Machine) Fire(ev Event) (Action, error) {
	m.mu.Lock()
	from := m.state
	t, ok := transitions[transitionKey{from, ev}]
	if !ok {
		m.mu.Unlock()
		log.WithFields(logger.Fields{
			"at":    "(Machine) Fire",
			"state": from.String(),
			"event": ev.String(),
		}).Warn("invalid state transition")
		return ActionNone, &TransitionError{From: from, Event: ev}
	}
	m.state = t.next
	if t.next != StateEstablished && t.next != StateRecovering {
		m.sub = recovery.LevelNone
	}
	if t.next == StateEstablished && from == StateRecovering {
		m.sub = recovery.LevelNone
	}
	if from == StateClosed && t.next != StateClosed {
		m.closeOnce = new(sync.Once)
	}
	once := m.closeOnce
	observer := m.onEnter
	m.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":     "(Machine) Fire",
		"from":   from.String(),
		"to":     t.next.String(),
		"event":  ev.String(),
		"action": t.action.String(),
	}).Debug("state transition")
	if observer != nil && from != t.next {
		observer(from, t.next, ev)
	}
	if t.next == StateClosed && m.onClosed != nil {
		once.Do(m.onClosed)
	}
	return t.action, nil
}

// SetRecoveryLevel records the recovery sub-state.
func (m *Machine) SetRecoveryLevel(l recovery.Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l != recovery.LevelNone && m.state != StateEstablished && m.state != StateRecovering {
		return oops.Errorf("recovery level %s not allowed in state %s", l, m.state)
	}
	m.sub = l
	return nil
}

// Accepts reports whether a packet of kind k is valid in the current state.
func (m *Machine) Accepts(k protocol.Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return accepted[m.state][k]
}
