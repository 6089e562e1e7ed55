package session

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/go-i2p/go-porthop/lib/protocol"
	"github.com/go-i2p/go-porthop/lib/recovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fire(t *testing.T, m *Machine, evs ...Event) {
	t.Helper()
	for _, ev := range evs {
		_, err := m.Fire(ev)
		require.NoError(t, err, "event %s", ev)
	}
}

func TestMachineInitiatorLifecycle(t *testing.T) {
	var closed atomic.Int32
	m := NewMachine(func() { closed.Add(1) })
	assert.Equal(t, StateClosed, m.State())

	action, err := m.Fire(EventConnect)
	require.NoError(t, err)
	assert.Equal(t, ActionStartHandshake, action)
	assert.Equal(t, StateConnecting, m.State())

	action, err = m.Fire(EventHandshakeComplete)
	require.NoError(t, err)
	assert.Equal(t, ActionStartHopping, action)
	assert.Equal(t, StateEstablished, m.State())

	action, err = m.Fire(EventClose)
	require.NoError(t, err)
	assert.Equal(t, ActionSendClose, action)
	assert.Equal(t, StateClosing, m.State())
	assert.Zero(t, closed.Load())

	fire(t, m, EventCloseAck)
	assert.Equal(t, StateClosed, m.State())
	assert.EqualValues(t, 1, closed.Load())
}

func TestMachineListenerFailuresStayListening(t *testing.T) {
	m := NewMachine(nil)
	fire(t, m, EventListen, EventHandshakeFailed, EventHandshakeFailed)
	assert.Equal(t, StateListening, m.State())
	fire(t, m, EventHandshakeComplete)
	assert.Equal(t, StateEstablished, m.State())
}

func TestMachineInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	action, err := m.Fire(EventHandshakeComplete)
	assert.Equal(t, ActionNone, action)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StateClosed, te.From)
	assert.Equal(t, EventHandshakeComplete, te.Event)
	assert.Equal(t, StateClosed, m.State(), "state unchanged")

	fire(t, m, EventConnect)
	_, err = m.Fire(EventCloseAck)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMachineCleanupRunsOncePerConnection(t *testing.T) {
	paths := map[string][]Event{
		"handshake failed": {EventConnect, EventHandshakeFailed},
		"close ack":        {EventConnect, EventHandshakeComplete, EventClose, EventCloseAck},
		"close timeout":    {EventListen, EventHandshakeComplete, EventClose, EventCloseTimeout},
		"peer close":       {EventConnect, EventHandshakeComplete, EventCloseReceived},
		"reset":            {EventConnect, EventHandshakeComplete, EventResetReceived, EventCleanup},
		"recovery failed": {EventConnect, EventHandshakeComplete, EventRecoveryStarted,
			EventRecoveryFailed, EventCleanup},
		"terminate": {EventListen, EventHandshakeComplete, EventRecoveryStarted, EventTerminateReceived},
		"fatal":     {EventConnect, EventHandshakeComplete, EventFatal, EventCleanup},
	}
	for name, evs := range paths {
		t.Run(name, func(t *testing.T) {
			var closed atomic.Int32
			m := NewMachine(func() { closed.Add(1) })
			fire(t, m, evs...)
			assert.Equal(t, StateClosed, m.State())
			assert.EqualValues(t, 1, closed.Load())

			fire(t, m, EventConnect, EventHandshakeFailed)
			assert.EqualValues(t, 2, closed.Load(), "a new connection cleans up again")
		})
	}
}

func TestMachineRecoveryLevel(t *testing.T) {
	m := NewMachine(nil)
	assert.Error(t, m.SetRecoveryLevel(recovery.LevelTimeSync), "not allowed while CLOSED")
	assert.NoError(t, m.SetRecoveryLevel(recovery.LevelNone))

	fire(t, m, EventConnect, EventHandshakeComplete, EventRecoveryStarted)
	require.NoError(t, m.SetRecoveryLevel(recovery.LevelSequenceRepair))
	assert.Equal(t, recovery.LevelSequenceRepair, m.RecoveryLevel())

	fire(t, m, EventRecoverySucceeded)
	assert.Equal(t, StateEstablished, m.State())
	assert.Equal(t, recovery.LevelNone, m.RecoveryLevel())

	fire(t, m, EventRecoveryStarted)
	require.NoError(t, m.SetRecoveryLevel(recovery.LevelSessionRekey))
	fire(t, m, EventClose)
	assert.Equal(t, StateClosing, m.State())
	assert.Equal(t, recovery.LevelNone, m.RecoveryLevel())
}

func TestMachineObserver(t *testing.T) {
	m := NewMachine(nil)
	type step struct {
		from, to ConnState
		ev       Event
	}
	var seen []step
	m.SetObserver(func(from, to ConnState, ev Event) {
		// The lock is not held, so reading state is safe.
		assert.Equal(t, to, m.State())
		seen = append(seen, step{from, to, ev})
	})
	fire(t, m, EventListen, EventHandshakeFailed, EventHandshakeComplete)
	assert.Equal(t, []step{
		{StateClosed, StateListening, EventListen},
		{StateListening, StateEstablished, EventHandshakeComplete},
	}, seen)
}

func TestMachineAccepts(t *testing.T) {
	m := NewMachine(nil)
	for k := protocol.KindConnectRequest; k <= protocol.KindTerminate; k++ {
		assert.False(t, m.Accepts(k), "CLOSED accepts nothing, got %s", k)
	}

	fire(t, m, EventListen)
	assert.True(t, m.Accepts(protocol.KindConnectRequest))
	assert.False(t, m.Accepts(protocol.KindData))
	assert.False(t, m.Accepts(protocol.KindReset))

	fire(t, m, EventHandshakeComplete)
	assert.True(t, m.Accepts(protocol.KindData))
	assert.True(t, m.Accepts(protocol.KindRekeyRequest))
	assert.False(t, m.Accepts(protocol.KindCloseAck))
	assert.False(t, m.Accepts(protocol.KindConnectResponse))

	fire(t, m, EventRecoveryStarted)
	assert.True(t, m.Accepts(protocol.KindConnectRequest), "retransmitted requests are not reset")
	assert.False(t, m.Accepts(protocol.KindConnectResponse))

	fire(t, m, EventClose)
	assert.True(t, m.Accepts(protocol.KindCloseAck))
	assert.False(t, m.Accepts(protocol.KindTimeSyncRequest))
}

func TestStringers(t *testing.T) {
	assert.Equal(t, "RECOVERING", StateRecovering.String())
	assert.Equal(t, "close ack", EventCloseAck.String())
	assert.Equal(t, "send close", ActionSendClose.String())
	assert.Equal(t, "rekeyed", NotifyRekeyed.String())
}
