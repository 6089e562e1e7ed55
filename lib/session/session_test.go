package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-i2p/go-porthop/lib/config"
	"github.com/go-i2p/go-porthop/lib/crypto"
	"github.com/go-i2p/go-porthop/lib/protocol"
	"github.com/go-i2p/go-porthop/lib/recovery"
	"github.com/go-i2p/go-porthop/lib/timesync"
	"github.com/go-i2p/go-porthop/lib/transport"
	"github.com/go-i2p/go-porthop/lib/util/time/monotonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPSK = []byte("correct horse battery staple")

func testConfig() config.ConfigDefaults {
	cfg := config.Defaults()
	cfg.Hopping.Interval = 100 * time.Millisecond
	cfg.Hopping.MinPort = 20000
	cfg.Hopping.MaxPort = 40000
	cfg.TimeSync.ExchangeTimeout = 100 * time.Millisecond
	cfg.Session.HandshakeTimeout = 2 * time.Second
	cfg.Session.RendezvousInterval = time.Second
	cfg.Session.CloseTimeout = 500 * time.Millisecond
	cfg.Recovery.BaseBackoff = 5 * time.Millisecond
	cfg.Recovery.MaxBackoff = 20 * time.Millisecond
	cfg.Recovery.AttemptRate = 1000
	cfg.Recovery.AttemptBurst = 100
	return cfg
}

type pair struct {
	client, server *Session
	ca, cb         *transport.PipeEnd
}

// newPair connects a client and a server over an in-memory pipe.
func newPair(t *testing.T, cfg config.ConfigDefaults, clientClock monotonic.Source) *pair {
	t.Helper()
	ca, cb := transport.NewPipe(512)
	server, err := New(Options{Config: cfg, Transport: cb, PSK: testPSK})
	require.NoError(t, err)
	client, err := New(Options{Config: cfg, Transport: ca, PSK: testPSK, Clock: clientClock})
	require.NoError(t, err)
	p := &pair{client: client, server: server, ca: ca, cb: cb}
	t.Cleanup(func() {
		client.Close()
		server.Close()
		ca.Close()
		cb.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	listened := make(chan error, 1)
	go func() { listened <- server.Listen(ctx) }()
	require.Eventually(t, func() bool { return cb.BoundPorts() > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Connect(ctx))
	require.NoError(t, <-listened)
	return p
}

func (p *pair) waitSynchronized(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.client.TimeState().Status == timesync.Synchronized
	}, 3*time.Second, 10*time.Millisecond)
}

func receive(t *testing.T, s *Session) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := s.Receive(ctx)
	require.NoError(t, err)
	return b
}

func TestSessionEstablish(t *testing.T) {
	p := newPair(t, testConfig(), nil)

	assert.Equal(t, StateEstablished, p.client.State())
	assert.Equal(t, StateEstablished, p.server.State())
	assert.NotZero(t, p.client.ID())
	assert.Equal(t, p.client.ID(), p.server.ID())
	assert.True(t, p.client.Initiator())
	assert.False(t, p.server.Initiator())

	p.waitSynchronized(t)

	// Both peers derive the same schedule from the shared keys.
	cs, ss := p.client.scheduler(), p.server.scheduler()
	w := cs.CurrentWindow()
	for i := uint64(1); i <= 5; i++ {
		assert.Equal(t, cs.PortFor(w+i), ss.PortFor(w+i))
	}
	assert.NotEmpty(t, p.client.Bindings())
	assert.Len(t, p.client.Schedule(3), 3)
}

func TestSessionDataBothWays(t *testing.T) {
	p := newPair(t, testConfig(), nil)
	p.waitSynchronized(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.client.Send(ctx, []byte{'c', byte(i)}))
		assert.Equal(t, []byte{'c', byte(i)}, receive(t, p.server))
	}
	// Keep sending across several hop boundaries.
	for i := 0; i < 3; i++ {
		time.Sleep(120 * time.Millisecond)
		require.NoError(t, p.server.Send(ctx, []byte{'s', byte(i)}))
		assert.Equal(t, []byte{'s', byte(i)}, receive(t, p.client))
	}

	err := p.client.Send(ctx, make([]byte, testConfig().Session.MaxPayload+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestSessionSkewedClock(t *testing.T) {
	skewed := monotonic.NewOffsetClock(monotonic.SystemClock{})
	skewed.SetOffset(300 * time.Millisecond)
	p := newPair(t, testConfig(), skewed)
	p.waitSynchronized(t)

	assert.InDelta(t, float64(-300*time.Millisecond), float64(p.client.TimeState().Offset), float64(20*time.Millisecond))
	assert.WithinDuration(t, p.server.Now(), p.client.Now(), 25*time.Millisecond)

	require.NoError(t, p.client.Send(context.Background(), []byte("aligned")))
	assert.Equal(t, []byte("aligned"), receive(t, p.server))
}

func TestSessionClose(t *testing.T) {
	p := newPair(t, testConfig(), nil)
	p.waitSynchronized(t)

	require.NoError(t, p.client.Close())
	assert.Equal(t, StateClosed, p.client.State())
	select {
	case <-p.server.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not close")
	}
	assert.Equal(t, StateClosed, p.server.State())

	assert.Zero(t, p.ca.BoundPorts())
	assert.Zero(t, p.cb.BoundPorts())

	_, err := p.client.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, p.client.Send(context.Background(), []byte("late")), ErrNotEstablished)
}

func TestSessionWrongPSK(t *testing.T) {
	cfg := testConfig()
	cfg.Session.HandshakeTimeout = 500 * time.Millisecond
	ca, cb := transport.NewPipe(64)
	defer ca.Close()
	defer cb.Close()

	server, err := New(Options{Config: cfg, Transport: cb, PSK: testPSK})
	require.NoError(t, err)
	client, err := New(Options{Config: cfg, Transport: ca, PSK: []byte("wrong")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	listened := make(chan error, 1)
	go func() { listened <- server.Listen(ctx) }()
	require.Eventually(t, func() bool { return cb.BoundPorts() > 0 }, time.Second, 5*time.Millisecond)

	assert.Error(t, client.Connect(context.Background()))
	assert.Equal(t, StateClosed, client.State())
	assert.Zero(t, ca.BoundPorts(), "reply port released")
	assert.Equal(t, StateListening, server.State())

	cancel()
	assert.ErrorIs(t, <-listened, context.Canceled)
	assert.Equal(t, StateClosed, server.State())
	assert.Zero(t, cb.BoundPorts())
}

func TestSessionRequiresPSK(t *testing.T) {
	ca, _ := transport.NewPipe(1)
	_, err := New(Options{Config: testConfig(), Transport: ca})
	assert.ErrorIs(t, err, ErrNoPSK)
}

func TestSessionForceRekey(t *testing.T) {
	p := newPair(t, testConfig(), nil)
	p.waitSynchronized(t)

	cs, ss := p.client.scheduler(), p.server.scheduler()
	w := cs.CurrentWindow() + 20
	before := cs.PortFor(w)
	_ = before

	require.NoError(t, p.client.ForceRekey(context.Background()))
	assert.Equal(t, recovery.LevelNone, p.client.RecoveryLevel())
	assert.Equal(t, StateEstablished, p.client.State())

	require.Eventually(t, func() bool {
		_, pending := ss.Pending()
		return pending
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, cs.PortFor(w), ss.PortFor(w))

	// Past the switch both sides hop on the new parameters.
	time.Sleep(600 * time.Millisecond)
	require.NoError(t, p.client.Send(context.Background(), []byte("rekeyed")))
	assert.Equal(t, []byte("rekeyed"), receive(t, p.server))
	require.NoError(t, p.server.Send(context.Background(), []byte("ack")))
	assert.Equal(t, []byte("ack"), receive(t, p.client))
}

func TestSessionAuthFailuresTriggerRekey(t *testing.T) {
	p := newPair(t, testConfig(), nil)
	p.waitSynchronized(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		forged := &protocol.Data{Payload: []byte("forged")}
		forged.SetHeader(protocol.Header{Session: p.server.ID(), Seq: uint64(i)})
		forged.SetMAC(make([]byte, 32))
		require.NoError(t, p.ca.Send(ctx, p.server.CurrentPort(), forged))
	}

	require.Eventually(t, func() bool {
		st := p.server.RecoveryState()
		for _, e := range st.History {
			if e.To == recovery.LevelSessionRekey {
				return st.Level == recovery.LevelNone && !st.InFlight
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateEstablished, p.server.State())

	time.Sleep(600 * time.Millisecond)
	require.NoError(t, p.client.Send(ctx, []byte("still here")))
	assert.Equal(t, []byte("still here"), receive(t, p.server))
}

func TestSessionSequenceRepair(t *testing.T) {
	p := newPair(t, testConfig(), nil)
	p.waitSynchronized(t)
	ctx := context.Background()

	require.NoError(t, p.client.Send(ctx, []byte("before")))
	assert.Equal(t, []byte("before"), receive(t, p.server))

	p.client.mu.Lock()
	p.client.sendSeq += 500
	p.client.mu.Unlock()
	require.NoError(t, p.client.Send(ctx, []byte("lost")))

	require.Eventually(t, func() bool {
		st := p.server.RecoveryState()
		return st.TotalAttempts > 0 && st.Level == recovery.LevelNone && !st.InFlight
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, recovery.LevelSequenceRepair, p.server.RecoveryState().History[0].To)

	require.NoError(t, p.client.Send(ctx, []byte("after")))
	assert.Equal(t, []byte("after"), receive(t, p.server))
}

func TestSessionUnexpectedPacketResets(t *testing.T) {
	p := newPair(t, testConfig(), nil)
	p.waitSynchronized(t)

	// An unsigned stray packet is answered with an unsigned reset, which
	// the client ignores.
	stray := &protocol.CloseAck{}
	stray.SetHeader(protocol.Header{Session: p.server.ID()})
	require.NoError(t, p.ca.Send(context.Background(), p.server.CurrentPort(), stray))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateEstablished, p.client.State())
	assert.Equal(t, StateEstablished, p.server.State())

	// An authenticated one means the peers disagree on the state.
	signed := &protocol.CloseAck{}
	signed.SetHeader(protocol.Header{Session: p.server.ID()})
	require.NoError(t, protocol.Sign(signed, p.server.authKey(), p.server.provider))
	require.NoError(t, p.ca.Send(context.Background(), p.server.CurrentPort(), signed))

	for _, s := range []*Session{p.client, p.server} {
		select {
		case <-s.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("session not torn down")
		}
		assert.Equal(t, StateClosed, s.State())
	}
}

func TestSessionNotifications(t *testing.T) {
	p := newPair(t, testConfig(), nil)
	p.waitSynchronized(t)

	var states []ConnState
	synced := false
	deadline := time.After(time.Second)
	for !synced {
		select {
		case n := <-p.client.Notifications():
			switch n.Kind {
			case NotifyState:
				states = append(states, n.State)
			case NotifySynchronized:
				synced = true
			}
		case <-deadline:
			t.Fatal("no synchronized notification")
		}
	}
	assert.Equal(t, []ConnState{StateConnecting, StateEstablished}, states)
}

// keysOf copies the current session keys.
func keysOf(s *Session) (auth, rekey []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		return nil, nil
	}
	return append([]byte(nil), s.keys.AuthKey...), append([]byte(nil), s.keys.RekeyKey...)
}

func waitClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionDuplicateRekeyRequest(t *testing.T) {
	p := newPair(t, testConfig(), nil)
	p.waitSynchronized(t)
	ctx := context.Background()

	var sent atomic.Pointer[protocol.RekeyRequest]
	p.ca.SetDropFunc(func(port uint16, pkt protocol.Packet) bool {
		if req, ok := pkt.(*protocol.RekeyRequest); ok {
			sent.Store(req)
		}
		return false
	})

	cs, ss := p.client.scheduler(), p.server.scheduler()
	require.NoError(t, p.client.ForceRekey(ctx))
	require.Eventually(t, func() bool {
		_, pending := ss.Pending()
		return pending
	}, time.Second, 5*time.Millisecond)
	req := sent.Load()
	require.NotNil(t, req)
	serverAuth, _ := keysOf(p.server)

	// The same request arriving again must not start a second rekey.
	require.NoError(t, p.ca.Send(ctx, p.server.CurrentPort(), req))
	time.Sleep(100 * time.Millisecond)

	clientAuth, _ := keysOf(p.client)
	afterAuth, _ := keysOf(p.server)
	assert.Equal(t, serverAuth, afterAuth)
	assert.Equal(t, clientAuth, afterAuth)
	w := cs.CurrentWindow() + 20
	assert.Equal(t, cs.PortFor(w), ss.PortFor(w))

	time.Sleep(600 * time.Millisecond)
	require.NoError(t, p.client.Send(ctx, []byte("same keys")))
	assert.Equal(t, []byte("same keys"), receive(t, p.server))
}

func TestSessionDuplicateRepairRequest(t *testing.T) {
	p := newPair(t, testConfig(), nil)
	p.waitSynchronized(t)
	ctx := context.Background()

	var sent atomic.Pointer[protocol.RepairRequest]
	p.cb.SetDropFunc(func(port uint16, pkt protocol.Packet) bool {
		if req, ok := pkt.(*protocol.RepairRequest); ok {
			sent.Store(req)
		}
		return false
	})

	require.NoError(t, p.client.Send(ctx, []byte("before")))
	assert.Equal(t, []byte("before"), receive(t, p.server))
	p.client.mu.Lock()
	p.client.sendSeq += 500
	p.client.mu.Unlock()
	require.NoError(t, p.client.Send(ctx, []byte("lost")))

	require.Eventually(t, func() bool {
		st := p.server.RecoveryState()
		return st.TotalAttempts > 0 && st.Level == recovery.LevelNone && !st.InFlight
	}, 3*time.Second, 10*time.Millisecond)
	req := sent.Load()
	require.NotNil(t, req)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.server.Send(ctx, []byte{'s', byte(i)}))
		assert.Equal(t, []byte{'s', byte(i)}, receive(t, p.client))
	}
	p.client.mu.Lock()
	expected := p.client.recv.expected
	p.client.mu.Unlock()

	require.NoError(t, p.cb.Send(ctx, p.client.CurrentPort(), req))
	time.Sleep(100 * time.Millisecond)

	p.client.mu.Lock()
	assert.Equal(t, expected, p.client.recv.expected, "a repeated repair request does not move the counter back")
	p.client.mu.Unlock()
	require.NoError(t, p.server.Send(ctx, []byte("in order")))
	assert.Equal(t, []byte("in order"), receive(t, p.client))
}

func TestSessionDuplicateConnectResponse(t *testing.T) {
	p := newPair(t, testConfig(), nil)
	ctx := context.Background()

	p.server.mu.Lock()
	var reply *protocol.ConnectResponse
	if p.server.hs != nil {
		reply = p.server.hs.reply
	}
	p.server.mu.Unlock()
	require.NotNil(t, reply)

	require.NoError(t, p.cb.Send(ctx, p.client.CurrentPort(), reply))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StateEstablished, p.client.State())
	assert.Equal(t, StateEstablished, p.server.State())

	require.NoError(t, p.client.Send(ctx, []byte("still up")))
	assert.Equal(t, []byte("still up"), receive(t, p.server))
}

func TestSessionRecoveringIgnoresConnectRetransmit(t *testing.T) {
	p := newPair(t, testConfig(), nil)
	p.waitSynchronized(t)
	ctx := context.Background()

	_, err := p.server.machine.Fire(EventRecoveryStarted)
	require.NoError(t, err)
	var resets atomic.Int32
	p.cb.SetDropFunc(func(port uint16, pkt protocol.Packet) bool {
		if pkt.Kind() == protocol.KindReset {
			resets.Add(1)
		}
		return false
	})

	now := time.Now()
	daily := crypto.DailyKey(testPSK, now)
	req := &protocol.ConnectRequest{
		Public:    make([]byte, 32),
		Nonce:     make([]byte, 16),
		Timestamp: now.UnixNano(),
	}
	req.Public[0] = 9
	req.SetHeader(protocol.Header{Session: p.server.ID()})
	require.NoError(t, protocol.Sign(req, daily, p.server.provider))
	require.NoError(t, p.ca.Send(ctx, p.server.CurrentPort(), req))
	time.Sleep(150 * time.Millisecond)

	assert.Zero(t, resets.Load())
	for _, c := range p.client.detector.Conditions() {
		assert.NotEqual(t, recovery.CategoryAuth, c.Category, "unexpected condition %s", c.Reason)
	}
	assert.Equal(t, StateRecovering, p.server.State())
	assert.Equal(t, StateEstablished, p.client.State())
}

func TestSessionEmergencyResync(t *testing.T) {
	skewed := monotonic.NewOffsetClock(monotonic.SystemClock{})
	skewed.SetOffset(200 * time.Millisecond)
	p := newPair(t, testConfig(), skewed)
	p.waitSynchronized(t)
	ctx := context.Background()

	cs, ss := p.client.scheduler(), p.server.scheduler()
	require.NoError(t, p.client.EmergencyResync(ctx))
	assert.Equal(t, timesync.Synchronized, p.client.TimeState().Status)
	assert.InDelta(t, float64(-200*time.Millisecond), float64(p.client.TimeState().Offset), float64(20*time.Millisecond))

	require.Eventually(t, func() bool {
		_, pending := ss.Pending()
		return pending
	}, time.Second, 5*time.Millisecond)
	w := cs.CurrentWindow() + 20
	assert.Equal(t, cs.PortFor(w), ss.PortFor(w))
	clientAuth, _ := keysOf(p.client)
	serverAuth, _ := keysOf(p.server)
	assert.Equal(t, clientAuth, serverAuth)

	time.Sleep(600 * time.Millisecond)
	require.NoError(t, p.client.Send(ctx, []byte("after emergency")))
	assert.Equal(t, []byte("after emergency"), receive(t, p.server))
}

func TestSessionTerminate(t *testing.T) {
	p := newPair(t, testConfig(), nil)
	p.waitSynchronized(t)
	sched := p.server.scheduler()

	require.NoError(t, p.client.Terminate(context.Background()))
	waitClosed(t, p.server)

	auth, _ := keysOf(p.server)
	assert.Nil(t, auth)
	assert.True(t, sched.Params().IsZero())
	assert.Nil(t, p.server.Schedule(2))
	assert.Zero(t, p.cb.BoundPorts())
}

func TestSessionRecoveryExhaustedCloses(t *testing.T) {
	cfg := testConfig()
	cfg.Recovery.MaxAttemptsPerLevel = 1
	cfg.Session.HandshakeTimeout = 500 * time.Millisecond
	p := newPair(t, cfg, nil)
	p.waitSynchronized(t)

	p.client.mu.Lock()
	keys := p.client.keys
	p.client.mu.Unlock()
	require.NotNil(t, keys)
	sched := p.client.scheduler()
	require.False(t, sched.Params().IsZero())

	// The peer becomes unreachable; the rekey cannot complete.
	var terminated atomic.Bool
	p.ca.SetDropFunc(func(port uint16, pkt protocol.Packet) bool {
		if pkt.Kind() == protocol.KindTerminate {
			terminated.Store(true)
		}
		return true
	})

	err := p.client.ForceRekey(context.Background())
	var re *recovery.RecoveryError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, recovery.Exhausted, re.Kind)
	waitClosed(t, p.client)

	assert.True(t, terminated.Load(), "peer was told before giving up")
	assert.Equal(t, make([]byte, len(keys.AuthKey)), keys.AuthKey)
	assert.Equal(t, make([]byte, len(keys.RekeyKey)), keys.RekeyKey)
	assert.True(t, sched.Params().IsZero())
	_, pending := sched.Pending()
	assert.False(t, pending)
	assert.Nil(t, p.client.Schedule(2))
	assert.Zero(t, p.ca.BoundPorts())
}
