package session

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/go-porthop/lib/config"
	"github.com/go-i2p/go-porthop/lib/crypto"
	"github.com/go-i2p/go-porthop/lib/hopping"
	"github.com/go-i2p/go-porthop/lib/protocol"
	"github.com/go-i2p/go-porthop/lib/recovery"
	"github.com/go-i2p/go-porthop/lib/timesync"
	"github.com/go-i2p/go-porthop/lib/transport"
	"github.com/go-i2p/go-porthop/lib/util/time/monotonic"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var (
	ErrNotEstablished  = oops.New("session is not established")
	ErrClosed          = oops.New("session is closed")
	ErrPayloadTooLarge = oops.New("payload exceeds maximum size")
	ErrHandshakeAuth   = oops.New("handshake authentication failed")
	ErrReset           = oops.New("connection reset by peer")
	ErrNoPSK           = oops.New("a pre-shared key is required")
)

// Options configures a Session.
type Options struct {
	Config    config.ConfigDefaults
	Transport transport.Transport
	// Crypto defaults to crypto.Standard.
	Crypto crypto.Provider
	// Clock is the local clock. Defaults to the system clock.
	Clock monotonic.Source
	// PSK authenticates connect requests. Both peers must share it.
	PSK []byte
}

// handshakeState holds what a handshake needs after the session is up:
// the initiator's ephemeral key until the response arrives, and the
// listener's response for retransmitted requests.
type handshakeState struct {
	local      *crypto.KeyPair
	nonce      []byte
	response   chan *protocol.ConnectResponse
	peerPublic []byte
	reply      *protocol.ConnectResponse
}

// Session is one port-hopping connection to a single peer. It owns the
// peer's TimeSyncEngine, PortScheduler, RecoveryCoordinator and connection
// state machine. A Session is used for one connection; create a new one to
// reconnect.
type Session struct {
	cfg      config.ConfigDefaults
	tr       transport.Transport
	provider crypto.Provider
	base     monotonic.Source
	psk      []byte

	machine  *Machine
	engine   *timesync.Engine
	detector *recovery.Detector
	coord    *recovery.Coordinator
	replay   *replayCache

	mu              sync.Mutex
	stopped         bool
	initiator       bool
	id              uint64
	sched           *hopping.Scheduler
	rendezvous      *hopping.Scheduler
	rendezvousUntil time.Time
	replyPort       uint16
	keys            *crypto.SessionKeys
	prevKeys        *crypto.SessionKeys
	prevUntil       uint64
	sendSeq         uint64
	recv            *sequenceTracker
	peerSyncAt      time.Time
	peerSynced      bool
	waiters         map[uint64]chan protocol.Packet
	nextXID         uint64
	hs              *handshakeState
	lastRekey       *answered
	lastRepair      *answered

	syncing     atomic.Bool
	readerOnce  sync.Once
	established chan struct{}
	estOnce     sync.Once
	closeAck    chan struct{}
	inbox       chan []byte
	notify      chan Notification
	dropped     atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a session in CLOSED. Call Connect or Listen to start it.
func New(opts Options) (*Session, error) {
	if err := config.Validate(opts.Config); err != nil {
		return nil, err
	}
	if opts.Transport == nil {
		return nil, oops.New("a transport is required")
	}
	if len(opts.PSK) == 0 {
		return nil, ErrNoPSK
	}
	if opts.Crypto == nil {
		opts.Crypto = crypto.Standard{}
	}
	if opts.Clock == nil {
		opts.Clock = monotonic.SystemClock{}
	}
	cfg := opts.Config

	s := &Session{
		cfg:         cfg,
		tr:          opts.Transport,
		provider:    opts.Crypto,
		base:        opts.Clock,
		psk:         append([]byte(nil), opts.PSK...),
		waiters:     make(map[uint64]chan protocol.Packet),
		established: make(chan struct{}),
		closeAck:    make(chan struct{}, 1),
		inbox:       make(chan []byte, cfg.Session.ReceiveBuffer),
		notify:      make(chan Notification, cfg.Session.NotificationBuffer),
		done:        make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.machine = NewMachine(s.cleanup)
	s.machine.SetObserver(s.onTransition)
	s.engine = timesync.NewEngine(cfg.TimeSync, cfg.Hopping.Interval, s.base, timesync.ProberFunc(s.probe))
	s.detector = recovery.NewDetector(cfg.Recovery, cfg.TimeSync.Tolerance, cfg.TimeSync.StaleAfter, s.base)
	s.coord = recovery.NewCoordinator(cfg.Recovery, s.base, s)
	s.coord.SetObserver(s.onRecoveryEvent)
	s.replay = newReplayCache(2*cfg.Session.HandshakeSkew, s.base)
	return s, nil
}

// State returns the connection state.
func (s *Session) State() ConnState {
	return s.machine.State()
}

// RecoveryLevel returns the recovery sub-state.
func (s *Session) RecoveryLevel() recovery.Level {
	return s.machine.RecoveryLevel()
}

// RecoveryState returns a snapshot of the recovery coordinator.
func (s *Session) RecoveryState() recovery.State {
	return s.coord.State()
}

// TimeState returns a snapshot of the time sync engine.
func (s *Session) TimeState() timesync.State {
	return s.engine.State()
}

// Now returns the session's synchronized clock.
func (s *Session) Now() time.Time {
	return s.engine.Now()
}

// ID returns the session id, zero before a handshake started.
func (s *Session) ID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Initiator reports whether this side called Connect.
func (s *Session) Initiator() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initiator
}

// CurrentPort returns the port of the current hop window, or zero before
// the session is established.
func (s *Session) CurrentPort() uint16 {
	sched := s.scheduler()
	if sched == nil {
		return 0
	}
	return sched.CurrentPort()
}

// Schedule returns the next n hop slots.
func (s *Session) Schedule(n int) []hopping.Slot {
	sched := s.scheduler()
	if sched == nil {
		return nil
	}
	return sched.Schedule(s.engine.Now(), n)
}

// Bindings returns the ports currently bound for the session.
func (s *Session) Bindings() []hopping.Binding {
	sched := s.scheduler()
	if sched == nil {
		return nil
	}
	return sched.Bindings()
}

// Notifications returns the channel state, recovery, sync and rekey
// notifications are delivered on. Notifications are dropped when the
// channel is full.
func (s *Session) Notifications() <-chan Notification {
	return s.notify
}

// DroppedNotifications counts notifications lost to a full channel.
func (s *Session) DroppedNotifications() uint64 {
	return s.dropped.Load()
}

// Done is closed once the session reached CLOSED and released its
// resources.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send transmits payload as one data packet on the current hop port.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	if st := s.machine.State(); st != StateEstablished && st != StateRecovering {
		return oops.Wrapf(ErrNotEstablished, "state %s", st)
	}
	if len(payload) > s.cfg.Session.MaxPayload {
		return oops.Wrapf(ErrPayloadTooLarge, "%d > %d bytes", len(payload), s.cfg.Session.MaxPayload)
	}
	s.mu.Lock()
	if s.keys == nil || s.sched == nil {
		s.mu.Unlock()
		return ErrClosed
	}
	seq := s.sendSeq
	s.sendSeq++
	id, key, sched := s.id, s.keys.AuthKey, s.sched
	s.mu.Unlock()

	p := &protocol.Data{Payload: append([]byte(nil), payload...)}
	p.SetHeader(protocol.Header{Session: id, Seq: seq, Window: sched.CurrentWindow()})
	if err := protocol.Sign(p, key, s.provider); err != nil {
		return err
	}
	return s.tr.Send(ctx, sched.CurrentPort(), p)
}

// Receive returns the next delivered payload.
func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-s.inbox:
		return b, nil
	default:
	}
	select {
	case b := <-s.inbox:
		return b, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the session down. An established session sends Close and
// waits up to CloseTimeout for the peer's CloseAck.
func (s *Session) Close() error {
	switch s.machine.State() {
	case StateClosed:
	case StateEstablished, StateRecovering:
		s.coord.Close()
		if _, err := s.machine.Fire(EventClose); err == nil {
			s.closeHandshake()
		}
	case StateClosing:
		<-s.done
	default:
		s.machine.Fire(EventClose)
	}
	s.wg.Wait()
	return nil
}

// closeHandshake sends Close until the peer acknowledges or CloseTimeout
// passes.
func (s *Session) closeHandshake() {
	timeout := time.NewTimer(s.cfg.Session.CloseTimeout)
	defer timeout.Stop()
	retry := time.NewTicker(s.cfg.Session.CloseTimeout / 4)
	defer retry.Stop()

	for {
		s.sendControl(&protocol.Close{}, 0)
		select {
		case <-s.closeAck:
			s.machine.Fire(EventCloseAck)
			return
		case <-s.done:
			return
		case <-timeout.C:
			log.WithField("at", "(Session) Close").Warn("no close ack from peer")
			s.machine.Fire(EventCloseTimeout)
			return
		case <-retry.C:
		}
	}
}

// abort tears the session down after an unrecoverable failure.
func (s *Session) abort(reason string) {
	log.WithFields(logger.Fields{
		"at":     "(Session) abort",
		"state":  s.machine.State().String(),
		"reason": reason,
	}).Warn("aborting session")
	if s.machine.State() != StateError {
		s.machine.Fire(EventFatal)
	}
	if s.machine.State() == StateError {
		s.machine.Fire(EventCleanup)
	}
}

// cleanup runs once on entering CLOSED. It stops every session goroutine,
// releases all ports and zeroes key material.
func (s *Session) cleanup() {
	s.mu.Lock()
	s.stopped = true
	sched, rv := s.sched, s.rendezvous
	keys, prev := s.keys, s.prevKeys
	s.keys, s.prevKeys = nil, nil
	s.lastRekey, s.lastRepair = nil, nil
	replyPort := s.replyPort
	s.replyPort = 0
	hs := s.hs
	s.mu.Unlock()

	s.cancel()
	s.coord.Close()
	if sched != nil {
		sched.ReleaseAll()
	}
	if rv != nil {
		rv.ReleaseAll()
	}
	if replyPort != 0 && (sched == nil || !sched.IsBound(replyPort)) {
		s.tr.Unbind(replyPort)
	}
	keys.Zero()
	prev.Zero()
	if hs != nil {
		hs.local.Zero()
	}
	s.provider.Zero(s.psk)
	close(s.done)
	log.WithFields(logger.Fields{
		"at":      "(Session) cleanup",
		"session": s.ID(),
	}).Debug("session resources released")
}

// spawn runs f on a session goroutine unless the session is shutting down.
func (s *Session) spawn(f func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
	return true
}

func (s *Session) scheduler() *hopping.Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched
}

func (s *Session) authKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		return nil
	}
	return s.keys.AuthKey
}

func (s *Session) onTransition(from, to ConnState, ev Event) {
	s.emit(Notification{Kind: NotifyState, From: from, State: to, Reason: ev.String()})
}

func (s *Session) emit(n Notification) {
	n.At = s.base.Now()
	if n.State == 0 && n.Kind != NotifyState {
		n.State = s.machine.State()
	}
	select {
	case s.notify <- n:
	default:
		s.dropped.Add(1)
	}
}

// randomUint64 returns a non-zero random value.
func (s *Session) randomUint64() (uint64, error) {
	var b [8]byte
	for {
		if err := s.provider.Random(b[:]); err != nil {
			return 0, err
		}
		if v := binary.BigEndian.Uint64(b[:]); v != 0 {
			return v, nil
		}
	}
}

func (s *Session) nonce() ([]byte, error) {
	b := make([]byte, 16)
	if err := s.provider.Random(b); err != nil {
		return nil, err
	}
	return b, nil
}

// kdfContext binds derived keys to the session id and both sides'
// handshake contributions.
func kdfContext(label string, id uint64, parts ...[]byte) []byte {
	b := append([]byte(label), 0)
	b = binary.BigEndian.AppendUint64(b, id)
	for _, p := range parts {
		b = binary.BigEndian.AppendUint16(b, uint16(len(p)))
		b = append(b, p...)
	}
	return b
}
