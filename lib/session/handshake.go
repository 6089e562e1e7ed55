package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/go-i2p/go-porthop/lib/config"
	"github.com/go-i2p/go-porthop/lib/crypto"
	"github.com/go-i2p/go-porthop/lib/hopping"
	"github.com/go-i2p/go-porthop/lib/protocol"
	"github.com/go-i2p/go-porthop/lib/timesync"
	"github.com/go-i2p/go-porthop/lib/transport"
	"github.com/go-i2p/go-porthop/lib/util/time/skew"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

const (
	labelSession = "porthop session"
	labelRekey   = "porthop rekey"

	// connectRetries is how many times a ConnectRequest is sent within
	// HandshakeTimeout.
	connectRetries = 5
)

// Connect runs the initiator side of the handshake. It returns once the
// session is ESTABLISHED; the first full synchronization round then runs
// in the background.
func (s *Session) Connect(ctx context.Context) error {
	if _, err := s.machine.Fire(EventConnect); err != nil {
		return err
	}
	s.startReader()
	if err := s.connect(ctx); err != nil {
		log.WithFields(logger.Fields{
			"at":     "(Session) Connect",
			"reason": err.Error(),
		}).Warn("handshake failed")
		s.machine.Fire(EventHandshakeFailed)
		return err
	}
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Session.HandshakeTimeout)
	defer cancel()

	kp, err := s.provider.GenerateKeyPair()
	if err != nil {
		return err
	}
	nonce, err := s.nonce()
	if err != nil {
		return err
	}
	id, err := s.randomUint64()
	if err != nil {
		return err
	}
	port, err := s.bindReplyPort()
	if err != nil {
		return err
	}
	hs := &handshakeState{
		local:    kp,
		nonce:    nonce,
		response: make(chan *protocol.ConnectResponse, 1),
	}
	s.mu.Lock()
	s.id = id
	s.initiator = true
	s.replyPort = port
	s.hs = hs
	s.mu.Unlock()

	interval := s.cfg.Session.RendezvousInterval
	retry := time.NewTicker(s.cfg.Session.HandshakeTimeout / connectRetries)
	defer retry.Stop()
	for {
		if err := s.sendConnectRequest(ctx, hs, id, port); err != nil {
			return err
		}
		select {
		case resp := <-hs.response:
			return s.completeConnect(hs, id, resp)
		case <-s.done:
			return ErrReset
		case <-ctx.Done():
			return oops.Wrapf(ctx.Err(), "no connect response within %s", s.cfg.Session.HandshakeTimeout)
		case <-retry.C:
			log.WithFields(logger.Fields{
				"at":       "(Session) connect",
				"session":  id,
				"interval": interval,
			}).Debug("retransmitting connect request")
		}
	}
}

func (s *Session) sendConnectRequest(ctx context.Context, hs *handshakeState, id uint64, replyPort uint16) error {
	now := s.base.Now()
	daily := crypto.DailyKey(s.psk, now)
	defer s.provider.Zero(daily)
	params, err := crypto.RendezvousParams(daily)
	if err != nil {
		return err
	}
	rng, err := hopping.NewRange(s.cfg.Hopping.MinPort, s.cfg.Hopping.MaxPort)
	if err != nil {
		return err
	}
	w := hopping.TimeWindow(now, s.cfg.Session.RendezvousInterval)

	req := &protocol.ConnectRequest{
		Public:    hs.local.Public[:],
		Nonce:     hs.nonce,
		Timestamp: now.UnixNano(),
		ReplyPort: replyPort,
	}
	req.SetHeader(protocol.Header{Session: id, Window: w})
	if err := protocol.Sign(req, daily, s.provider); err != nil {
		return err
	}
	return s.tr.Send(ctx, hopping.PortForWindow(params, w, rng), req)
}

// completeConnect derives session keys from the listener's response and
// brings the session up.
func (s *Session) completeConnect(hs *handshakeState, id uint64, resp *protocol.ConnectResponse) error {
	t4 := s.base.Now()
	if err := skew.ValidateTimestamp(t4, time.Unix(0, resp.Timestamp), s.cfg.Session.HandshakeSkew); err != nil {
		return err
	}
	secret, err := s.provider.SharedSecret(hs.local, resp.Public)
	if err != nil {
		return err
	}
	keys, params, err := s.provider.DeriveSession(secret, kdfContext(labelSession, id,
		hs.nonce, resp.Nonce, hs.local.Public[:], resp.Public))
	s.provider.Zero(secret)
	if err != nil {
		return err
	}
	if err := protocol.Verify(resp, keys.AuthKey, s.provider); err != nil {
		keys.Zero()
		return oops.Wrapf(ErrHandshakeAuth, "%v", err)
	}

	sample := timesync.Exchange{
		T1: time.Unix(0, resp.Echo),
		T2: time.Unix(0, resp.Timestamp),
		T3: time.Unix(0, resp.Timestamp),
		T4: t4,
	}
	s.engine.Bootstrap(sample.Offset())
	hs.local.Zero()

	return s.establish(keys, params)
}

// bindReplyPort binds a random port of the hop range to receive the
// ConnectResponse on.
func (s *Session) bindReplyPort() (uint16, error) {
	rng, err := hopping.NewRange(s.cfg.Hopping.MinPort, s.cfg.Hopping.MaxPort)
	if err != nil {
		return 0, err
	}
	var b [2]byte
	var lastErr error
	for i := 0; i < 8; i++ {
		if err := s.provider.Random(b[:]); err != nil {
			return 0, err
		}
		port := rng.Min + uint16(uint64(binary.BigEndian.Uint16(b[:]))%rng.Size())
		if lastErr = s.tr.Bind(port); lastErr == nil {
			return port, nil
		}
	}
	return 0, oops.Wrapf(lastErr, "failed to bind a reply port")
}

// Listen waits on the rendezvous ports for one initiator. It returns once
// the session is ESTABLISHED, or when ctx ends.
func (s *Session) Listen(ctx context.Context) error {
	if _, err := s.machine.Fire(EventListen); err != nil {
		return err
	}
	rv, err := s.newRendezvous(s.base.Now())
	if err != nil {
		s.machine.Fire(EventFatal)
		return err
	}
	s.mu.Lock()
	s.rendezvous = rv
	s.mu.Unlock()
	s.startReader()

	for {
		if err := rv.Advance(); err != nil {
			log.WithFields(logger.Fields{
				"at":     "(Session) Listen",
				"reason": err.Error(),
			}).Warn("failed to bind rendezvous window")
		}
		now := s.base.Now()
		next := rv.NextBoundary(now)
		s.rekeyRendezvous(rv, now, next)

		t := time.NewTimer(next.Sub(now))
		select {
		case <-s.established:
			t.Stop()
			return nil
		case <-s.done:
			t.Stop()
			return ErrClosed
		case <-ctx.Done():
			t.Stop()
			select {
			case <-s.established:
				return nil
			default:
			}
			s.machine.Fire(EventClose)
			return ctx.Err()
		case <-t.C:
		}
	}
}

// newRendezvous returns the scheduler of the day's rendezvous ports.
func (s *Session) newRendezvous(now time.Time) (*hopping.Scheduler, error) {
	daily := crypto.DailyKey(s.psk, now)
	defer s.provider.Zero(daily)
	params, err := crypto.RendezvousParams(daily)
	if err != nil {
		return nil, err
	}
	return hopping.NewScheduler(rendezvousConfig(s.cfg), s.base, s.tr, params)
}

func rendezvousConfig(cfg config.ConfigDefaults) config.HoppingDefaults {
	h := cfg.Hopping
	h.Interval = cfg.Session.RendezvousInterval
	h.WindowSize = 2
	h.MaxWindowSize = 2
	h.AlternateCandidates = 0
	return h
}

// rekeyRendezvous schedules the next day's rendezvous parameters when the
// coming boundary starts a new UTC day.
func (s *Session) rekeyRendezvous(rv *hopping.Scheduler, now, next time.Time) {
	if now.UTC().YearDay() == next.UTC().YearDay() {
		return
	}
	if _, pending := rv.Pending(); pending {
		return
	}
	daily := crypto.DailyKey(s.psk, next)
	defer s.provider.Zero(daily)
	params, err := crypto.RendezvousParams(daily)
	if err != nil {
		log.WithError(err).Warn("failed to derive next rendezvous parameters")
		return
	}
	rv.Rekey(params, rv.WindowAt(next))
}

// handleConnectRequest answers a connect request on the rendezvous ports.
// Requests that fail skew, MAC or replay checks are dropped without a
// reply.
func (s *Session) handleConnectRequest(in transport.Inbound, req *protocol.ConnectRequest, state ConnState) {
	now := s.base.Now()
	ts := time.Unix(0, req.Timestamp)
	if err := skew.ValidateTimestamp(now, ts, s.cfg.Session.HandshakeSkew); err != nil {
		s.rejectConnect(state, "timestamp skew", err)
		return
	}
	daily := crypto.DailyKey(s.psk, ts)
	err := protocol.Verify(req, daily, s.provider)
	s.provider.Zero(daily)
	if err != nil {
		s.rejectConnect(state, "bad MAC", err)
		return
	}

	if state != StateListening {
		s.mu.Lock()
		hs := s.hs
		id := s.id
		s.mu.Unlock()
		if hs != nil && hs.reply != nil && req.Header().Session == id && bytes.Equal(hs.peerPublic, req.Public) {
			if err := s.tr.Send(s.ctx, req.ReplyPort, hs.reply); err != nil {
				log.WithError(err).Debug("failed to resend connect response")
			}
			return
		}
		log.WithFields(logger.Fields{
			"at":    "(Session) handleConnectRequest",
			"state": state.String(),
		}).Debug("ignoring connect request for another session")
		return
	}

	var pub [32]byte
	copy(pub[:], req.Public)
	if s.replay.checkAndAdd(pub) {
		s.rejectConnect(state, "replayed request", nil)
		return
	}
	if err := s.acceptConnect(req, now); err != nil {
		s.rejectConnect(state, "key agreement", err)
	}
}

func (s *Session) acceptConnect(req *protocol.ConnectRequest, now time.Time) error {
	id := req.Header().Session
	kp, err := s.provider.GenerateKeyPair()
	if err != nil {
		return err
	}
	defer kp.Zero()
	nonce, err := s.nonce()
	if err != nil {
		return err
	}
	secret, err := s.provider.SharedSecret(kp, req.Public)
	if err != nil {
		return err
	}
	keys, params, err := s.provider.DeriveSession(secret, kdfContext(labelSession, id,
		req.Nonce, nonce, req.Public, kp.Public[:]))
	s.provider.Zero(secret)
	if err != nil {
		return err
	}

	t2, _ := s.engine.Respond()
	resp := &protocol.ConnectResponse{
		Public:    append([]byte(nil), kp.Public[:]...),
		Nonce:     nonce,
		Timestamp: t2.UnixNano(),
		Echo:      req.Timestamp,
	}
	resp.SetHeader(protocol.Header{Session: id, Window: req.Header().Window})
	if err := protocol.Sign(resp, keys.AuthKey, s.provider); err != nil {
		keys.Zero()
		return err
	}

	s.mu.Lock()
	s.id = id
	s.hs = &handshakeState{
		peerPublic: append([]byte(nil), req.Public...),
		reply:      resp,
	}
	s.rendezvousUntil = now.Add(s.cfg.Session.HandshakeTimeout)
	s.peerSyncAt = now
	s.mu.Unlock()

	if err := s.establish(keys, params); err != nil {
		return err
	}
	if err := s.tr.Send(s.ctx, req.ReplyPort, resp); err != nil {
		log.WithError(err).Warn("failed to send connect response")
	}
	log.WithFields(logger.Fields{
		"at":      "(Session) acceptConnect",
		"session": id,
	}).Info("accepted connection")
	return nil
}

func (s *Session) rejectConnect(state ConnState, reason string, err error) {
	entry := log.WithFields(logger.Fields{
		"at":     "(Session) handleConnectRequest",
		"reason": reason,
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("rejected connect request")
	if state == StateListening {
		s.machine.Fire(EventHandshakeFailed)
	}
}

// handleConnectResponse hands the listener's response to Connect.
func (s *Session) handleConnectResponse(resp *protocol.ConnectResponse) {
	s.mu.Lock()
	hs := s.hs
	s.mu.Unlock()
	if hs == nil || hs.response == nil {
		return
	}
	select {
	case hs.response <- resp:
	default:
	}
}

// establish installs session keys, binds the first hop windows and moves
// the machine to ESTABLISHED.
func (s *Session) establish(keys *crypto.SessionKeys, params hopping.Params) error {
	sched, err := hopping.NewScheduler(s.cfg.Hopping, s.engine, s.tr, params)
	if err != nil {
		keys.Zero()
		return err
	}
	sched.SetWindowSize(s.cfg.Hopping.MaxWindowSize)
	if err := sched.Advance(); err != nil {
		sched.ReleaseAll()
		keys.Zero()
		return err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		sched.ReleaseAll()
		keys.Zero()
		return ErrClosed
	}
	s.keys = keys
	s.sched = sched
	s.sendSeq = 0
	s.recv = newSequenceTracker(s.cfg.Recovery.SequenceWindow, s.cfg.Recovery.SequenceTimeout)
	replyPort := s.replyPort
	if s.initiator {
		s.replyPort = 0
	}
	s.mu.Unlock()

	if _, err := s.machine.Fire(EventHandshakeComplete); err != nil {
		return err
	}
	if s.Initiator() && replyPort != 0 && !sched.IsBound(replyPort) {
		s.tr.Unbind(replyPort)
	}
	s.estOnce.Do(func() { close(s.established) })
	if s.Initiator() {
		s.syncing.Store(true)
		if !s.spawn(s.runSync) {
			s.syncing.Store(false)
		}
	}
	s.spawn(s.hopLoop)
	log.WithFields(logger.Fields{
		"at":        "(Session) establish",
		"session":   s.ID(),
		"initiator": s.Initiator(),
		"port":      sched.CurrentPort(),
	}).Info("session established")
	return nil
}
