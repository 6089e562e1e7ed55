package session

import (
	"bytes"
	"context"
	"errors"

	"github.com/go-i2p/go-porthop/lib/crypto"
	"github.com/go-i2p/go-porthop/lib/hopping"
	"github.com/go-i2p/go-porthop/lib/protocol"
	"github.com/go-i2p/go-porthop/lib/recovery"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var errNonceMismatch = oops.New("response nonce does not match request")

// recover hands trig to the recovery coordinator on a session goroutine.
func (s *Session) recover(trig recovery.Trigger) {
	if st := s.machine.State(); st != StateEstablished && st != StateRecovering {
		return
	}
	s.spawn(func() {
		err := s.coord.Coordinate(s.ctx, trig)
		var re *recovery.RecoveryError
		if errors.As(err, &re) && re.Kind == recovery.Exhausted {
			s.machine.Fire(EventRecoveryFailed)
			s.abort("recovery exhausted")
		}
	})
}

// onRecoveryEvent mirrors coordinator level changes into the state
// machine's RECOVERING state and sub-state.
func (s *Session) onRecoveryEvent(ev recovery.Event) {
	switch {
	case ev.To == recovery.LevelNone:
		s.machine.Fire(EventRecoverySucceeded)
		s.detector.Clear()
	case ev.From == recovery.LevelNone:
		if s.machine.State() == StateEstablished {
			s.machine.Fire(EventRecoveryStarted)
		}
		s.machine.SetRecoveryLevel(ev.To)
	default:
		s.machine.SetRecoveryLevel(ev.To)
	}
	s.emit(Notification{Kind: NotifyRecovery, Level: ev.To, Reason: ev.Reason})
}

// ResyncTime runs one synchronization round. It implements
// recovery.Actions.
func (s *Session) ResyncTime(ctx context.Context) error {
	residual, err := s.engine.Synchronize(ctx)
	if err != nil {
		return err
	}
	s.synchronized(residual)
	return nil
}

// RepairSequence exchanges sequence counters with the peer and realigns
// both directions.
func (s *Session) RepairSequence(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Session.HandshakeTimeout)
	defer cancel()
	nonce, err := s.nonce()
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.recv == nil {
		s.mu.Unlock()
		return ErrClosed
	}
	req := &protocol.RepairRequest{Nonce: nonce, NextSend: s.sendSeq, Expect: s.recv.expected}
	s.mu.Unlock()

	resp, err := s.exchange(ctx, req, s.authKey())
	if err != nil {
		return err
	}
	r, ok := resp.(*protocol.RepairResponse)
	if !ok {
		return errUnexpectedResponse
	}
	if !bytes.Equal(r.Nonce, nonce) {
		return errNonceMismatch
	}
	s.mu.Lock()
	s.recv.realign(r.NextSend)
	if r.Expect > s.sendSeq {
		s.sendSeq = r.Expect
	}
	s.mu.Unlock()
	log.WithFields(logger.Fields{
		"at":        "(Session) RepairSequence",
		"peer_next": r.NextSend,
	}).Info("sequence repaired")
	return nil
}

// Rekey agrees on fresh session keys and hop parameters. The new
// parameters take effect RekeyLeadWindows windows ahead so both peers
// switch on the same boundary.
func (s *Session) Rekey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Session.HandshakeTimeout)
	defer cancel()
	sched := s.scheduler()
	if sched == nil {
		return ErrClosed
	}
	kp, err := s.provider.GenerateKeyPair()
	if err != nil {
		return err
	}
	defer kp.Zero()
	nonce, err := s.nonce()
	if err != nil {
		return err
	}
	effective := hopping.Neighbor(sched.CurrentWindow(), int64(s.cfg.Hopping.RekeyLeadWindows), sched.Interval())
	req := &protocol.RekeyRequest{
		Public:    append([]byte(nil), kp.Public[:]...),
		Nonce:     nonce,
		Effective: effective,
	}

	s.mu.Lock()
	if s.keys == nil {
		s.mu.Unlock()
		return ErrClosed
	}
	rekeyKey, id := s.keys.RekeyKey, s.id
	s.mu.Unlock()

	resp, err := s.exchange(ctx, req, rekeyKey)
	if err != nil {
		return err
	}
	r, ok := resp.(*protocol.RekeyResponse)
	if !ok || r.Effective != effective {
		return errUnexpectedResponse
	}
	secret, err := s.provider.SharedSecret(kp, r.Public)
	if err != nil {
		return err
	}
	keys, params, err := s.provider.DeriveSession(secret, kdfContext(labelRekey, id,
		nonce, r.Nonce, kp.Public[:], r.Public))
	s.provider.Zero(secret)
	if err != nil {
		return err
	}
	if err := protocol.Verify(r, keys.AuthKey, s.provider); err != nil {
		keys.Zero()
		return err
	}
	s.installKeys(keys, params, effective, false)
	return nil
}

// handleRekeyRequest answers a peer's rekey. A copy of the request already
// answered gets the same response again. A new request signed under the
// keys the last rekey replaced means our response was lost, so the
// replaced keys are the base again.
func (s *Session) handleRekeyRequest(req *protocol.RekeyRequest) {
	s.mu.Lock()
	var cur, prev []byte
	if s.keys != nil {
		cur = s.keys.RekeyKey
	}
	if s.prevKeys != nil {
		prev = s.prevKeys.RekeyKey
	}
	id, sched := s.id, s.sched
	s.mu.Unlock()
	if sched == nil {
		return
	}

	redo := false
	switch {
	case cur != nil && protocol.Verify(req, cur, s.provider) == nil:
	case prev != nil && protocol.Verify(req, prev, s.provider) == nil:
		redo = true
	default:
		log.WithField("at", "(Session) handleRekeyRequest").Warn("rekey request failed authentication")
		if trig, ok := s.detector.ObserveAuthFailure(); ok {
			s.recover(trig)
		}
		return
	}

	s.mu.Lock()
	last := s.lastRekey
	s.mu.Unlock()
	if last.matches(req.Nonce) {
		log.WithField("at", "(Session) handleRekeyRequest").Debug("duplicate rekey request, resending response")
		s.resend(last.resp)
		return
	}

	lead := int64(s.cfg.Hopping.RekeyLeadWindows)
	ahead := hopping.Distance(sched.CurrentWindow(), req.Effective, sched.Interval())
	if ahead <= 0 || ahead > 2*lead {
		log.WithFields(logger.Fields{
			"at":    "(Session) handleRekeyRequest",
			"ahead": ahead,
		}).Warn("rekey request with unusable effective window")
		return
	}

	kp, err := s.provider.GenerateKeyPair()
	if err != nil {
		log.WithError(err).Error("failed to generate rekey key pair")
		return
	}
	defer kp.Zero()
	nonce, err := s.nonce()
	if err != nil {
		return
	}
	secret, err := s.provider.SharedSecret(kp, req.Public)
	if err != nil {
		log.WithError(err).Warn("rekey key agreement failed")
		return
	}
	keys, params, err := s.provider.DeriveSession(secret, kdfContext(labelRekey, id,
		req.Nonce, nonce, req.Public, kp.Public[:]))
	s.provider.Zero(secret)
	if err != nil {
		return
	}

	resp := &protocol.RekeyResponse{
		Public:    append([]byte(nil), kp.Public[:]...),
		Nonce:     nonce,
		Effective: req.Effective,
	}
	s.reply(req, resp, keys.AuthKey)
	s.mu.Lock()
	s.lastRekey = &answered{nonce: append([]byte(nil), req.Nonce...), resp: resp}
	s.mu.Unlock()
	s.installKeys(keys, params, req.Effective, redo)
}

// installKeys switches to keys at once and to params from window
// effective. The replaced keys keep verifying packets until the new
// parameters have been active for RekeyLeadWindows windows. With replace
// set the current keys are discarded and the previous ones kept.
func (s *Session) installKeys(keys *crypto.SessionKeys, params hopping.Params, effective uint64, replace bool) {
	s.mu.Lock()
	sched := s.sched
	if replace {
		s.keys.Zero()
	} else {
		s.prevKeys.Zero()
		s.prevKeys = s.keys
	}
	s.keys = keys
	s.prevUntil = hopping.Neighbor(effective, int64(s.cfg.Hopping.RekeyLeadWindows), s.cfg.Hopping.Interval)
	s.mu.Unlock()

	sched.Rekey(params, effective)
	log.WithFields(logger.Fields{
		"at":        "(Session) installKeys",
		"effective": effective,
	}).Info("session rekeyed")
	s.emit(Notification{Kind: NotifyRekeyed, Window: effective})
}

// EmergencyResync asks the peer to widen its window, runs the emergency
// synchronization path and finishes with a rekey.
func (s *Session) EmergencyResync(ctx context.Context) error {
	sched := s.scheduler()
	if sched == nil {
		return ErrClosed
	}
	sched.SetWindowSize(s.cfg.Hopping.MaxWindowSize)

	xctx, cancel := context.WithTimeout(ctx, s.cfg.Session.HandshakeTimeout)
	nonce, err := s.nonce()
	if err != nil {
		cancel()
		return err
	}
	resp, err := s.exchange(xctx, &protocol.EmergencyRequest{Nonce: nonce}, s.authKey())
	cancel()
	if err != nil {
		return err
	}
	r, ok := resp.(*protocol.EmergencyResponse)
	if !ok {
		return errUnexpectedResponse
	}
	if !bytes.Equal(r.Nonce, nonce) {
		return errNonceMismatch
	}

	residual, err := s.engine.EmergencySync(ctx)
	if err != nil {
		return err
	}
	s.synchronized(residual)
	return s.Rekey(ctx)
}

// Terminate tells the peer the session is being destroyed. Delivery is
// best effort.
func (s *Session) Terminate(ctx context.Context) error {
	sched := s.scheduler()
	key := s.authKey()
	if sched == nil || key == nil {
		return ErrClosed
	}
	t := &protocol.Terminate{Reason: "recovery exhausted"}
	t.SetHeader(protocol.Header{Session: s.ID(), Window: sched.CurrentWindow()})
	if err := protocol.Sign(t, key, s.provider); err != nil {
		return err
	}
	return s.tr.Send(ctx, sched.CurrentPort(), t)
}

// ForceRekey runs a rekey through the recovery coordinator.
func (s *Session) ForceRekey(ctx context.Context) error {
	return s.coordinate(ctx, recovery.Trigger{
		Level:    recovery.LevelSessionRekey,
		Category: recovery.CategoryAuth,
		Reason:   "rekey requested",
	})
}

// Resync runs a time synchronization round through the recovery
// coordinator.
func (s *Session) Resync(ctx context.Context) error {
	return s.coordinate(ctx, recovery.Trigger{
		Level:    recovery.LevelTimeSync,
		Category: recovery.CategoryTime,
		Reason:   "resync requested",
	})
}

func (s *Session) coordinate(ctx context.Context, trig recovery.Trigger) error {
	if st := s.machine.State(); st != StateEstablished && st != StateRecovering {
		return oops.Wrapf(ErrNotEstablished, "state %s", st)
	}
	err := s.coord.Coordinate(ctx, trig)
	var re *recovery.RecoveryError
	if errors.As(err, &re) && re.Kind == recovery.Exhausted {
		s.machine.Fire(EventRecoveryFailed)
		s.abort("recovery exhausted")
	}
	return err
}
