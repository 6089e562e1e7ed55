package session

import (
	"errors"
	"fmt"

	"github.com/go-i2p/go-porthop/lib/protocol"
	"github.com/go-i2p/go-porthop/lib/recovery"
	"github.com/go-i2p/go-porthop/lib/transport"
	"github.com/go-i2p/logger"
)

func (s *Session) startReader() {
	s.readerOnce.Do(func() {
		s.spawn(s.readLoop)
	})
}

// readLoop feeds every inbound packet to dispatch until the session or
// the transport closes.
func (s *Session) readLoop() {
	for {
		in, err := s.tr.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, transport.ErrClosed) {
				s.abort("transport closed")
				return
			}
			log.WithError(err).Debug("receive failed")
			continue
		}
		s.dispatch(in)
	}
}

// dispatch routes one packet through the state machine. Packets of a kind
// the current state does not accept are answered with a Reset.
func (s *Session) dispatch(in transport.Inbound) {
	p := in.Packet
	state := s.machine.State()
	if !s.machine.Accepts(p.Kind()) {
		s.rejectPacket(in, state)
		return
	}

	s.mu.Lock()
	id := s.id
	s.mu.Unlock()
	if state != StateListening && p.Header().Session != id {
		log.WithFields(logger.Fields{
			"at":      "(Session) dispatch",
			"kind":    p.Kind().String(),
			"session": p.Header().Session,
		}).Debug("dropping packet for another session")
		return
	}

	switch pk := p.(type) {
	case *protocol.ConnectRequest:
		s.handleConnectRequest(in, pk, state)
		return
	case *protocol.ConnectResponse:
		s.handleConnectResponse(pk)
		return
	case *protocol.RekeyRequest:
		s.handleRekeyRequest(pk)
		return
	case *protocol.RekeyResponse:
		// Signed under the new keys; the rekey exchange verifies it.
		s.deliver(pk)
		return
	case *protocol.Reset:
		s.handleReset(pk, state)
		return
	}

	if !s.verify(p) {
		return
	}
	switch pk := p.(type) {
	case *protocol.Data:
		s.handleData(pk)
	case *protocol.TimeSyncRequest:
		s.handleTimeSyncRequest(pk)
	case *protocol.RepairRequest:
		s.handleRepairRequest(pk)
	case *protocol.EmergencyRequest:
		s.handleEmergencyRequest(pk)
	case *protocol.TimeSyncResponse, *protocol.RepairResponse, *protocol.EmergencyResponse:
		s.deliver(p)
	case *protocol.Close:
		s.handleClose(pk)
	case *protocol.CloseAck:
		select {
		case s.closeAck <- struct{}{}:
		default:
		}
	case *protocol.Terminate:
		log.WithFields(logger.Fields{
			"at":     "(Session) dispatch",
			"reason": pk.Reason,
		}).Warn("peer terminated the session")
		s.machine.Fire(EventTerminateReceived)
	}
}

// verify checks p under the current keys and, until they expire, the
// keys replaced by the last rekey. Failures feed the detector.
func (s *Session) verify(p protocol.Packet) bool {
	s.mu.Lock()
	var cur, prev []byte
	if s.keys != nil {
		cur = s.keys.AuthKey
	}
	if s.prevKeys != nil {
		prev = s.prevKeys.AuthKey
	}
	s.mu.Unlock()

	if cur != nil && protocol.Verify(p, cur, s.provider) == nil {
		return true
	}
	if prev != nil && protocol.Verify(p, prev, s.provider) == nil {
		return true
	}
	log.WithFields(logger.Fields{
		"at":   "(Session) verify",
		"kind": p.Kind().String(),
		"seq":  p.Header().Seq,
	}).Warn("packet failed authentication")
	if trig, ok := s.detector.ObserveAuthFailure(); ok {
		s.recover(trig)
	}
	return false
}

// rejectPacket answers a packet the current state does not accept. The
// Reset is signed only when the offending packet authenticated, so a
// forged packet cannot make the peer tear the session down.
func (s *Session) rejectPacket(in transport.Inbound, state ConnState) {
	p := in.Packet
	entry := log.WithFields(logger.Fields{
		"at":    "(Session) rejectPacket",
		"kind":  p.Kind().String(),
		"state": state.String(),
	})
	if p.Kind() == protocol.KindReset {
		entry.Debug("ignoring unexpected reset")
		return
	}
	if p.Kind() == protocol.KindConnectResponse && (state == StateEstablished || state == StateRecovering) {
		// The listener retransmits its response while the handshake is young.
		entry.Debug("dropping duplicate connect response")
		return
	}

	s.mu.Lock()
	sched := s.sched
	var key []byte
	if s.keys != nil && protocol.Verify(p, s.keys.AuthKey, s.provider) == nil {
		key = s.keys.AuthKey
	}
	s.mu.Unlock()

	var port uint16
	switch {
	case sched != nil:
		port = sched.CurrentPort()
	case p.Kind() == protocol.KindConnectRequest:
		port = p.(*protocol.ConnectRequest).ReplyPort
	default:
		entry.Debug("dropping unexpected packet with no reply path")
		return
	}

	reset := &protocol.Reset{Reason: fmt.Sprintf("unexpected %s in %s", p.Kind(), state)}
	reset.SetHeader(protocol.Header{Session: p.Header().Session, Seq: p.Header().Seq})
	if key != nil {
		if err := protocol.Sign(reset, key, s.provider); err != nil {
			entry.WithError(err).Warn("failed to sign reset")
			return
		}
	}
	if err := s.tr.Send(s.ctx, port, reset); err != nil {
		entry.WithError(err).Debug("failed to send reset")
	}
	entry.Warn("answered unexpected packet with reset")
	if key != nil && (state == StateEstablished || state == StateRecovering) {
		s.abort(reset.Reason)
	}
}

func (s *Session) handleReset(r *protocol.Reset, state ConnState) {
	entry := log.WithFields(logger.Fields{
		"at":     "(Session) handleReset",
		"state":  state.String(),
		"reason": r.Reason,
	})
	switch state {
	case StateConnecting:
		entry.Warn("connection refused by peer")
		s.machine.Fire(EventResetReceived)
	case StateEstablished, StateRecovering, StateClosing:
		if !s.verify(r) {
			return
		}
		entry.Warn("connection reset by peer")
		if _, err := s.machine.Fire(EventResetReceived); err == nil && s.machine.State() == StateError {
			s.machine.Fire(EventCleanup)
		}
	}
}

func (s *Session) handleData(d *protocol.Data) {
	now := s.base.Now()
	s.mu.Lock()
	if s.recv == nil {
		s.mu.Unlock()
		return
	}
	res := s.recv.accept(d.Header().Seq, now)
	s.mu.Unlock()

	switch res {
	case seqAccepted:
		select {
		case s.inbox <- d.Payload:
		default:
			log.WithField("at", "(Session) handleData").Warn("receive buffer full, dropping payload")
		}
	case seqDuplicate:
		s.observeSequence(recovery.SequenceDuplicate)
	case seqGap:
		s.observeSequence(recovery.SequenceGap)
	}
}

func (s *Session) observeSequence(ev recovery.SequenceEvent) {
	log.WithFields(logger.Fields{
		"at":    "(Session) observeSequence",
		"event": ev.String(),
	}).Debug("sequence anomaly")
	if trig, ok := s.detector.ObserveSequence(ev); ok {
		s.recover(trig)
	}
}

func (s *Session) handleTimeSyncRequest(req *protocol.TimeSyncRequest) {
	t2, t3 := s.engine.Respond()
	s.reply(req, &protocol.TimeSyncResponse{
		T1: req.T1,
		T2: t2.UnixNano(),
		T3: t3.UnixNano(),
	}, s.authKey())

	s.mu.Lock()
	s.peerSyncAt = s.base.Now()
	s.peerSynced = true
	s.mu.Unlock()
}

func (s *Session) handleRepairRequest(req *protocol.RepairRequest) {
	s.mu.Lock()
	if last := s.lastRepair; last.matches(req.Nonce) {
		s.mu.Unlock()
		log.WithField("at", "(Session) handleRepairRequest").Debug("duplicate repair request, resending response")
		s.resend(last.resp)
		return
	}
	if s.recv != nil {
		s.recv.realign(req.NextSend)
	}
	if req.Expect > s.sendSeq {
		s.sendSeq = req.Expect
	}
	next := s.sendSeq
	s.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":        "(Session) handleRepairRequest",
		"peer_next": req.NextSend,
		"next":      next,
	}).Info("sequence realigned by peer")
	resp := &protocol.RepairResponse{
		Nonce:    req.Nonce,
		NextSend: next,
		Expect:   req.NextSend,
	}
	s.reply(req, resp, s.authKey())
	s.mu.Lock()
	s.lastRepair = &answered{nonce: append([]byte(nil), req.Nonce...), resp: resp}
	s.mu.Unlock()
}

func (s *Session) handleEmergencyRequest(req *protocol.EmergencyRequest) {
	if sched := s.scheduler(); sched != nil {
		sched.SetWindowSize(s.cfg.Hopping.MaxWindowSize)
	}
	log.WithField("at", "(Session) handleEmergencyRequest").Warn("peer requested emergency resynchronization")
	s.reply(req, &protocol.EmergencyResponse{Nonce: req.Nonce}, s.authKey())
}

func (s *Session) handleClose(c *protocol.Close) {
	s.reply(c, &protocol.CloseAck{}, s.authKey())
	s.machine.Fire(EventCloseReceived)
}
