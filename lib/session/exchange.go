package session

import (
	"bytes"
	"context"
	"time"

	"github.com/go-i2p/go-porthop/lib/protocol"
	"github.com/samber/oops"
)

var errUnexpectedResponse = oops.New("unexpected response packet")

// exchange sends req signed under key on the current hop port and waits
// for the response carrying the same exchange id in Header.Seq.
func (s *Session) exchange(ctx context.Context, req protocol.Packet, key []byte) (protocol.Packet, error) {
	s.mu.Lock()
	if s.sched == nil || s.stopped {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.nextXID++
	xid := s.nextXID
	ch := make(chan protocol.Packet, 1)
	s.waiters[xid] = ch
	id, sched := s.id, s.sched
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.waiters, xid)
		s.mu.Unlock()
	}()

	req.SetHeader(protocol.Header{Session: id, Seq: xid, Window: sched.CurrentWindow()})
	if err := protocol.Sign(req, key, s.provider); err != nil {
		return nil, err
	}
	if err := s.tr.Send(ctx, sched.CurrentPort(), req); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, oops.Wrapf(ctx.Err(), "no %s for exchange %d", responseKind(req.Kind()), xid)
	case <-s.done:
		return nil, ErrClosed
	}
}

// deliver hands a response to the exchange waiting for it.
func (s *Session) deliver(p protocol.Packet) {
	xid := p.Header().Seq
	s.mu.Lock()
	ch, ok := s.waiters[xid]
	s.mu.Unlock()
	if !ok {
		log.WithField("at", "(Session) deliver").
			WithField("kind", p.Kind().String()).
			Debug("response for no pending exchange")
		return
	}
	select {
	case ch <- p:
	default:
	}
}

func responseKind(k protocol.Kind) protocol.Kind {
	switch k {
	case protocol.KindTimeSyncRequest:
		return protocol.KindTimeSyncResponse
	case protocol.KindRepairRequest:
		return protocol.KindRepairResponse
	case protocol.KindRekeyRequest:
		return protocol.KindRekeyResponse
	case protocol.KindEmergencyRequest:
		return protocol.KindEmergencyResponse
	}
	return k
}

// answered is the signed response to the last request of one kind. A
// duplicated request is answered with it again instead of being applied
// twice.
type answered struct {
	nonce []byte
	resp  protocol.Packet
}

func (a *answered) matches(nonce []byte) bool {
	return a != nil && bytes.Equal(a.nonce, nonce)
}

// resend sends an already signed response again on the current hop port.
func (s *Session) resend(p protocol.Packet) {
	sched := s.scheduler()
	if sched == nil {
		return
	}
	if err := s.tr.Send(s.ctx, sched.CurrentPort(), p); err != nil {
		log.WithError(err).
			WithField("kind", p.Kind().String()).
			Debug("failed to resend response")
	}
}

// reply answers the request req with resp, echoing its exchange id.
func (s *Session) reply(req, resp protocol.Packet, key []byte) {
	s.sendControl(resp, req.Header().Seq, key)
}

// sendControl signs p under key, or the current auth key when key is
// omitted, and sends it on the current hop port.
func (s *Session) sendControl(p protocol.Packet, seq uint64, key ...[]byte) {
	s.mu.Lock()
	id, sched := s.id, s.sched
	var k []byte
	if len(key) > 0 {
		k = key[0]
	} else if s.keys != nil {
		k = s.keys.AuthKey
	}
	s.mu.Unlock()
	if sched == nil {
		return
	}
	p.SetHeader(protocol.Header{Session: id, Seq: seq, Window: sched.CurrentWindow()})
	if k != nil {
		if err := protocol.Sign(p, k, s.provider); err != nil {
			log.WithError(err).Warn("failed to sign control packet")
			return
		}
	}
	if err := s.tr.Send(s.ctx, sched.CurrentPort(), p); err != nil {
		log.WithError(err).
			WithField("kind", p.Kind().String()).
			Debug("failed to send control packet")
	}
}

// probe is the time sync engine's Prober: one TimeSyncRequest exchange.
func (s *Session) probe(ctx context.Context, t1 time.Time) (time.Time, time.Time, error) {
	req := &protocol.TimeSyncRequest{T1: t1.UnixNano()}
	resp, err := s.exchange(ctx, req, s.authKey())
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	r, ok := resp.(*protocol.TimeSyncResponse)
	if !ok || r.T1 != req.T1 {
		return time.Time{}, time.Time{}, errUnexpectedResponse
	}
	return time.Unix(0, r.T2), time.Unix(0, r.T3), nil
}
