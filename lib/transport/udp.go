package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/go-i2p/go-porthop/lib/config"
	"github.com/go-i2p/go-porthop/lib/protocol"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// UDP is a Transport with one socket per bound hop port.
type UDP struct {
	cfg  config.TransportDefaults
	host net.IP

	mu       sync.Mutex
	conns    map[uint16]*net.UDPConn
	sendConn *net.UDPConn
	peer     net.IP

	queue     chan Inbound
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
}

var _ Transport = (*UDP)(nil)

// NewUDP creates a UDP transport. peerHost may be empty for a listener, in
// which case the peer address is learned from the first inbound packet.
func NewUDP(cfg config.TransportDefaults, peerHost string) (*UDP, error) {
	host := net.ParseIP(cfg.ListenHost)
	if host == nil {
		return nil, oops.Errorf("invalid listen host %q", cfg.ListenHost)
	}
	u := &UDP{
		cfg:    cfg,
		host:   host,
		conns:  make(map[uint16]*net.UDPConn),
		queue:  make(chan Inbound, cfg.QueueSize),
		closed: make(chan struct{}),
	}
	if peerHost != "" {
		addr, err := net.ResolveIPAddr("ip", peerHost)
		if err != nil {
			return nil, oops.Wrapf(err, "failed to resolve peer %q", peerHost)
		}
		u.peer = addr.IP
	}
	log.WithFields(logger.Fields{
		"at":          "NewUDP",
		"listen_host": cfg.ListenHost,
		"peer":        peerHost,
	}).Debug("created UDP transport")
	return u, nil
}

// Peer returns the peer IP, or nil while unknown.
func (u *UDP) Peer() net.IP {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.peer
}

func (u *UDP) Bind(port uint16) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.isClosed() {
		return ErrClosed
	}
	if _, ok := u.conns[port]; ok {
		return nil
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: u.host, Port: int(port)})
	if err != nil {
		return classifyBindError(port, err)
	}
	u.conns[port] = conn
	u.wg.Add(1)
	go u.readLoop(port, conn)
	return nil
}

func classifyBindError(port uint16, err error) error {
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return oops.Wrapf(ErrPortInUse, "port %d", port)
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return oops.Wrapf(ErrPermissionDenied, "port %d", port)
	}
	return oops.Wrapf(err, "failed to bind port %d", port)
}

func (u *UDP) Unbind(port uint16) error {
	u.mu.Lock()
	conn, ok := u.conns[port]
	delete(u.conns, port)
	u.mu.Unlock()
	if !ok {
		return ErrNotBound
	}
	return conn.Close()
}

func (u *UDP) readLoop(port uint16, conn *net.UDPConn) {
	defer u.wg.Done()
	buf := make([]byte, u.cfg.MaxDatagramSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if n > 0 {
			u.handleDatagram(port, addr, buf[:n])
		}
		if err != nil {
			// Closed by Unbind or Close.
			if !errors.Is(err, net.ErrClosed) {
				log.WithFields(logger.Fields{
					"at":   "(UDP) readLoop",
					"port": port,
				}).WithError(err).Warn("UDP read failed")
			}
			return
		}
	}
}

func (u *UDP) handleDatagram(port uint16, addr *net.UDPAddr, data []byte) {
	pkt, err := protocol.Decode(data)
	if err != nil {
		u.dropped.Add(1)
		log.WithFields(logger.Fields{
			"at":   "(UDP) handleDatagram",
			"port": port,
			"from": addr.String(),
		}).WithError(err).Debug("dropping undecodable datagram")
		return
	}
	u.mu.Lock()
	if u.peer == nil {
		u.peer = addr.IP
		log.WithFields(logger.Fields{
			"at":   "(UDP) handleDatagram",
			"peer": addr.IP.String(),
		}).Info("learned peer address")
	}
	u.mu.Unlock()

	select {
	case u.queue <- Inbound{Port: port, From: addr, Packet: pkt}:
		u.received.Add(1)
	case <-u.closed:
	default:
		u.dropped.Add(1)
	}
}

func (u *UDP) Send(ctx context.Context, port uint16, p protocol.Packet) error {
	wire, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	conn, peer, err := u.sender()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.WriteToUDP(wire, &net.UDPAddr{IP: peer, Port: int(port)}); err != nil {
		return oops.Wrapf(err, "failed to send %s to port %d", p.Kind(), port)
	}
	u.sent.Add(1)
	return nil
}

// sender returns the unbound socket used for outbound packets. Replies are
// addressed to hop ports, never to the source address.
func (u *UDP) sender() (*net.UDPConn, net.IP, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.isClosed() {
		return nil, nil, ErrClosed
	}
	if u.peer == nil {
		return nil, nil, ErrNoPeer
	}
	if u.sendConn == nil {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: u.host})
		if err != nil {
			return nil, nil, oops.Wrapf(err, "failed to open send socket")
		}
		u.sendConn = conn
	}
	return u.sendConn, u.peer, nil
}

func (u *UDP) Receive(ctx context.Context) (Inbound, error) {
	select {
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	case <-u.closed:
		return Inbound{}, ErrClosed
	case in := <-u.queue:
		return in, nil
	}
}

func (u *UDP) Close() error {
	var errs []error
	u.closeOnce.Do(func() {
		close(u.closed)
		u.mu.Lock()
		for port, conn := range u.conns {
			if err := conn.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(u.conns, port)
		}
		if u.sendConn != nil {
			if err := u.sendConn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		u.mu.Unlock()
		u.wg.Wait()
		log.WithFields(logger.Fields{
			"at":       "(UDP) Close",
			"sent":     u.sent.Load(),
			"received": u.received.Load(),
		}).Debug("UDP transport closed")
	})
	return errors.Join(errs...)
}

func (u *UDP) isClosed() bool {
	select {
	case <-u.closed:
		return true
	default:
		return false
	}
}

// Stats returns packet counters.
func (u *UDP) Stats() Stats {
	return Stats{
		Sent:     u.sent.Load(),
		Received: u.received.Load(),
		Dropped:  u.dropped.Load(),
	}
}
