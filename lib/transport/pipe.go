package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-i2p/go-porthop/lib/protocol"
	"github.com/go-i2p/logger"
)

// DropFunc decides whether a packet sent to port is lost in flight.
type DropFunc func(port uint16, p protocol.Packet) bool

type pipeFrame struct {
	port uint16
	wire []byte
}

// PipeEnd is one side of an in-memory transport pair.
type PipeEnd struct {
	name string
	peer *PipeEnd

	mu       sync.Mutex
	bound    map[uint16]bool
	reserved map[uint16]bool
	drop     DropFunc

	queue     chan pipeFrame
	closed    chan struct{}
	closeOnce sync.Once

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
}

var _ Transport = (*PipeEnd)(nil)

// NewPipe returns two connected ends. queueSize bounds each inbound queue.
func NewPipe(queueSize int) (*PipeEnd, *PipeEnd) {
	if queueSize < 1 {
		queueSize = 1
	}
	a := newPipeEnd("a", queueSize)
	b := newPipeEnd("b", queueSize)
	a.peer, b.peer = b, a
	log.WithFields(logger.Fields{
		"at":         "NewPipe",
		"queue_size": queueSize,
	}).Debug("created in-memory transport pair")
	return a, b
}

func newPipeEnd(name string, queueSize int) *PipeEnd {
	return &PipeEnd{
		name:     name,
		bound:    make(map[uint16]bool),
		reserved: make(map[uint16]bool),
		queue:    make(chan pipeFrame, queueSize),
		closed:   make(chan struct{}),
	}
}

// Reserve makes later binds of port fail with ErrPortInUse, as if another
// process owned it.
func (p *PipeEnd) Reserve(port uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reserved[port] = true
}

// SetDropFunc installs a loss rule for packets sent from this end.
func (p *PipeEnd) SetDropFunc(f DropFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drop = f
}

func (p *PipeEnd) Bind(port uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed() {
		return ErrClosed
	}
	if p.reserved[port] {
		return ErrPortInUse
	}
	p.bound[port] = true
	return nil
}

func (p *PipeEnd) Unbind(port uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.bound[port] {
		return ErrNotBound
	}
	delete(p.bound, port)
	return nil
}

// IsBound reports whether port is bound on this end.
func (p *PipeEnd) IsBound(port uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bound[port]
}

// BoundPorts returns the number of bound ports.
func (p *PipeEnd) BoundPorts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bound)
}

func (p *PipeEnd) Send(ctx context.Context, port uint16, pkt protocol.Packet) error {
	if p.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	wire, err := protocol.Encode(pkt)
	if err != nil {
		return err
	}
	p.sent.Add(1)

	p.mu.Lock()
	drop := p.drop
	p.mu.Unlock()
	if drop != nil && drop(port, pkt) {
		p.dropped.Add(1)
		return nil
	}
	p.peer.deliver(port, wire)
	return nil
}

// deliver queues wire if port is bound. Losses are silent to the sender.
func (p *PipeEnd) deliver(port uint16, wire []byte) {
	p.mu.Lock()
	bound := p.bound[port]
	p.mu.Unlock()
	if !bound || p.isClosed() {
		p.dropped.Add(1)
		log.WithFields(logger.Fields{
			"at":   "(PipeEnd) deliver",
			"end":  p.name,
			"port": port,
		}).Debug("dropping packet for unbound port")
		return
	}
	select {
	case p.queue <- pipeFrame{port: port, wire: wire}:
	default:
		p.dropped.Add(1)
	}
}

func (p *PipeEnd) Receive(ctx context.Context) (Inbound, error) {
	for {
		select {
		case <-ctx.Done():
			return Inbound{}, ctx.Err()
		case <-p.closed:
			return Inbound{}, ErrClosed
		case f := <-p.queue:
			pkt, err := protocol.Decode(f.wire)
			if err != nil {
				p.dropped.Add(1)
				continue
			}
			p.received.Add(1)
			return Inbound{Port: f.port, Packet: pkt}, nil
		}
	}
}

func (p *PipeEnd) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.mu.Lock()
		p.bound = make(map[uint16]bool)
		p.mu.Unlock()
	})
	return nil
}

func (p *PipeEnd) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Stats returns packet counters for this end. Dropped counts packets lost
// on the way into this end plus packets discarded by its drop rule.
func (p *PipeEnd) Stats() Stats {
	return Stats{
		Sent:     p.sent.Load(),
		Received: p.received.Load(),
		Dropped:  p.dropped.Load(),
	}
}
