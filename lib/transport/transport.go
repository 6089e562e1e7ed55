package transport

import (
	"context"
	"net"

	"github.com/go-i2p/go-porthop/lib/protocol"
)

// Inbound is a received packet.
type Inbound struct {
	// Port is the local port the packet arrived on.
	Port uint16
	// From is the sender address. Nil for in-memory transports.
	From   net.Addr
	Packet protocol.Packet
}

// Transport is what a session needs from the network.
type Transport interface {
	Bind(port uint16) error
	Unbind(port uint16) error
	// Send delivers p to port on the peer.
	Send(ctx context.Context, port uint16, p protocol.Packet) error
	Receive(ctx context.Context) (Inbound, error)
	Close() error
}

// Stats counts packets through a transport.
type Stats struct {
	Sent     uint64
	Received uint64
	Dropped  uint64
}
