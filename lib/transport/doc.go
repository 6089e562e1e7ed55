// Package transport moves porthop packets between peers.
//
// # Overview
//
// A Transport binds and unbinds local hop ports on request of the hop
// scheduler, sends packets to a port on the peer and delivers inbound
// packets together with the local port they arrived on.
//
// Two implementations are provided:
//   - UDP: one socket per bound port, packets encoded with protocol.Encode
//   - Pipe: an in-memory pair used by tests and the demo command
//
// Packets sent to a port the peer has not bound are lost, exactly as UDP
// datagrams to a closed port would be. This is what makes the schedules of
// both peers observable in tests.
//
// # Thread Safety
//
// Both implementations are safe for concurrent use. Receive is meant to be
// called from a single reader goroutine.
package transport
