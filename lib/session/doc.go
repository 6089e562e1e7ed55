// Package session implements a port-hopping connection between two peers.
//
// A Session ties together the per-peer time synchronization engine, the port
// scheduler, the recovery coordinator and the connection state machine. The
// listener accepts connect requests on rendezvous ports derived from a
// pre-shared key and the UTC day; after the handshake both peers hop across
// ports derived from the session keys and their synchronized clocks.
package session
