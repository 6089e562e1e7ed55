// Package protocol defines the packets exchanged by porthop peers.
//
// Each packet kind is its own struct with typed fields. On the wire a
// packet is one kind byte followed by the msgpack encoding of the struct.
// Every packet carries a MAC; the authenticated transcript is the wire
// encoding with the MAC field cleared.
package protocol
