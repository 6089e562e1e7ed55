// Package skew validates timestamps supplied by a peer against the local
// synchronized clock.
//
// Handshake messages carry the sender's wall-clock time; a peer whose clock is
// further away than the handshake tolerance cannot share a hop schedule with
// us and is rejected before any key material is derived. Time-sync responses
// are checked against a wider sanity bound so that an attacker cannot drag the
// schedule arbitrarily far with a forged reply.
//
// Usage:
//
//	if err := skew.ValidateTimestamp(clock.Now(), req.Timestamp, skew.HandshakeTolerance); err != nil {
//	    // reject the connect request
//	}
package skew
