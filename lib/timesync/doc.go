// Package timesync aligns a session's clock with its peer.
//
// An Engine measures the peer's clock with an NTP-style four-timestamp
// exchange, repeated several times per round, and keeps the result as an
// offset added to the local clock. Corrections are never stepped while a
// session is running: small ones are applied in one step, larger ones are
// split into bounded steps applied one per hop by Tick. A correction beyond
// the emergency threshold takes a separate path that samples harder,
// demands better quality and then applies the whole correction at once.
//
// Drift between the two oscillators is estimated by linear regression over
// recent measurements and compensated on every Tick.
package timesync
