// Package hopping computes and manages the port schedule of a session.
//
// Time is cut into fixed windows counted from UTC midnight. Each window maps
// to a port through a keyed SipHash of the window index, keyed by the
// session's Params, folded into the configured port range. Both peers derive
// identical Params from their shared secret, so they compute the same port
// for a given window without ever negotiating it.
//
// A Scheduler keeps a symmetric set of windows around the current one bound
// so that packets sent slightly early or late still land. On every hop it
// binds the new ports first and retires stale ones only after an overlap
// derived from sync tolerance and network delay.
package hopping
