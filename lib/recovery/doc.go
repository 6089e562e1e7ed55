// Package recovery drives a session back to a synchronized state.
//
// A Detector turns observations from the data path and the time sync
// engine into Triggers. A Coordinator runs the repair action for a
// trigger's level, retrying with exponential backoff and escalating
// through
//
//	NONE -> TIME_SYNC -> SEQUENCE_REPAIR -> SESSION_REKEY -> EMERGENCY -> CONNECTION_TERMINATE -> FAILED
//
// until an action succeeds, which resets the chain to NONE. At most one
// recovery runs at a time. A trigger of a higher level preempts the one in
// flight; others are queued and run afterwards.
package recovery
