package session

import (
	"time"

	"github.com/go-i2p/go-porthop/lib/recovery"
)

// NotificationKind tells what a Notification reports.
type NotificationKind int

const (
	// NotifyState reports a connection state change.
	NotifyState NotificationKind = iota + 1
	// NotifyRecovery reports a recovery level change.
	NotifyRecovery
	// NotifySynchronized reports a successful time synchronization round.
	NotifySynchronized
	// NotifyRekeyed reports new session keys and hop parameters.
	NotifyRekeyed
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyState:
		return "state"
	case NotifyRecovery:
		return "recovery"
	case NotifySynchronized:
		return "synchronized"
	case NotifyRekeyed:
		return "rekeyed"
	}
	return "unknown"
}

// Notification is delivered on the channel returned by Notifications.
type Notification struct {
	Kind  NotificationKind
	At    time.Time
	From  ConnState
	State ConnState
	Level recovery.Level
	// Offset is the measured residual for NotifySynchronized.
	Offset time.Duration
	// Window is the first window of new parameters for NotifyRekeyed.
	Window uint64
	Reason string
}
