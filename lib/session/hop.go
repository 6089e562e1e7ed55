package session

import (
	"time"

	"github.com/go-i2p/go-porthop/lib/hopping"
	"github.com/go-i2p/go-porthop/lib/recovery"
	"github.com/go-i2p/go-porthop/lib/timesync"
	"github.com/go-i2p/logger"
)

// hopLoop wakes on every hop boundary of the synchronized clock. Clock
// corrections, binding changes and health checks all happen here, so the
// time base never moves in the middle of a window.
func (s *Session) hopLoop() {
	for {
		sched := s.scheduler()
		if sched == nil {
			return
		}
		now := s.engine.Now()
		t := time.NewTimer(sched.NextBoundary(now).Sub(now))
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		s.onBoundary(sched)
	}
}

func (s *Session) onBoundary(sched *hopping.Scheduler) {
	if step := s.engine.Tick(); step != 0 {
		log.WithFields(logger.Fields{
			"at":   "(Session) onBoundary",
			"step": step,
		}).Debug("applied clock correction")
	}
	s.adaptWindow(sched)
	if err := sched.Advance(); err != nil {
		log.WithError(err).WithField("window", sched.CurrentWindow()).Warn("hop binding failed")
	}
	s.expireHandshake()
	s.expirePrevKeys(sched)
	s.checkHealth()
}

// adaptWindow widens the bound window set while synchronization is
// missing, stale or being recovered, and narrows it again once healthy.
func (s *Session) adaptWindow(sched *hopping.Scheduler) {
	size := s.cfg.Hopping.WindowSize
	if !s.timeHealthy() || s.machine.State() == StateRecovering {
		size = s.cfg.Hopping.MaxWindowSize
	}
	sched.SetWindowSize(size)
}

func (s *Session) timeHealthy() bool {
	if s.Initiator() {
		return s.engine.Status() == timesync.Synchronized && !s.engine.Stale()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerSynced && s.base.Now().Sub(s.peerSyncAt) <= s.cfg.TimeSync.StaleAfter
}

// expireHandshake releases the rendezvous ports once the handshake can no
// longer be retransmitted.
func (s *Session) expireHandshake() {
	s.mu.Lock()
	rv := s.rendezvous
	if rv == nil || s.base.Now().Before(s.rendezvousUntil) {
		s.mu.Unlock()
		return
	}
	s.rendezvous = nil
	if s.hs != nil {
		s.hs.reply = nil
	}
	s.mu.Unlock()
	rv.ReleaseAll()
	log.WithField("at", "(Session) expireHandshake").Debug("released rendezvous ports")
}

func (s *Session) expirePrevKeys(sched *hopping.Scheduler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prevKeys == nil {
		return
	}
	if hopping.Distance(s.prevUntil, sched.CurrentWindow(), sched.Interval()) >= 0 {
		s.prevKeys.Zero()
		s.prevKeys = nil
	}
}

// checkHealth turns sequence timeouts and stale synchronization into
// recovery triggers and starts the initiator's periodic resync.
func (s *Session) checkHealth() {
	if s.machine.State() != StateEstablished {
		return
	}
	now := s.base.Now()

	s.mu.Lock()
	timedOut := s.recv != nil && s.recv.timedOut(now)
	if timedOut {
		s.recv.holeSince = now
	}
	var peerAge time.Duration
	if !s.initiator {
		peerAge = now.Sub(s.peerSyncAt)
		if peerAge > s.cfg.TimeSync.StaleAfter {
			s.peerSyncAt = now
		}
	}
	initiator := s.initiator
	s.mu.Unlock()

	if timedOut {
		s.observeSequence(recovery.SequenceTimeout)
	}
	if !initiator {
		if trig, ok := s.detector.ObserveSyncAge(peerAge); ok {
			s.recover(trig)
		}
		return
	}
	if s.syncing.Load() {
		return
	}
	if s.engine.Stale() {
		if trig, ok := s.detector.ObserveSyncAge(s.engine.SyncAge()); ok {
			s.recover(trig)
		}
		return
	}
	if s.engine.SyncAge() >= s.cfg.TimeSync.ResyncInterval {
		s.spawn(s.syncRound)
	}
}

// syncRound runs one background synchronization round. A round that
// fails, or that finds the clocks drifted apart while they were
// supposed to be in sync, triggers recovery.
func (s *Session) syncRound() {
	if !s.syncing.CompareAndSwap(false, true) {
		return
	}
	s.runSync()
}

// runSync expects the syncing flag to be set and clears it when done.
func (s *Session) runSync() {
	defer s.syncing.Store(false)

	wasSynced := s.engine.Status() == timesync.Synchronized && len(s.engine.PendingSteps()) == 0
	residual, err := s.engine.Synchronize(s.ctx)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		log.WithError(err).WithField("at", "(Session) syncRound").Warn("synchronization round failed")
		if trig, ok := s.detector.ObserveSyncFailure(err); ok {
			s.recover(trig)
		}
		return
	}
	s.synchronized(residual)
	if wasSynced {
		if trig, ok := s.detector.ObserveOffset(residual); ok {
			s.recover(trig)
		}
	}
}

// synchronized sizes the retirement overlap from the latest measurement.
func (s *Session) synchronized(residual time.Duration) {
	if sched := s.scheduler(); sched != nil {
		sched.SetOverlap(s.cfg.TimeSync.Tolerance, s.engine.LastDelay())
	}
	s.emit(Notification{Kind: NotifySynchronized, Offset: residual})
}
