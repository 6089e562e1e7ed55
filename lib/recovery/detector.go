package recovery

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-i2p/go-porthop/lib/config"
	"github.com/go-i2p/go-porthop/lib/util/time/monotonic"
	"github.com/go-i2p/logger"
)

// SequenceEvent is an anomaly reported by sequence tracking.
type SequenceEvent int

const (
	// SequenceGap means a packet arrived beyond the acceptance window.
	SequenceGap SequenceEvent = iota + 1
	// SequenceDuplicate means a sequence number was seen twice.
	SequenceDuplicate
	// SequenceTimeout means no in-order packet arrived for too long.
	SequenceTimeout
)

func (e SequenceEvent) String() string {
	switch e {
	case SequenceGap:
		return "gap"
	case SequenceDuplicate:
		return "duplicate"
	case SequenceTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("SequenceEvent(%d)", int(e))
	}
}

// Detector classifies failure observations into recovery triggers.
type Detector struct {
	cfg        config.RecoveryDefaults
	tolerance  time.Duration
	staleAfter time.Duration
	clock      monotonic.Source

	mu         sync.Mutex
	conditions []Condition
}

// NewDetector creates a detector. tolerance and staleAfter come from the
// time sync configuration.
func NewDetector(cfg config.RecoveryDefaults, tolerance, staleAfter time.Duration, clock monotonic.Source) *Detector {
	if clock == nil {
		clock = monotonic.SystemClock{}
	}
	return &Detector{
		cfg:        cfg,
		tolerance:  tolerance,
		staleAfter: staleAfter,
		clock:      clock,
	}
}

// ObserveOffset reports the residual offset to the peer.
func (d *Detector) ObserveOffset(residual time.Duration) (Trigger, bool) {
	if residual < 0 {
		residual = -residual
	}
	if residual <= d.tolerance {
		return Trigger{}, false
	}
	return d.observe(CategoryTime, fmt.Sprintf("offset %s beyond tolerance %s", residual, d.tolerance))
}

// ObserveSyncAge reports the time since the last successful sync. A
// negative age means the session never synchronized.
func (d *Detector) ObserveSyncAge(age time.Duration) (Trigger, bool) {
	if age >= 0 && age <= d.staleAfter {
		return Trigger{}, false
	}
	return d.observe(CategoryTime, fmt.Sprintf("sync stale (age %s)", age))
}

// ObserveSyncFailure reports a synchronization round that failed.
func (d *Detector) ObserveSyncFailure(err error) (Trigger, bool) {
	return d.observe(CategoryTime, "sync failed: "+err.Error())
}

// ObserveSequence reports a sequence tracking anomaly.
func (d *Detector) ObserveSequence(ev SequenceEvent) (Trigger, bool) {
	return d.observe(CategorySequence, "sequence "+ev.String())
}

// ObserveAuthFailure reports a packet whose MAC did not verify. It yields
// a rekey trigger once AuthFailureThreshold failures fall in the
// condition window.
func (d *Detector) ObserveAuthFailure() (Trigger, bool) {
	return d.observe(CategoryAuth, "MAC verification failed")
}

func (d *Detector) observe(cat Category, reason string) (Trigger, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	d.conditions = append(d.conditions, Condition{Category: cat, Reason: reason, At: now})
	d.pruneLocked(now)

	counts := make(map[Category]int)
	for _, c := range d.conditions {
		counts[c.Category]++
	}
	if counts[CategoryAuth] < d.cfg.AuthFailureThreshold {
		// Sub-threshold MAC failures are not a category yet.
		delete(counts, CategoryAuth)
	}

	if len(counts) >= d.cfg.CategoryThreshold {
		log.WithFields(logger.Fields{
			"at":         "(Detector) observe",
			"categories": len(counts),
			"reason":     reason,
		}).Warn("multiple concurrent failure categories")
		return Trigger{Level: LevelEmergency, Category: cat, Reason: "multiple failure categories: " + reason}, true
	}
	if cat == CategoryAuth && counts[CategoryAuth] == 0 {
		return Trigger{}, false
	}
	return Trigger{Level: cat.Level(), Category: cat, Reason: reason}, true
}

func (d *Detector) pruneLocked(now time.Time) {
	if w := d.cfg.ConditionWindow; w > 0 {
		cutoff := now.Add(-w)
		i := 0
		for i < len(d.conditions) && d.conditions[i].At.Before(cutoff) {
			i++
		}
		d.conditions = d.conditions[i:]
	}
	if n := d.cfg.HistorySize; n > 0 && len(d.conditions) > n {
		d.conditions = d.conditions[len(d.conditions)-n:]
	}
}

// Conditions returns the conditions inside the window.
func (d *Detector) Conditions() []Condition {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked(d.clock.Now())
	return append([]Condition(nil), d.conditions...)
}

// Clear forgets every condition, after a successful recovery.
func (d *Detector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conditions = nil
}
