package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/go-porthop/lib/config"
	"github.com/go-i2p/go-porthop/lib/util/time/monotonic"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/time/rate"
)

// Actions are the repair exchanges of a session. Each must return nil only
// after the peer's reply was cryptographically verified.
type Actions interface {
	ResyncTime(ctx context.Context) error
	RepairSequence(ctx context.Context) error
	Rekey(ctx context.Context) error
	EmergencyResync(ctx context.Context) error
	Terminate(ctx context.Context) error
}

// Escalation records a level change.
type Escalation struct {
	From   Level
	To     Level
	Reason string
	At     time.Time
}

// Condition is a failure observed while recovering.
type Condition struct {
	Category Category
	Reason   string
	At       time.Time
}

// State is a snapshot of the coordinator.
type State struct {
	Level           Level
	AttemptsAtLevel int
	TotalAttempts   int
	InFlight        bool
	Queued          int
	History         []Escalation
	Conditions      []Condition
}

// Event is delivered to the observer on every level change.
type Event struct {
	From   Level
	To     Level
	Reason string
}

type operation struct {
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	level     Level
	preempted bool
}

// Coordinator runs at most one recovery at a time for one session.
type Coordinator struct {
	cfg     config.RecoveryDefaults
	clock   monotonic.Source
	actions Actions
	limiter *rate.Limiter

	mu         sync.Mutex
	level      Level
	attempts   int
	total      int
	history    []Escalation
	conditions []Condition
	inflight   *operation
	queue      []Trigger
	closed     bool
	observer   func(Event)
	events     []Event
}

// NewCoordinator creates a coordinator driving actions.
func NewCoordinator(cfg config.RecoveryDefaults, clock monotonic.Source, actions Actions) *Coordinator {
	if clock == nil {
		clock = monotonic.SystemClock{}
	}
	return &Coordinator{
		cfg:     cfg,
		clock:   clock,
		actions: actions,
		limiter: rate.NewLimiter(rate.Limit(cfg.AttemptRate), cfg.AttemptBurst),
	}
}

// SetObserver installs f to be called after every level change. f runs
// without the coordinator lock held.
func (c *Coordinator) SetObserver(f func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = f
}

// Level returns the current level.
func (c *Coordinator) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// State returns a snapshot of the recovery state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneConditionsLocked()
	return State{
		Level:           c.level,
		AttemptsAtLevel: c.attempts,
		TotalAttempts:   c.total,
		InFlight:        c.inflight != nil,
		Queued:          len(c.queue),
		History:         append([]Escalation(nil), c.history...),
		Conditions:      append([]Condition(nil), c.conditions...),
	}
}

// Coordinate recovers the session starting at trig.Level. It returns nil
// once an action succeeded. A RecoveryError of kind Queued means the
// trigger will run after the recovery in flight; Exhausted means the
// session must be destroyed.
func (c *Coordinator) Coordinate(ctx context.Context, trig Trigger) error {
	if trig.Level <= LevelNone || trig.Level >= LevelFailed {
		return oops.Errorf("invalid recovery trigger level %s", trig.Level)
	}
	c.mu.Lock()
	c.recordConditionLocked(trig)
	for {
		if c.closed || c.level == LevelFailed {
			level := c.level
			c.mu.Unlock()
			return &RecoveryError{Kind: Terminated, Level: level}
		}
		op := c.inflight
		if op == nil {
			break
		}
		if trig.Level <= op.level {
			c.enqueueLocked(trig)
			level := op.level
			c.mu.Unlock()
			log.WithFields(logger.Fields{
				"at":       "(Coordinator) Coordinate",
				"trigger":  trig.Level.String(),
				"inflight": level.String(),
			}).Debug("recovery queued behind in-flight operation")
			return &RecoveryError{Kind: Queued, Level: level}
		}
		log.WithFields(logger.Fields{
			"at":       "(Coordinator) Coordinate",
			"trigger":  trig.Level.String(),
			"inflight": op.level.String(),
		}).Info("preempting in-flight recovery")
		op.preempted = true
		op.cancel()
		c.mu.Unlock()
		select {
		case <-op.done:
		case <-ctx.Done():
			return &RecoveryError{Kind: Cancelled, Level: trig.Level, Err: ctx.Err()}
		}
		c.mu.Lock()
	}
	op := c.startLocked(ctx, trig)
	c.unlockAndEmit()

	return c.drain(ctx, op, c.run(op))
}

// drain finishes op and runs queued triggers while recoveries succeed.
func (c *Coordinator) drain(ctx context.Context, op *operation, err error) error {
	result := err
	for {
		c.mu.Lock()
		op.cancel()
		if c.inflight == op {
			c.inflight = nil
		}
		close(op.done)
		if err != nil && isFatal(err) {
			c.queue = nil
		}
		if err != nil || c.closed || ctx.Err() != nil || len(c.queue) == 0 {
			c.unlockAndEmit()
			return result
		}
		next := c.popLocked()
		op = c.startLocked(ctx, next)
		c.unlockAndEmit()

		err = c.run(op)
		if err != nil && isFatal(err) {
			result = err
		}
	}
}

func isFatal(err error) bool {
	re, ok := err.(*RecoveryError)
	return ok && re.Fatal()
}

func (c *Coordinator) startLocked(ctx context.Context, trig Trigger) *operation {
	start := trig.Level
	if c.level > start {
		start = c.level
	}
	if start == LevelEmergency && !c.cfg.EmergencyEnabled {
		start = LevelConnectionTerminate
	}
	opCtx, cancel := context.WithCancel(ctx)
	op := &operation{
		ctx:    opCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		level:  start,
	}
	c.inflight = op
	c.setLevelLocked(start, trig.Reason)
	return op
}

// run walks the chain from op.level until an action succeeds, the chain is
// exhausted or op is cancelled.
func (c *Coordinator) run(op *operation) error {
	c.mu.Lock()
	level := op.level
	c.mu.Unlock()

	for {
		if level == LevelConnectionTerminate {
			return c.terminate(op)
		}
		err := c.attemptLevel(op, level)
		if err == nil {
			c.succeed(level)
			return nil
		}
		if op.ctx.Err() != nil {
			return c.aborted(op, level)
		}
		c.mu.Lock()
		next := c.escalationTargetLocked(level)
		log.WithFields(logger.Fields{
			"at":     "(Coordinator) run",
			"from":   level.String(),
			"to":     next.String(),
			"reason": err.Error(),
		}).Warn("recovery attempts exhausted, escalating")
		op.level = next
		c.setLevelLocked(next, "attempts exhausted at "+level.String())
		c.unlockAndEmit()
		level = next
	}
}

// attemptLevel runs the action of level up to MaxAttemptsPerLevel times.
func (c *Coordinator) attemptLevel(op *operation, level Level) error {
	var lastErr error
	for i := 0; i < c.cfg.MaxAttemptsPerLevel; i++ {
		if i > 0 {
			if err := sleepContext(op.ctx, c.backoff(i)); err != nil {
				return err
			}
		}
		if err := c.limiter.Wait(op.ctx); err != nil {
			return err
		}
		c.mu.Lock()
		c.attempts++
		c.total++
		c.mu.Unlock()

		err := c.act(op.ctx, level)
		if err == nil {
			return nil
		}
		if op.ctx.Err() != nil {
			return op.ctx.Err()
		}
		lastErr = err
		log.WithFields(logger.Fields{
			"at":      "(Coordinator) attemptLevel",
			"level":   level.String(),
			"attempt": i + 1,
		}).WithError(err).Warn("recovery attempt failed")
	}
	return lastErr
}

func (c *Coordinator) act(ctx context.Context, level Level) error {
	switch level {
	case LevelTimeSync:
		return c.actions.ResyncTime(ctx)
	case LevelSequenceRepair:
		return c.actions.RepairSequence(ctx)
	case LevelSessionRekey:
		return c.actions.Rekey(ctx)
	case LevelEmergency:
		return c.actions.EmergencyResync(ctx)
	}
	return oops.Wrapf(ErrNoAction, "%s", level)
}

// escalationTargetLocked returns the level after level. A failed rekey goes
// straight to termination when authentication failures were reported, since
// an emergency rekey would run over the same keys.
func (c *Coordinator) escalationTargetLocked(level Level) Level {
	switch level {
	case LevelTimeSync:
		return LevelSequenceRepair
	case LevelSequenceRepair:
		return LevelSessionRekey
	case LevelSessionRekey:
		if c.cfg.EmergencyEnabled && !c.recentLocked(CategoryAuth) {
			return LevelEmergency
		}
	}
	return LevelConnectionTerminate
}

func (c *Coordinator) terminate(op *operation) error {
	c.mu.Lock()
	c.attempts++
	c.total++
	c.mu.Unlock()

	err := c.actions.Terminate(op.ctx)
	if err != nil {
		log.WithError(err).Warn("terminate exchange failed")
	}
	c.mu.Lock()
	op.level = LevelFailed
	c.queue = nil
	c.setLevelLocked(LevelFailed, "recovery chain exhausted")
	c.unlockAndEmit()
	log.WithFields(logger.Fields{
		"at":     "(Coordinator) terminate",
		"reason": "recovery chain exhausted",
	}).Error("session cannot be recovered")
	return &RecoveryError{Kind: Exhausted, Level: LevelConnectionTerminate, Err: err}
}

func (c *Coordinator) succeed(level Level) {
	c.mu.Lock()
	c.setLevelLocked(LevelNone, "recovered at "+level.String())
	c.unlockAndEmit()
	log.WithFields(logger.Fields{
		"at":    "(Coordinator) succeed",
		"level": level.String(),
	}).Info("recovery succeeded")
}

func (c *Coordinator) aborted(op *operation, level Level) error {
	c.mu.Lock()
	preempted := op.preempted
	c.mu.Unlock()
	if preempted {
		return &RecoveryError{Kind: Preempted, Level: level}
	}
	return &RecoveryError{Kind: Cancelled, Level: level, Err: op.ctx.Err()}
}

// backoff returns the delay before retry n (n >= 1) at the same level.
func (c *Coordinator) backoff(n int) time.Duration {
	d := c.cfg.BaseBackoff
	for i := 1; i < n && d < c.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	if jitter := int64(d) / 10; jitter > 0 {
		d += time.Duration(rand.Int63n(jitter))
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Coordinator) setLevelLocked(to Level, reason string) {
	from := c.level
	if from == to {
		return
	}
	c.level = to
	c.attempts = 0
	c.history = append(c.history, Escalation{From: from, To: to, Reason: reason, At: c.clock.Now()})
	if n := c.cfg.HistorySize; n > 0 && len(c.history) > n {
		c.history = c.history[len(c.history)-n:]
	}
	c.events = append(c.events, Event{From: from, To: to, Reason: reason})
}

func (c *Coordinator) unlockAndEmit() {
	events := c.events
	c.events = nil
	observer := c.observer
	c.mu.Unlock()
	if observer == nil {
		return
	}
	for _, ev := range events {
		observer(ev)
	}
}

func (c *Coordinator) enqueueLocked(trig Trigger) {
	for i, q := range c.queue {
		if q.Level == trig.Level {
			c.queue[i] = trig
			return
		}
	}
	c.queue = append(c.queue, trig)
}

// popLocked removes the most severe queued trigger.
func (c *Coordinator) popLocked() Trigger {
	best := 0
	for i, q := range c.queue {
		if q.Level > c.queue[best].Level {
			best = i
		}
	}
	trig := c.queue[best]
	c.queue = append(c.queue[:best], c.queue[best+1:]...)
	return trig
}

func (c *Coordinator) recordConditionLocked(trig Trigger) {
	if trig.Category == 0 {
		return
	}
	c.conditions = append(c.conditions, Condition{Category: trig.Category, Reason: trig.Reason, At: c.clock.Now()})
	c.pruneConditionsLocked()
}

func (c *Coordinator) pruneConditionsLocked() {
	if w := c.cfg.ConditionWindow; w > 0 {
		cutoff := c.clock.Now().Add(-w)
		i := 0
		for i < len(c.conditions) && c.conditions[i].At.Before(cutoff) {
			i++
		}
		c.conditions = c.conditions[i:]
	}
	if n := c.cfg.HistorySize; n > 0 && len(c.conditions) > n {
		c.conditions = c.conditions[len(c.conditions)-n:]
	}
}

func (c *Coordinator) recentLocked(cat Category) bool {
	c.pruneConditionsLocked()
	for _, cond := range c.conditions {
		if cond.Category == cat {
			return true
		}
	}
	return false
}

// Close cancels the recovery in flight, waits for it and refuses new ones.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.queue = nil
	op := c.inflight
	if op != nil {
		op.cancel()
	}
	c.mu.Unlock()
	if op != nil {
		<-op.done
	}
}

// Reset returns the coordinator to its initial state for a new connection.
func (c *Coordinator) Reset() {
	c.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.level = LevelNone
	c.attempts = 0
	c.total = 0
	c.history = nil
	c.conditions = nil
	c.queue = nil
	c.events = nil
	c.closed = false
}
