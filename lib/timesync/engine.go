package timesync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/go-porthop/lib/config"
	"github.com/go-i2p/go-porthop/lib/util/time/monotonic"
	"github.com/go-i2p/logger"
)

// Prober performs one challenge/response exchange. Given the local send
// time t1 it returns the peer's receive time t2 and send time t3.
type Prober interface {
	Probe(ctx context.Context, t1 time.Time) (t2, t3 time.Time, err error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, t1 time.Time) (time.Time, time.Time, error)

func (f ProberFunc) Probe(ctx context.Context, t1 time.Time) (time.Time, time.Time, error) {
	return f(ctx, t1)
}

// State is a snapshot of the engine.
type State struct {
	Offset   time.Duration
	DriftPPM float64
	Quality  float64
	// LastSync is a local clock reading.
	LastSync time.Time
	Status   Status
	Pending  int
	Samples  int
}

// Engine owns one session's TimeSyncState.
type Engine struct {
	cfg      config.TimeSyncDefaults
	interval time.Duration
	base     monotonic.Source
	prober   Prober

	// offset is read on every Now without taking mu.
	offset atomic.Int64

	// round serializes Synchronize and EmergencySync.
	round sync.Mutex

	mu       sync.Mutex
	driftPPM float64
	quality  float64
	lastSync time.Time
	status   Status
	pending  []time.Duration
	history  []Sample
	points   []driftPoint
}

// NewEngine creates an engine reading base and measuring through prober.
// interval is the hop interval.
func NewEngine(cfg config.TimeSyncDefaults, interval time.Duration, base monotonic.Source, prober Prober) *Engine {
	if base == nil {
		base = monotonic.SystemClock{}
	}
	return &Engine{
		cfg:      cfg,
		interval: interval,
		base:     base,
		prober:   prober,
		status:   Unsynchronized,
	}
}

// SetProber replaces the exchange collaborator.
func (e *Engine) SetProber(p Prober) {
	e.round.Lock()
	e.prober = p
	e.round.Unlock()
}

// Now returns the synchronized time: local clock plus the current offset.
func (e *Engine) Now() time.Time {
	return e.base.Now().Add(time.Duration(e.offset.Load()))
}

// Offset returns the offset currently applied.
func (e *Engine) Offset() time.Duration {
	return time.Duration(e.offset.Load())
}

// Status returns the synchronization status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// State returns a snapshot.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		Offset:   e.Offset(),
		DriftPPM: e.driftPPM,
		Quality:  e.quality,
		LastSync: e.lastSync,
		Status:   e.status,
		Pending:  len(e.pending),
		Samples:  len(e.history),
	}
}

// History returns a copy of the retained samples, oldest first.
func (e *Engine) History() []Sample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Sample(nil), e.history...)
}

// PendingSteps returns a copy of the queued correction steps.
func (e *Engine) PendingSteps() []time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]time.Duration(nil), e.pending...)
}

// SyncAge returns how long ago the last successful round finished, measured
// on the local clock. It is negative when no round has succeeded.
func (e *Engine) SyncAge() time.Duration {
	e.mu.Lock()
	last := e.lastSync
	e.mu.Unlock()
	if last.IsZero() {
		return -1
	}
	return e.base.Now().Sub(last)
}

// Stale reports whether synchronization is missing or older than StaleAfter.
func (e *Engine) Stale() bool {
	age := e.SyncAge()
	return age < 0 || age > e.cfg.StaleAfter
}

// Respond stamps an incoming challenge. It returns the receive and send
// times the peer's Prober expects.
func (e *Engine) Respond() (t2, t3 time.Time) {
	t2 = e.Now()
	t3 = e.Now()
	return t2, t3
}

// Synchronize runs one round of SampleCount exchanges spread over about one
// hop interval and returns the residual offset it measured. Small residuals
// are queued as a single step, larger ones as a gradual plan; a residual
// past the emergency threshold is handed to the emergency path instead.
// The very first round applies its correction at once because nothing is
// synchronized yet.
func (e *Engine) Synchronize(ctx context.Context) (time.Duration, error) {
	e.round.Lock()
	defer e.round.Unlock()

	n := e.cfg.SampleCount
	samples, residual, quality, err := e.runRound(ctx, n, e.interval/time.Duration(n))
	if err != nil {
		e.noteFailure(err)
		return 0, err
	}

	if absDuration(residual) >= e.cfg.EmergencyThreshold {
		log.WithFields(logger.Fields{
			"at":     "(Engine) Synchronize",
			"offset": residual,
			"reason": "offset beyond emergency threshold",
		}).Warn("switching to emergency synchronization")
		return e.emergencyLocked(ctx)
	}
	if quality < e.cfg.MinQuality {
		err := &SyncError{Kind: LowQuality, Quality: quality, Offset: residual}
		e.noteFailure(err)
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordLocked(samples, residual, quality)
	switch {
	case e.status == Unsynchronized:
		e.applyLocked(residual)
		e.pending = nil
		e.status = Synchronized
	case absDuration(residual) < e.cfg.SingleStepThreshold:
		e.pending = PlanAdjustment(residual, e.cfg.SingleStepThreshold, e.cfg.MaxStep, e.cfg.StepFraction)
		e.status = Synchronized
	default:
		e.pending = PlanAdjustment(residual, e.cfg.SingleStepThreshold, e.cfg.MaxStep, e.cfg.StepFraction)
		e.status = Adjusting
	}
	log.WithFields(logger.Fields{
		"at":      "(Engine) Synchronize",
		"offset":  residual,
		"quality": quality,
		"steps":   len(e.pending),
		"status":  e.status.String(),
	}).Debug("synchronization round complete")
	return residual, nil
}

// Bootstrap applies a first offset estimate, such as the one measured
// during a handshake, so that hop windows line up before the first full
// round. It does nothing once the engine has synchronized.
func (e *Engine) Bootstrap(offset time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != Unsynchronized || absDuration(offset) >= e.cfg.SanityBound {
		return false
	}
	e.offset.Store(int64(offset))
	return true
}

// LastDelay returns the one-way network delay of the newest sample.
func (e *Engine) LastDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.history) == 0 {
		return 0
	}
	return e.history[len(e.history)-1].Delay
}

// EmergencySync runs the emergency path regardless of the measured offset.
func (e *Engine) EmergencySync(ctx context.Context) (time.Duration, error) {
	e.round.Lock()
	defer e.round.Unlock()
	return e.emergencyLocked(ctx)
}

// emergencyLocked samples twice as many exchanges at twice the rate, needs
// EmergencyMinQuality, and applies the whole correction in one step.
func (e *Engine) emergencyLocked(ctx context.Context) (time.Duration, error) {
	e.mu.Lock()
	e.status = Emergency
	e.pending = nil
	e.mu.Unlock()

	n := 2 * e.cfg.SampleCount
	spacing := e.interval / time.Duration(n)
	var lastErr error
	best := 0.0
	for attempt := 1; attempt <= e.cfg.EmergencyAttempts; attempt++ {
		samples, residual, quality, err := e.runRound(ctx, n, spacing)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			lastErr = err
			continue
		}
		if quality > best {
			best = quality
		}
		if quality < e.cfg.EmergencyMinQuality {
			lastErr = &SyncError{Kind: LowQuality, Quality: quality, Offset: residual}
			log.WithFields(logger.Fields{
				"at":      "(Engine) EmergencySync",
				"attempt": attempt,
				"quality": quality,
			}).Warn("emergency round below quality bar")
			continue
		}

		e.mu.Lock()
		e.recordLocked(samples, residual, quality)
		e.applyLocked(residual)
		e.pending = nil
		e.status = Synchronized
		e.mu.Unlock()
		log.WithFields(logger.Fields{
			"at":      "(Engine) EmergencySync",
			"offset":  residual,
			"quality": quality,
			"attempt": attempt,
		}).Info("emergency correction applied")
		return residual, nil
	}

	if ctx.Err() != nil && lastErr == nil {
		lastErr = ctx.Err()
	}
	e.mu.Lock()
	e.status = Failed
	e.mu.Unlock()
	log.WithFields(logger.Fields{
		"at":     "(Engine) EmergencySync",
		"reason": "attempts exhausted",
	}).Error("emergency synchronization failed")
	return 0, &SyncError{Kind: EmergencyFailed, Quality: best, Err: lastErr}
}

// runRound performs n exchanges spaced by spacing and reduces them to a
// residual offset and quality score.
func (e *Engine) runRound(ctx context.Context, n int, spacing time.Duration) ([]Sample, time.Duration, float64, error) {
	if e.prober == nil {
		return nil, 0, 0, &SyncError{Kind: ExchangeTimeout, Total: n, Err: errors.New("no prober")}
	}
	samples := make([]Sample, 0, n)
	timeouts := 0
	for i := 0; i < n; i++ {
		if i > 0 && spacing > 0 {
			timer := time.NewTimer(spacing)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, 0, 0, ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, 0, 0, err
		}

		xctx, cancel := context.WithTimeout(ctx, e.cfg.ExchangeTimeout)
		t1 := e.Now()
		t2, t3, err := e.prober.Probe(xctx, t1)
		t4 := e.Now()
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, 0, ctx.Err()
			}
			timeouts++
			log.WithError(err).WithField("exchange", i).Debug("time sync exchange failed")
			continue
		}
		s := Exchange{T1: t1, T2: t2, T3: t3, T4: t4}.Sample(e.interval)
		if !s.valid(e.cfg.SanityBound) {
			if absDuration(s.Offset) >= e.cfg.SanityBound {
				return nil, 0, 0, &SyncError{Kind: OffsetOutOfBounds, Offset: s.Offset}
			}
			continue
		}
		samples = append(samples, s)
	}

	if len(samples) < (n+1)/2 {
		kind := InsufficientSamples
		if len(samples) == 0 && timeouts == n {
			kind = ExchangeTimeout
		}
		return nil, 0, 0, &SyncError{Kind: kind, Valid: len(samples), Total: n}
	}
	return samples, WeightedOffset(samples), BatchQuality(samples), nil
}

// Tick applies the next queued correction step and drift compensation. It
// must be called once per hop, at the boundary. It returns the total
// adjustment made.
func (e *Engine) Tick() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	var applied time.Duration
	if len(e.pending) > 0 {
		applied = e.pending[0]
		e.pending = e.pending[1:]
	}
	if e.status == Synchronized || e.status == Adjusting {
		applied += time.Duration(e.driftPPM * float64(e.interval) / 1e6)
	}
	if applied != 0 {
		e.applyLocked(applied)
	}
	if len(e.pending) == 0 && e.status == Adjusting {
		e.status = Synchronized
	}
	return applied
}

func (e *Engine) applyLocked(d time.Duration) {
	e.offset.Add(int64(d))
}

func (e *Engine) recordLocked(samples []Sample, residual time.Duration, quality float64) {
	now := e.Now()
	e.lastSync = e.base.Now()
	e.quality = quality

	e.history = append(e.history, samples...)
	horizon := now.Add(-e.cfg.DriftWindow)
	for len(e.history) > 0 && (len(e.history) > e.cfg.HistorySize || e.history[0].Timestamp.Before(horizon)) {
		e.history = e.history[1:]
	}

	e.points = append(e.points, driftPoint{at: e.base.Now(), offset: e.Offset() + residual})
	baseHorizon := e.base.Now().Add(-e.cfg.DriftWindow)
	for len(e.points) > 0 && e.points[0].at.Before(baseHorizon) {
		e.points = e.points[1:]
	}
	if ppm, ok := estimateDrift(e.points); ok {
		if ppm > e.cfg.MaxDriftPPM || ppm < -e.cfg.MaxDriftPPM {
			log.WithFields(logger.Fields{
				"at":    "(Engine) recordLocked",
				"drift": ppm,
			}).Debug("drift estimate beyond bound, ignored")
		} else {
			e.driftPPM = ppm
		}
	}
}

func (e *Engine) noteFailure(err error) {
	log.WithFields(logger.Fields{
		"at":     "(Engine) Synchronize",
		"reason": err.Error(),
	}).Warn("synchronization round failed")
}

// Reset returns the engine to its initial state. Used on a new connection.
func (e *Engine) Reset() {
	e.round.Lock()
	defer e.round.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offset.Store(0)
	e.driftPPM = 0
	e.quality = 0
	e.lastSync = time.Time{}
	e.status = Unsynchronized
	e.pending = nil
	e.history = nil
	e.points = nil
}
