package hopping

import (
	"sort"
	"sync"
	"time"

	"github.com/go-i2p/go-porthop/lib/config"
	"github.com/go-i2p/go-porthop/lib/util/time/monotonic"
	"github.com/go-i2p/logger"
)

// Binder is the part of the transport the scheduler drives.
type Binder interface {
	Bind(port uint16) error
	Unbind(port uint16) error
}

// Binding is one bound port and the windows it was bound for.
type Binding struct {
	Port    uint16
	Windows []uint64
	BoundAt time.Time
	// RetireAt is zero while the binding is live.
	RetireAt time.Time
	retire   *monotonic.Deadline
}

// Slot is one entry of a printed schedule.
type Slot struct {
	Window uint64
	Port   uint16
	Start  time.Time
}

type pendingParams struct {
	params    Params
	effective uint64
}

// Scheduler owns the port binding set of one session.
type Scheduler struct {
	mu         sync.Mutex
	cfg        config.HoppingDefaults
	rng        Range
	clock      monotonic.Source
	binder     Binder
	params     Params
	pending    *pendingParams
	windowSize int
	overlap    time.Duration
	// bindings is keyed by port; two windows may share a port.
	bindings map[uint16]*Binding
	// windowPort records which candidate each live window ended up on.
	windowPort map[uint64]uint16
	released   bool
}

// NewScheduler creates a scheduler for params. Nothing is bound until the
// first Advance.
func NewScheduler(cfg config.HoppingDefaults, clock monotonic.Source, binder Binder, params Params) (*Scheduler, error) {
	rng, err := NewRange(cfg.MinPort, cfg.MaxPort)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = monotonic.SystemClock{}
	}
	s := &Scheduler{
		cfg:        cfg,
		rng:        rng,
		clock:      clock,
		binder:     binder,
		params:     params,
		windowSize: cfg.WindowSize,
		bindings:   make(map[uint16]*Binding),
		windowPort: make(map[uint64]uint16),
	}
	s.overlap = s.clampOverlap(cfg.OverlapMargin)
	return s, nil
}

// Range returns the configured port range.
func (s *Scheduler) Range() Range {
	return s.rng
}

// Interval returns the hop interval.
func (s *Scheduler) Interval() time.Duration {
	return s.cfg.Interval
}

// Params returns the active parameters.
func (s *Scheduler) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// CurrentWindow returns the session window at the scheduler clock's now.
func (s *Scheduler) CurrentWindow() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windowAtLocked(s.clock.Now())
}

// WindowAt returns the session window containing t.
func (s *Scheduler) WindowAt(t time.Time) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windowAtLocked(t)
}

func (s *Scheduler) windowAtLocked(t time.Time) uint64 {
	return s.params.WindowAt(t, s.cfg.Interval)
}

// NextBoundary returns when the session's next window begins after t.
func (s *Scheduler) NextBoundary(t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.windowAtLocked(t)
	return s.params.WindowStartAt(t, w, s.cfg.Interval).Add(s.cfg.Interval)
}

// paramsForLocked returns the parameters governing window w.
func (s *Scheduler) paramsForLocked(w uint64) Params {
	if s.pending != nil && Distance(s.pending.effective, w, s.cfg.Interval) >= 0 {
		return s.pending.params
	}
	return s.params
}

// PortFor returns the primary port of window w under the parameters in
// force for that window.
func (s *Scheduler) PortFor(w uint64) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PortForWindow(s.paramsForLocked(w), w, s.rng)
}

// CurrentPort is the port to send to right now, or zero once released.
func (s *Scheduler) CurrentPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return 0
	}
	w := s.windowAtLocked(s.clock.Now())
	return PortForWindow(s.paramsForLocked(w), w, s.rng)
}

// WindowSize returns the adaptive window size.
func (s *Scheduler) WindowSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windowSize
}

// SetWindowSize changes the adaptive window, clamped to the configured
// bounds. It takes effect on the next Advance.
func (s *Scheduler) SetWindowSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < s.cfg.WindowSize {
		n = s.cfg.WindowSize
	}
	if n > s.cfg.MaxWindowSize {
		n = s.cfg.MaxWindowSize
	}
	s.windowSize = n
}

// WindowsAround returns the windows of a size-n symmetric window centred on
// w, in ascending order. n/2 windows are taken on each side, so n=4 around
// 100 yields 98..102.
func WindowsAround(w uint64, n int, interval time.Duration) []uint64 {
	half := int64(n / 2)
	out := make([]uint64, 0, 2*half+1)
	for d := -half; d <= half; d++ {
		out = append(out, Neighbor(w, d, interval))
	}
	return out
}

// PortsAround returns the primary ports of WindowsAround, one per window.
func PortsAround(p Params, w uint64, n int, interval time.Duration, r Range) []uint16 {
	windows := WindowsAround(w, n, interval)
	ports := make([]uint16, len(windows))
	for i, win := range windows {
		ports[i] = PortForWindow(p, win, r)
	}
	return ports
}

// CurrentPorts returns every port valid now given the adaptive window, in
// window order. Duplicates are removed.
func (s *Scheduler) CurrentPorts() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.windowAtLocked(s.clock.Now())
	seen := make(map[uint16]bool)
	var ports []uint16
	for _, w := range WindowsAround(cur, s.windowSize, s.cfg.Interval) {
		p := PortForWindow(s.paramsForLocked(w), w, s.rng)
		if !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
	}
	return ports
}

// SetOverlap updates the retirement overlap from the current sync tolerance
// and measured one-way delay.
func (s *Scheduler) SetOverlap(tolerance, delay time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlap = s.clampOverlap(tolerance + delay + s.cfg.OverlapMargin)
	return s.overlap
}

// Overlap returns the current retirement overlap.
func (s *Scheduler) Overlap() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlap
}

func (s *Scheduler) clampOverlap(d time.Duration) time.Duration {
	if d < s.cfg.MinOverlap {
		return s.cfg.MinOverlap
	}
	if d > s.cfg.MaxOverlap {
		return s.cfg.MaxOverlap
	}
	return d
}

// Rekey installs params to take effect from window effective onwards.
func (s *Scheduler) Rekey(params Params, effective uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = &pendingParams{params: params, effective: effective}
	// Windows already bound at or past the switch were bound with the old
	// parameters; release them so the next Advance rebinds.
	now := s.clock.Now()
	for w := range s.windowPort {
		if Distance(effective, w, s.cfg.Interval) >= 0 {
			s.dropWindowLocked(w, now)
		}
	}
	log.WithFields(logger.Fields{
		"at":        "(Scheduler) Rekey",
		"effective": effective,
	}).Debug("hop parameters scheduled")
}

// Pending reports the window at which scheduled parameters take effect.
func (s *Scheduler) Pending() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return 0, false
	}
	return s.pending.effective, true
}

// Advance performs one hop: binds every window of the adaptive set that is
// not yet bound, schedules retirement of windows that left the set and
// unbinds bindings whose overlap has elapsed. New ports are bound before any
// old port is released.
func (s *Scheduler) Advance() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cur := s.windowAtLocked(now)
	if s.released {
		return &HopError{Kind: Released, Window: cur}
	}
	if s.pending != nil && Distance(s.pending.effective, cur, s.cfg.Interval) >= 0 {
		s.params = s.pending.params
		s.pending = nil
		log.WithFields(logger.Fields{
			"at":     "(Scheduler) Advance",
			"window": cur,
		}).Info("hop parameters switched")
	}

	desired := WindowsAround(cur, s.windowSize, s.cfg.Interval)
	want := make(map[uint64]bool, len(desired))
	var firstErr error
	for _, w := range desired {
		want[w] = true
		if _, ok := s.windowPort[w]; ok {
			continue
		}
		if err := s.bindWindowLocked(w, now); err != nil && (firstErr == nil || w == cur) {
			firstErr = err
		}
	}

	for w := range s.windowPort {
		if !want[w] {
			s.dropWindowLocked(w, now)
		}
	}

	s.reapLocked(now)

	log.WithFields(logger.Fields{
		"at":       "(Scheduler) Advance",
		"window":   cur,
		"bindings": len(s.bindings),
	}).Debug("hop advanced")
	return firstErr
}

// bindWindowLocked binds the first candidate port of w that succeeds. Peers
// only send to the primary port, so an alternate keeps the window's
// bookkeeping and bind errors local; it does not make the window reachable
// while something else owns the primary.
func (s *Scheduler) bindWindowLocked(w uint64, now time.Time) error {
	p := s.paramsForLocked(w)
	var lastErr error
	var lastPort uint16
	for attempt := uint32(0); attempt <= uint32(s.cfg.AlternateCandidates); attempt++ {
		port := CandidatePort(p, w, attempt, s.rng)
		if b, ok := s.bindings[port]; ok {
			// Already bound for another window, or still in its overlap.
			b.Windows = appendWindow(b.Windows, w)
			b.retire = nil
			b.RetireAt = time.Time{}
			s.windowPort[w] = port
			return nil
		}
		if err := s.binder.Bind(port); err != nil {
			lastErr, lastPort = err, port
			log.WithFields(logger.Fields{
				"at":      "(Scheduler) bindWindow",
				"window":  w,
				"port":    port,
				"attempt": attempt,
				"reason":  err.Error(),
			}).Warn("bind failed, trying alternate")
			continue
		}
		s.bindings[port] = &Binding{Port: port, Windows: []uint64{w}, BoundAt: now}
		s.windowPort[w] = port
		return nil
	}
	log.WithFields(logger.Fields{
		"at":     "(Scheduler) bindWindow",
		"window": w,
	}).Error("no candidate port could be bound")
	return &HopError{Kind: BindFailed, Window: w, Port: lastPort, Err: lastErr}
}

// dropWindowLocked detaches w from its binding and starts the retirement
// overlap once no window uses the port.
func (s *Scheduler) dropWindowLocked(w uint64, now time.Time) {
	port := s.windowPort[w]
	delete(s.windowPort, w)
	b := s.bindings[port]
	if b == nil {
		return
	}
	b.Windows = removeWindow(b.Windows, w)
	if len(b.Windows) == 0 && b.retire == nil {
		b.retire = monotonic.NewDeadlineAt(now, s.overlap)
		b.RetireAt = b.retire.ExpiresAt()
	}
}

// Reap unbinds bindings whose overlap has elapsed and returns the freed ports.
func (s *Scheduler) Reap() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reapLocked(s.clock.Now())
}

func (s *Scheduler) reapLocked(now time.Time) []uint16 {
	var freed []uint16
	for port, b := range s.bindings {
		if b.retire == nil || !b.retire.ExpiredAt(now) {
			continue
		}
		if err := s.binder.Unbind(port); err != nil {
			log.WithError(err).WithField("port", port).Warn("unbind failed")
		}
		delete(s.bindings, port)
		freed = append(freed, port)
	}
	sort.Slice(freed, func(i, j int) bool { return freed[i] < freed[j] })
	return freed
}

// BoundPort returns the port actually bound for window w, which differs from
// the primary when an alternate had to be used.
func (s *Scheduler) BoundPort(w uint64) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.windowPort[w]
	return p, ok
}

// IsBound reports whether port is currently bound, including ports in their
// retirement overlap.
func (s *Scheduler) IsBound(port uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bindings[port]
	return ok
}

// Bindings returns a snapshot of the binding set ordered by port.
func (s *Scheduler) Bindings() []Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		cp := *b
		cp.Windows = append([]uint64(nil), b.Windows...)
		cp.retire = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// ReleaseAll unbinds every port immediately and clears the hop parameters.
// Later calls to Advance fail with a Released error and the schedule is
// empty. Used on session cleanup.
func (s *Scheduler) ReleaseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	s.params = Params{}
	s.pending = nil
	for port := range s.bindings {
		if err := s.binder.Unbind(port); err != nil {
			log.WithError(err).WithField("port", port).Debug("unbind during release failed")
		}
	}
	s.bindings = make(map[uint16]*Binding)
	s.windowPort = make(map[uint64]uint16)
}

// Schedule lists n consecutive windows starting at the window containing t.
// A released scheduler has no schedule.
func (s *Scheduler) Schedule(t time.Time, n int) []Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	w := s.windowAtLocked(t)
	start := s.params.WindowStartAt(t, w, s.cfg.Interval)
	slots := make([]Slot, n)
	for i := 0; i < n; i++ {
		win := Neighbor(w, int64(i), s.cfg.Interval)
		slots[i] = Slot{
			Window: win,
			Port:   PortForWindow(s.paramsForLocked(win), win, s.rng),
			Start:  start.Add(time.Duration(i) * s.cfg.Interval),
		}
	}
	return slots
}

func appendWindow(ws []uint64, w uint64) []uint64 {
	for _, x := range ws {
		if x == w {
			return ws
		}
	}
	return append(ws, w)
}

func removeWindow(ws []uint64, w uint64) []uint64 {
	out := ws[:0]
	for _, x := range ws {
		if x != w {
			out = append(out, x)
		}
	}
	return out
}
