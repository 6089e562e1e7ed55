package sntp

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/go-porthop/lib/util/time/monotonic"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// NTPClient is the subset of beevik/ntp the anchor depends on.
type NTPClient interface {
	QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error)
}

type DefaultNTPClient struct{}

func (c *DefaultNTPClient) QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error) {
	return ntp.QueryWithOptions(host, options)
}

const (
	minQueryFrequency     = 5 * time.Minute
	defaultQueryFrequency = 11 * time.Minute
	defaultConcurring     = 3
	maxConcurring         = 4
	maxConsecutiveFails   = 10
	defaultTimeout        = 5 * time.Second
	maxVariance           = 10 * time.Second
	wellSyncedThreshold   = 500 * time.Millisecond
)

// DefaultServers is used when Options.Servers is empty.
var DefaultServers = []string{"0.pool.ntp.org", "1.pool.ntp.org", "2.pool.ntp.org"}

var (
	ErrNoServers     = oops.New("no NTP servers configured")
	ErrNotConcurring = oops.New("NTP servers disagree beyond the allowed variance")
)

// Options tunes an Anchor. Zero values select defaults.
type Options struct {
	Servers        []string
	Concurring     int
	QueryFrequency time.Duration
	Timeout        time.Duration
}

// Anchor keeps an NTP-derived offset to UTC and serves corrected time.
type Anchor struct {
	servers           []string
	listeners         []UpdateListener
	queryFrequency    time.Duration
	timeout           time.Duration
	concurringServers int
	consecutiveFails  int
	initialized       bool
	wellSynced        bool
	isRunning         bool
	mutex             sync.Mutex
	stopChan          chan struct{}
	stopOnce          sync.Once
	waitGroup         sync.WaitGroup
	ntpClient         NTPClient
	clock             *monotonic.OffsetClock
	// initChan is closed once the first query cycle finishes, successful or not.
	initChan chan struct{}
}

// NewAnchor builds an anchor around client. A nil client uses beevik/ntp directly.
func NewAnchor(client NTPClient, opts Options) *Anchor {
	if client == nil {
		client = &DefaultNTPClient{}
	}
	a := &Anchor{
		listeners:         []UpdateListener{},
		servers:           append([]string(nil), opts.Servers...),
		queryFrequency:    opts.QueryFrequency,
		timeout:           opts.Timeout,
		concurringServers: opts.Concurring,
		stopChan:          make(chan struct{}),
		ntpClient:         client,
		clock:             monotonic.NewOffsetClock(monotonic.SystemClock{}),
		initChan:          make(chan struct{}),
	}
	a.applyBounds()
	return a
}

func (a *Anchor) applyBounds() {
	if len(a.servers) == 0 {
		a.servers = append([]string(nil), DefaultServers...)
	}
	if a.queryFrequency == 0 {
		a.queryFrequency = defaultQueryFrequency
	} else if a.queryFrequency < minQueryFrequency {
		a.queryFrequency = minQueryFrequency
	}
	if a.timeout <= 0 {
		a.timeout = defaultTimeout
	}
	if a.concurringServers < 1 {
		a.concurringServers = defaultConcurring
	} else if a.concurringServers > maxConcurring {
		a.concurringServers = maxConcurring
	}
}

// Now returns system time corrected by the last accepted NTP offset.
func (a *Anchor) Now() time.Time {
	return a.clock.Now()
}

// Offset returns the last accepted offset to UTC.
func (a *Anchor) Offset() time.Duration {
	return a.clock.Offset()
}

// WellSynced reports whether the last cycle measured an offset under 500ms.
func (a *Anchor) WellSynced() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.wellSynced
}

// Servers returns a copy of the configured server list.
func (a *Anchor) Servers() []string {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	servers := make([]string, len(a.servers))
	copy(servers, a.servers)
	return servers
}

func (a *Anchor) AddListener(listener UpdateListener) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.listeners = append(a.listeners, listener)
}

func (a *Anchor) RemoveListener(listener UpdateListener) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	for i, l := range a.listeners {
		if l == listener {
			a.listeners = append(a.listeners[:i], a.listeners[i+1:]...)
			break
		}
	}
}

// Start launches the periodic query loop. It is a no-op when already running.
func (a *Anchor) Start() {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.isRunning {
		return
	}
	a.isRunning = true
	a.waitGroup.Add(1)
	go a.run()
}

// Stop ends the query loop and waits for it to exit.
func (a *Anchor) Stop() {
	a.mutex.Lock()
	if !a.isRunning {
		a.mutex.Unlock()
		return
	}
	a.isRunning = false
	a.mutex.Unlock()
	a.stopOnce.Do(func() {
		close(a.stopChan)
	})
	a.waitGroup.Wait()
}

// WaitForInitialization blocks until the first query cycle completes or
// timeout elapses. It reports whether initialization happened.
func (a *Anchor) WaitForInitialization(timeout time.Duration) bool {
	select {
	case <-a.initChan:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (a *Anchor) run() {
	defer a.waitGroup.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-a.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, err := a.Sync(ctx)
		if ctx.Err() != nil {
			return
		}
		if !a.waitWithCancellation(a.calculateSleepDuration(err != nil)) {
			return
		}
	}
}

// calculateSleepDuration backs off after failures and relaxes when well synced.
func (a *Anchor) calculateSleepDuration(lastFailed bool) time.Duration {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if lastFailed {
		a.consecutiveFails++
		if a.consecutiveFails >= maxConsecutiveFails {
			return 30 * time.Minute
		}
		return 30 * time.Second
	}
	a.consecutiveFails = 0
	sleepTime := a.queryFrequency + time.Duration(rand.Int63n(int64(a.queryFrequency/2)))
	if a.wellSynced {
		sleepTime *= 3
	}
	return sleepTime
}

func (a *Anchor) waitWithCancellation(duration time.Duration) bool {
	select {
	case <-time.After(duration):
		return true
	case <-a.stopChan:
		return false
	}
}

// Sync runs one query cycle against the configured servers and, when enough
// of them concur, adopts their median offset.
func (a *Anchor) Sync(ctx context.Context) (time.Duration, error) {
	defer a.markInitialized()

	servers := a.Servers()
	a.mutex.Lock()
	concurring := a.concurringServers
	timeout := a.timeout
	a.mutex.Unlock()

	found := make([]time.Duration, 0, concurring)
	for len(found) < concurring {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		offset, err := a.queryWithRetry(ctx, servers, timeout)
		if err != nil {
			return 0, err
		}
		if len(found) == 0 {
			if absDuration(offset) >= maxVariance {
				return 0, oops.Errorf("first NTP sample %v exceeds variance %v", offset, maxVariance)
			}
		} else if absDuration(offset-found[0]) > maxVariance {
			return 0, ErrNotConcurring
		}
		found = append(found, offset)
	}

	median := calculateMedian(found)
	a.stampOffset(median)
	return median, nil
}

// queryWithRetry tries random servers until one returns a valid response or
// every server has been tried once.
func (a *Anchor) queryWithRetry(ctx context.Context, servers []string, timeout time.Duration) (time.Duration, error) {
	if len(servers) == 0 {
		return 0, ErrNoServers
	}
	var lastErr error
	for attempt := 0; attempt < len(servers); attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		offset, err := a.querySingle(servers[rand.Intn(len(servers))], timeout)
		if err == nil {
			return offset, nil
		}
		lastErr = err
	}
	return 0, oops.Wrapf(lastErr, "all NTP servers failed")
}

func (a *Anchor) querySingle(server string, timeout time.Duration) (time.Duration, error) {
	response, err := a.ntpClient.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		log.WithError(err).WithField("server", server).Debug("NTP query failed")
		return 0, err
	}
	if !validateResponse(response) {
		log.WithField("server", server).Debug("NTP response rejected")
		return 0, oops.Errorf("NTP response validation failed for server %s", server)
	}
	return response.ClockOffset, nil
}

func (a *Anchor) stampOffset(offset time.Duration) {
	a.clock.SetOffset(offset)

	a.mutex.Lock()
	a.wellSynced = absDuration(offset) < wellSyncedThreshold
	listeners := append([]UpdateListener(nil), a.listeners...)
	a.mutex.Unlock()

	log.WithFields(logger.Fields{
		"at":     "(Anchor) stampOffset",
		"offset": offset,
	}).Info("NTP anchor updated")

	for _, listener := range listeners {
		listener.SetOffset(offset)
	}
}

func (a *Anchor) markInitialized() {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if !a.initialized {
		a.initialized = true
		close(a.initChan)
	}
}

// calculateMedian returns the median, averaging the middle pair for even counts.
func calculateMedian(deltas []time.Duration) time.Duration {
	if len(deltas) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), deltas...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
