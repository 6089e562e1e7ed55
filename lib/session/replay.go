package session

import (
	"sync"
	"time"

	"github.com/go-i2p/go-porthop/lib/util/time/monotonic"
)

// replayCacheMaxSize bounds the cache under a flood of connect requests.
const replayCacheMaxSize = 4096

// replayCache remembers the ephemeral keys of accepted connect requests so
// a captured request cannot be replayed while its timestamp is still
// inside the handshake skew window.
type replayCache struct {
	ttl   time.Duration
	clock monotonic.Source

	mu      sync.Mutex
	entries map[[32]byte]time.Time
}

func newReplayCache(ttl time.Duration, clock monotonic.Source) *replayCache {
	return &replayCache{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[[32]byte]time.Time),
	}
}

// checkAndAdd returns true if key was seen within the TTL, otherwise it
// records key and returns false.
func (rc *replayCache) checkAndAdd(key [32]byte) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	now := rc.clock.Now()
	if firstSeen, ok := rc.entries[key]; ok && now.Sub(firstSeen) < rc.ttl {
		return true
	}
	rc.evictExpiredLocked(now)
	if len(rc.entries) >= replayCacheMaxSize {
		rc.evictOldestLocked()
	}
	rc.entries[key] = now
	return false
}

func (rc *replayCache) evictExpiredLocked(now time.Time) {
	cutoff := now.Add(-rc.ttl)
	for key, firstSeen := range rc.entries {
		if firstSeen.Before(cutoff) {
			delete(rc.entries, key)
		}
	}
}

func (rc *replayCache) evictOldestLocked() {
	var oldest [32]byte
	var oldestAt time.Time
	for key, firstSeen := range rc.entries {
		if oldestAt.IsZero() || firstSeen.Before(oldestAt) {
			oldest, oldestAt = key, firstSeen
		}
	}
	delete(rc.entries, oldest)
}

func (rc *replayCache) size() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.entries)
}
