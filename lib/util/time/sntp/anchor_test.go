package sntp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/beevik/ntp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockNTPClient answers every query with a well-formed response carrying
// ClockOffset, or Error when set.
type MockNTPClient struct {
	mu          sync.Mutex
	ClockOffset time.Duration
	Offsets     map[string]time.Duration
	Error       error
	Queries     int
}

func (c *MockNTPClient) QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Queries++
	if c.Error != nil {
		return nil, c.Error
	}
	offset := c.ClockOffset
	if o, ok := c.Offsets[host]; ok {
		offset = o
	}
	return validResponse(offset), nil
}

func validResponse(offset time.Duration) *ntp.Response {
	return &ntp.Response{
		Time:           time.Now().Add(offset),
		ClockOffset:    offset,
		RTT:            20 * time.Millisecond,
		Stratum:        2,
		Leap:           ntp.LeapNoWarning,
		RootDelay:      10 * time.Millisecond,
		RootDispersion: 10 * time.Millisecond,
	}
}

type MockListener struct {
	mu      sync.Mutex
	offsets []time.Duration
}

func (ml *MockListener) SetOffset(offset time.Duration) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.offsets = append(ml.offsets, offset)
}

func (ml *MockListener) count() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return len(ml.offsets)
}

func TestNewAnchorDefaults(t *testing.T) {
	a := NewAnchor(nil, Options{})
	require.NotNil(t, a)
	assert.Equal(t, DefaultServers, a.Servers())
	assert.Equal(t, defaultConcurring, a.concurringServers)
	assert.Equal(t, defaultQueryFrequency, a.queryFrequency)
	assert.Equal(t, defaultTimeout, a.timeout)
	assert.Zero(t, a.Offset())
}

func TestNewAnchorBounds(t *testing.T) {
	a := NewAnchor(&MockNTPClient{}, Options{Concurring: 9, QueryFrequency: time.Second})
	assert.Equal(t, maxConcurring, a.concurringServers)
	assert.Equal(t, minQueryFrequency, a.queryFrequency)
}

func TestAddAndRemoveListener(t *testing.T) {
	a := NewAnchor(&MockNTPClient{}, Options{})
	listener := &MockListener{}

	a.AddListener(listener)
	assert.Len(t, a.listeners, 1)

	a.RemoveListener(listener)
	assert.Len(t, a.listeners, 0)
}

func TestSyncAdoptsOffset(t *testing.T) {
	client := &MockNTPClient{ClockOffset: 1500 * time.Millisecond}
	a := NewAnchor(client, Options{Servers: []string{"a", "b", "c"}})
	listener := &MockListener{}
	a.AddListener(listener)

	offset, err := a.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, offset)
	assert.Equal(t, 1500*time.Millisecond, a.Offset())
	assert.False(t, a.WellSynced())
	assert.Equal(t, 1, listener.count())
	assert.Equal(t, 3, client.Queries)

	delta := a.Now().Sub(time.Now())
	assert.InDelta(t, float64(1500*time.Millisecond), float64(delta), float64(100*time.Millisecond))
}

func TestSyncWellSynced(t *testing.T) {
	a := NewAnchor(&MockNTPClient{ClockOffset: 30 * time.Millisecond}, Options{Servers: []string{"a"}})
	_, err := a.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, a.WellSynced())
}

func TestSyncAllServersFail(t *testing.T) {
	client := &MockNTPClient{Error: errors.New("unreachable")}
	a := NewAnchor(client, Options{Servers: []string{"a", "b"}})
	listener := &MockListener{}
	a.AddListener(listener)

	_, err := a.Sync(context.Background())
	require.Error(t, err)
	assert.Zero(t, a.Offset())
	assert.Zero(t, listener.count())
	assert.Equal(t, 2, client.Queries)
}

func TestSyncRejectsLargeFirstSample(t *testing.T) {
	// Offsets past maxClockOffset fail response validation outright.
	a := NewAnchor(&MockNTPClient{ClockOffset: 20 * time.Second}, Options{Servers: []string{"a"}})
	_, err := a.Sync(context.Background())
	require.Error(t, err)
	assert.Zero(t, a.Offset())
}

func TestSyncCancelled(t *testing.T) {
	a := NewAnchor(&MockNTPClient{}, Options{Servers: []string{"a"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Sync(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStartStop(t *testing.T) {
	client := &MockNTPClient{ClockOffset: 200 * time.Millisecond}
	a := NewAnchor(client, Options{Servers: []string{"a", "b", "c"}})

	a.Start()
	require.True(t, a.WaitForInitialization(5*time.Second))
	a.Stop()
	assert.Equal(t, 200*time.Millisecond, a.Offset())

	// Stop is idempotent.
	a.Stop()
}

func TestCalculateSleepDuration(t *testing.T) {
	a := NewAnchor(&MockNTPClient{}, Options{})

	assert.Equal(t, 30*time.Second, a.calculateSleepDuration(true))
	for i := 0; i < maxConsecutiveFails; i++ {
		a.calculateSleepDuration(true)
	}
	assert.Equal(t, 30*time.Minute, a.calculateSleepDuration(true))

	d := a.calculateSleepDuration(false)
	assert.Zero(t, a.consecutiveFails)
	assert.GreaterOrEqual(t, d, a.queryFrequency)
	assert.Less(t, d, a.queryFrequency+a.queryFrequency/2)
}

func TestCalculateMedian(t *testing.T) {
	tests := []struct {
		name   string
		in     []time.Duration
		expect time.Duration
	}{
		{"empty", nil, 0},
		{"single", []time.Duration{5}, 5},
		{"odd", []time.Duration{9, 1, 5}, 5},
		{"even", []time.Duration{4, 1, 2, 8}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, calculateMedian(tt.in))
		})
	}
}
