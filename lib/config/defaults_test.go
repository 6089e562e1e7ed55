package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, 8, cfg.TimeSync.SampleCount)
	assert.Equal(t, 10*time.Millisecond, cfg.TimeSync.SingleStepThreshold)
	assert.Equal(t, 25*time.Millisecond, cfg.TimeSync.MaxStep)
	assert.Equal(t, time.Second, cfg.TimeSync.EmergencyThreshold)
	assert.Equal(t, 5*time.Minute, cfg.TimeSync.DriftWindow)
	assert.Equal(t, float64(100), cfg.TimeSync.MaxDriftPPM)
	assert.Equal(t, float64(50), cfg.TimeSync.MinQuality)
	assert.Equal(t, float64(75), cfg.TimeSync.EmergencyMinQuality)

	assert.Equal(t, 500*time.Millisecond, cfg.Hopping.Interval)
	assert.Equal(t, 1024, cfg.Hopping.MinPort)
	assert.Equal(t, 65535, cfg.Hopping.MaxPort)
	assert.Equal(t, 50*time.Millisecond, cfg.Hopping.MinOverlap)
	assert.Equal(t, 500*time.Millisecond, cfg.Hopping.MaxOverlap)

	assert.Equal(t, 3, cfg.Recovery.MaxAttemptsPerLevel)
	assert.Equal(t, 3, cfg.Recovery.AuthFailureThreshold)
	assert.Equal(t, 2, cfg.Recovery.CategoryThreshold)
	assert.True(t, cfg.Recovery.EmergencyEnabled)

	assert.Equal(t, 60*time.Second, cfg.Session.HandshakeSkew)
	assert.False(t, cfg.Clock.NTPEnabled)
}

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Validate(Defaults()))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *ConfigDefaults)
		want   string
	}{
		{"too few samples", func(c *ConfigDefaults) { c.TimeSync.SampleCount = 1 }, "SampleCount"},
		{"step below threshold", func(c *ConfigDefaults) { c.TimeSync.MaxStep = 5 * time.Millisecond }, "MaxStep"},
		{"step fraction", func(c *ConfigDefaults) { c.TimeSync.StepFraction = 1.5 }, "StepFraction"},
		{"emergency below tolerance", func(c *ConfigDefaults) { c.TimeSync.EmergencyThreshold = 10 * time.Millisecond }, "EmergencyThreshold"},
		{"quality order", func(c *ConfigDefaults) { c.TimeSync.EmergencyMinQuality = 40 }, "quality"},
		{"interval does not divide day", func(c *ConfigDefaults) { c.Hopping.Interval = 7 * time.Millisecond }, "divide 24h"},
		{"sub-millisecond interval", func(c *ConfigDefaults) { c.Hopping.Interval = 1500 * time.Microsecond }, "milliseconds"},
		{"port range", func(c *ConfigDefaults) { c.Hopping.MinPort = 70000 }, "port range"},
		{"overlap bounds", func(c *ConfigDefaults) { c.Hopping.MaxOverlap = 10 * time.Millisecond }, "overlap"},
		{"attempts", func(c *ConfigDefaults) { c.Recovery.MaxAttemptsPerLevel = 0 }, "MaxAttemptsPerLevel"},
		{"backoff", func(c *ConfigDefaults) { c.Recovery.MaxBackoff = time.Millisecond }, "backoff"},
		{"skew", func(c *ConfigDefaults) { c.Session.HandshakeSkew = time.Millisecond }, "HandshakeSkew"},
		{"rendezvous interval", func(c *ConfigDefaults) { c.Session.RendezvousInterval = 7 * time.Second }, "RendezvousInterval"},
		{"datagram", func(c *ConfigDefaults) { c.Transport.MaxDatagramSize = 100 }, "MaxDatagramSize"},
		{"ntp servers", func(c *ConfigDefaults) { c.Clock.NTPEnabled = true; c.Clock.NTPServers = nil }, "NTPServers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.True(t, strings.HasPrefix(err.Error(), "configuration validation failed: "))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestIntervalsDividingDay(t *testing.T) {
	for _, ms := range []int{100, 250, 500, 1000, 2000} {
		cfg := Defaults()
		cfg.Hopping.Interval = time.Duration(ms) * time.Millisecond
		assert.NoError(t, Validate(cfg), "interval %dms", ms)
	}
}

func TestDumpParse(t *testing.T) {
	cfg := Defaults()
	cfg.Hopping.Interval = 250 * time.Millisecond
	cfg.Clock.NTPEnabled = true

	out, err := Dump(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(out), "interval: 250ms")
	assert.Contains(t, string(out), "ntp_enabled: true")

	parsed, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, cfg, parsed)
}

func TestParsePartialKeepsDefaults(t *testing.T) {
	parsed, err := Parse([]byte("hopping:\n  min_port: 20000\n"))
	require.NoError(t, err)
	assert.Equal(t, 20000, parsed.Hopping.MinPort)
	assert.Equal(t, Defaults().Hopping.MaxPort, parsed.Hopping.MaxPort)
	assert.Equal(t, Defaults().TimeSync, parsed.TimeSync)
}
