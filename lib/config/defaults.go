package config

import (
	"time"

	"github.com/go-i2p/logger"
)

// ConfigDefaults contains every tunable value of a porthop peer.
type ConfigDefaults struct {
	TimeSync  TimeSyncDefaults  `yaml:"timesync"`
	Hopping   HoppingDefaults   `yaml:"hopping"`
	Recovery  RecoveryDefaults  `yaml:"recovery"`
	Session   SessionDefaults   `yaml:"session"`
	Transport TransportDefaults `yaml:"transport"`
	Clock     ClockDefaults     `yaml:"clock"`
}

// TimeSyncDefaults contains default values for peer time synchronization.
type TimeSyncDefaults struct {
	// SampleCount is the number of exchanges per synchronization round.
	// Default: 8
	SampleCount int `yaml:"sample_count"`

	// ExchangeTimeout bounds a single request/response exchange.
	// Default: 500ms
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"`

	// Tolerance is the residual offset above which a resync is triggered.
	// Default: 50ms
	Tolerance time.Duration `yaml:"tolerance"`

	// SingleStepThreshold is the largest correction applied in one step.
	// Default: 10ms
	SingleStepThreshold time.Duration `yaml:"single_step_threshold"`

	// MaxStep caps each gradual correction step.
	// Default: 25ms
	MaxStep time.Duration `yaml:"max_step"`

	// StepFraction is the share of the remaining correction taken per step.
	// Default: 0.10
	StepFraction float64 `yaml:"step_fraction"`

	// EmergencyThreshold routes corrections to the emergency path.
	// Default: 1s
	EmergencyThreshold time.Duration `yaml:"emergency_threshold"`

	// SanityBound rejects any measured offset beyond it.
	// Default: 10s
	SanityBound time.Duration `yaml:"sanity_bound"`

	// MinQuality is the batch quality required for a normal round.
	// Default: 50
	MinQuality float64 `yaml:"min_quality"`

	// EmergencyMinQuality is the batch quality required in an emergency round.
	// Default: 75
	EmergencyMinQuality float64 `yaml:"emergency_min_quality"`

	// EmergencyAttempts is how many emergency rounds run before giving up.
	// Default: 3
	EmergencyAttempts int `yaml:"emergency_attempts"`

	// DriftWindow is the regression window for drift estimation.
	// Default: 5 minutes
	DriftWindow time.Duration `yaml:"drift_window"`

	// MaxDriftPPM discards drift estimates beyond it as noise.
	// Default: 100
	MaxDriftPPM float64 `yaml:"max_drift_ppm"`

	// HistorySize bounds the number of retained samples.
	// Default: 64
	HistorySize int `yaml:"history_size"`

	// ResyncInterval is how often the initiator resynchronizes.
	// Default: 60s
	ResyncInterval time.Duration `yaml:"resync_interval"`

	// StaleAfter marks synchronization stale when no round succeeded for this long.
	// Default: 3 minutes
	StaleAfter time.Duration `yaml:"stale_after"`
}

// HoppingDefaults contains default values for the port schedule.
type HoppingDefaults struct {
	// Interval is the hop interval. It must divide a UTC day exactly.
	// Default: 500ms
	Interval time.Duration `yaml:"interval"`

	// MinPort and MaxPort bound the hop range, inclusive.
	// Default: 1024 and 65535
	MinPort int `yaml:"min_port"`
	MaxPort int `yaml:"max_port"`

	// WindowSize is the number of neighbouring windows kept bound around the
	// current one (half on each side) while synchronization is healthy.
	// Default: 2
	WindowSize int `yaml:"window_size"`

	// MaxWindowSize is the widest adaptive window used while degraded.
	// Default: 8
	MaxWindowSize int `yaml:"max_window_size"`

	// AlternateCandidates is the number of fallback ports tried per window
	// when the primary port cannot be bound. Senders always use the
	// primary, so a fallback only absorbs local bind conflicts.
	// Default: 2
	AlternateCandidates int `yaml:"alternate_candidates"`

	// OverlapMargin is added to tolerance and delay to get the retirement overlap.
	// Default: 20ms
	OverlapMargin time.Duration `yaml:"overlap_margin"`

	// MinOverlap and MaxOverlap clamp the retirement overlap.
	// Default: 50ms and 500ms
	MinOverlap time.Duration `yaml:"min_overlap"`
	MaxOverlap time.Duration `yaml:"max_overlap"`

	// RekeyLeadWindows is how far ahead new parameters take effect.
	// Default: 4
	RekeyLeadWindows int `yaml:"rekey_lead_windows"`
}

// RecoveryDefaults contains default values for the recovery coordinator.
type RecoveryDefaults struct {
	// MaxAttemptsPerLevel before escalating.
	// Default: 3
	MaxAttemptsPerLevel int `yaml:"max_attempts_per_level"`

	// BaseBackoff is doubled after each failed attempt, capped at MaxBackoff.
	// Default: 100ms and 5s
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`

	// AttemptRate and AttemptBurst limit recovery attempts per second.
	// Default: 10 and 3
	AttemptRate  float64 `yaml:"attempt_rate"`
	AttemptBurst int     `yaml:"attempt_burst"`

	// EmergencyEnabled selects EMERGENCY over CONNECTION_TERMINATE after a
	// failed rekey.
	// Default: true
	EmergencyEnabled bool `yaml:"emergency_enabled"`

	// AuthFailureThreshold is the HMAC failure count that triggers a rekey.
	// Default: 3
	AuthFailureThreshold int `yaml:"auth_failure_threshold"`

	// CategoryThreshold is the number of distinct concurrent failure
	// categories that triggers an emergency.
	// Default: 2
	CategoryThreshold int `yaml:"category_threshold"`

	// ConditionWindow is how long a failure condition counts as concurrent.
	// Default: 10s
	ConditionWindow time.Duration `yaml:"condition_window"`

	// SequenceWindow is the accepted distance ahead of the expected sequence.
	// Default: 64
	SequenceWindow int `yaml:"sequence_window"`

	// SequenceTimeout triggers repair when no in-order packet arrives.
	// Default: 5s
	SequenceTimeout time.Duration `yaml:"sequence_timeout"`

	// HistorySize bounds escalation history and recent conditions.
	// Default: 32
	HistorySize int `yaml:"history_size"`
}

// SessionDefaults contains default values for connection management.
type SessionDefaults struct {
	// HandshakeTimeout bounds Connect and each handshake exchange.
	// Default: 5s
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// HandshakeSkew is the accepted clock difference on connect requests.
	// Default: 60s
	HandshakeSkew time.Duration `yaml:"handshake_skew"`

	// RendezvousInterval is the hop interval of the rendezvous ports a
	// listener accepts connect requests on. It must divide a UTC day.
	// Default: 60s
	RendezvousInterval time.Duration `yaml:"rendezvous_interval"`

	// CloseTimeout bounds the wait for a CloseAck.
	// Default: 2s
	CloseTimeout time.Duration `yaml:"close_timeout"`

	// ReceiveBuffer is the number of delivered payloads buffered for Receive.
	// Default: 256
	ReceiveBuffer int `yaml:"receive_buffer"`

	// NotificationBuffer is the capacity of the notification channel.
	// Default: 32
	NotificationBuffer int `yaml:"notification_buffer"`

	// MaxPayload is the largest application payload per packet.
	// Default: 1200 bytes
	MaxPayload int `yaml:"max_payload"`
}

// TransportDefaults contains default values for the UDP transport.
type TransportDefaults struct {
	// ListenHost is the address hop ports are bound on.
	// Default: "0.0.0.0"
	ListenHost string `yaml:"listen_host"`

	// MaxDatagramSize is the read buffer per socket.
	// Default: 1500 bytes
	MaxDatagramSize int `yaml:"max_datagram_size"`

	// QueueSize is the inbound packet queue capacity.
	// Default: 1024
	QueueSize int `yaml:"queue_size"`
}

// ClockDefaults contains default values for NTP anchoring.
type ClockDefaults struct {
	// NTPEnabled anchors the local clock to NTP before sessions start.
	// Default: false
	NTPEnabled bool `yaml:"ntp_enabled"`

	// NTPServers queried by the anchor.
	// Default: 0-2.pool.ntp.org
	NTPServers []string `yaml:"ntp_servers"`

	// Concurring is how many servers must agree.
	// Default: 3
	Concurring int `yaml:"concurring"`

	// QueryTimeout bounds a single NTP query.
	// Default: 5s
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// Defaults returns a ConfigDefaults instance with all default values set.
func Defaults() ConfigDefaults {
	return ConfigDefaults{
		TimeSync:  buildTimeSyncDefaults(),
		Hopping:   buildHoppingDefaults(),
		Recovery:  buildRecoveryDefaults(),
		Session:   buildSessionDefaults(),
		Transport: buildTransportDefaults(),
		Clock:     buildClockDefaults(),
	}
}

func buildTimeSyncDefaults() TimeSyncDefaults {
	return TimeSyncDefaults{
		SampleCount:         8,
		ExchangeTimeout:     500 * time.Millisecond,
		Tolerance:           50 * time.Millisecond,
		SingleStepThreshold: 10 * time.Millisecond,
		MaxStep:             25 * time.Millisecond,
		StepFraction:        0.10,
		EmergencyThreshold:  1000 * time.Millisecond,
		SanityBound:         10 * time.Second,
		MinQuality:          50,
		EmergencyMinQuality: 75,
		EmergencyAttempts:   3,
		DriftWindow:         5 * time.Minute,
		MaxDriftPPM:         100,
		HistorySize:         64,
		ResyncInterval:      60 * time.Second,
		StaleAfter:          3 * time.Minute,
	}
}

func buildHoppingDefaults() HoppingDefaults {
	return HoppingDefaults{
		Interval:            500 * time.Millisecond,
		MinPort:             1024,
		MaxPort:             65535,
		WindowSize:          2,
		MaxWindowSize:       8,
		AlternateCandidates: 2,
		OverlapMargin:       20 * time.Millisecond,
		MinOverlap:          50 * time.Millisecond,
		MaxOverlap:          500 * time.Millisecond,
		RekeyLeadWindows:    4,
	}
}

func buildRecoveryDefaults() RecoveryDefaults {
	return RecoveryDefaults{
		MaxAttemptsPerLevel:  3,
		BaseBackoff:          100 * time.Millisecond,
		MaxBackoff:           5 * time.Second,
		AttemptRate:          10,
		AttemptBurst:         3,
		EmergencyEnabled:     true,
		AuthFailureThreshold: 3,
		CategoryThreshold:    2,
		ConditionWindow:      10 * time.Second,
		SequenceWindow:       64,
		SequenceTimeout:      5 * time.Second,
		HistorySize:          32,
	}
}

func buildSessionDefaults() SessionDefaults {
	return SessionDefaults{
		HandshakeTimeout:   5 * time.Second,
		HandshakeSkew:      60 * time.Second,
		RendezvousInterval: 60 * time.Second,
		CloseTimeout:       2 * time.Second,
		ReceiveBuffer:      256,
		NotificationBuffer: 32,
		MaxPayload:         1200,
	}
}

func buildTransportDefaults() TransportDefaults {
	return TransportDefaults{
		ListenHost:      "0.0.0.0",
		MaxDatagramSize: 1500,
		QueueSize:       1024,
	}
}

func buildClockDefaults() ClockDefaults {
	return ClockDefaults{
		NTPEnabled:   false,
		NTPServers:   []string{"0.pool.ntp.org", "1.pool.ntp.org", "2.pool.ntp.org"},
		Concurring:   3,
		QueryTimeout: 5 * time.Second,
	}
}

const day = 24 * time.Hour

// Validate checks if the provided configuration values are usable.
// Returns an error describing the first invalid value found.
func Validate(cfg ConfigDefaults) error {
	log.WithFields(logger.Fields{
		"at":     "Validate",
		"reason": "verification_requested",
	}).Debug("validating configuration")
	validators := []func() error{
		func() error { return validateTimeSync(cfg.TimeSync) },
		func() error { return validateHopping(cfg.Hopping) },
		func() error { return validateRecovery(cfg.Recovery) },
		func() error { return validateSession(cfg.Session) },
		func() error { return validateTransport(cfg.Transport) },
		func() error { return validateClock(cfg.Clock) },
	}
	for _, validator := range validators {
		if err := validator(); err != nil {
			log.WithError(err).Error("Configuration validation failed")
			return err
		}
	}
	log.WithFields(logger.Fields{
		"at":     "Validate",
		"reason": "all_validators_passed",
	}).Debug("configuration validated")
	return nil
}

func validateTimeSync(ts TimeSyncDefaults) error {
	if ts.SampleCount < 2 {
		return newValidationError("TimeSync.SampleCount must be at least 2")
	}
	if ts.ExchangeTimeout <= 0 {
		return newValidationError("TimeSync.ExchangeTimeout must be positive")
	}
	if ts.SingleStepThreshold <= 0 || ts.MaxStep < ts.SingleStepThreshold {
		return newValidationError("TimeSync.MaxStep must be at least TimeSync.SingleStepThreshold")
	}
	if ts.StepFraction <= 0 || ts.StepFraction > 1 {
		return newValidationError("TimeSync.StepFraction must be in (0, 1]")
	}
	if ts.EmergencyThreshold <= ts.Tolerance {
		return newValidationError("TimeSync.EmergencyThreshold must exceed TimeSync.Tolerance")
	}
	if ts.SanityBound < ts.EmergencyThreshold {
		return newValidationError("TimeSync.SanityBound must be at least TimeSync.EmergencyThreshold")
	}
	if ts.MinQuality < 0 || ts.MinQuality > 100 || ts.EmergencyMinQuality < ts.MinQuality || ts.EmergencyMinQuality > 100 {
		return newValidationError("TimeSync quality thresholds must satisfy 0 <= MinQuality <= EmergencyMinQuality <= 100")
	}
	if ts.EmergencyAttempts < 1 {
		return newValidationError("TimeSync.EmergencyAttempts must be at least 1")
	}
	if ts.HistorySize < ts.SampleCount {
		return newValidationError("TimeSync.HistorySize must hold at least one round of samples")
	}
	if ts.DriftWindow <= 0 || ts.MaxDriftPPM <= 0 {
		return newValidationError("TimeSync drift window and bound must be positive")
	}
	return nil
}

func validateHopping(h HoppingDefaults) error {
	if h.Interval < time.Millisecond || h.Interval%time.Millisecond != 0 {
		return newValidationError("Hopping.Interval must be a positive whole number of milliseconds")
	}
	if day%h.Interval != 0 {
		log.WithField("interval", h.Interval).Error("Invalid hopping configuration")
		return newValidationError("Hopping.Interval must divide 24h exactly")
	}
	if h.MinPort < 1 || h.MaxPort > 65535 || h.MinPort >= h.MaxPort {
		return newValidationError("Hopping port range must satisfy 1 <= MinPort < MaxPort <= 65535")
	}
	if h.WindowSize < 0 || h.MaxWindowSize < h.WindowSize {
		return newValidationError("Hopping.MaxWindowSize must be at least Hopping.WindowSize")
	}
	if h.AlternateCandidates < 0 {
		return newValidationError("Hopping.AlternateCandidates must not be negative")
	}
	if h.MinOverlap <= 0 || h.MaxOverlap < h.MinOverlap {
		return newValidationError("Hopping overlap bounds must satisfy 0 < MinOverlap <= MaxOverlap")
	}
	if h.RekeyLeadWindows < 1 {
		return newValidationError("Hopping.RekeyLeadWindows must be at least 1")
	}
	return nil
}

func validateRecovery(r RecoveryDefaults) error {
	if r.MaxAttemptsPerLevel < 1 {
		return newValidationError("Recovery.MaxAttemptsPerLevel must be at least 1")
	}
	if r.BaseBackoff <= 0 || r.MaxBackoff < r.BaseBackoff {
		return newValidationError("Recovery backoff must satisfy 0 < BaseBackoff <= MaxBackoff")
	}
	if r.AttemptRate <= 0 || r.AttemptBurst < 1 {
		return newValidationError("Recovery attempt rate and burst must be positive")
	}
	if r.AuthFailureThreshold < 1 || r.CategoryThreshold < 2 {
		return newValidationError("Recovery detector thresholds are too low")
	}
	if r.SequenceWindow < 1 || r.SequenceTimeout <= 0 {
		return newValidationError("Recovery sequence window and timeout must be positive")
	}
	if r.HistorySize < 1 {
		return newValidationError("Recovery.HistorySize must be at least 1")
	}
	return nil
}

func validateSession(s SessionDefaults) error {
	if s.HandshakeTimeout <= 0 || s.CloseTimeout <= 0 {
		return newValidationError("Session timeouts must be positive")
	}
	if s.HandshakeSkew < time.Second {
		return newValidationError("Session.HandshakeSkew must be at least 1s")
	}
	if s.RendezvousInterval < time.Second || s.RendezvousInterval%time.Millisecond != 0 || day%s.RendezvousInterval != 0 {
		return newValidationError("Session.RendezvousInterval must be at least 1s and divide 24h exactly")
	}
	if s.ReceiveBuffer < 1 || s.NotificationBuffer < 1 {
		return newValidationError("Session buffers must be at least 1")
	}
	if s.MaxPayload < 1 {
		return newValidationError("Session.MaxPayload must be at least 1")
	}
	return nil
}

func validateTransport(t TransportDefaults) error {
	if t.MaxDatagramSize < 576 {
		log.WithField("max_datagram_size", t.MaxDatagramSize).Error("Invalid transport configuration")
		return newValidationError("Transport.MaxDatagramSize must be at least 576 bytes")
	}
	if t.QueueSize < 1 {
		return newValidationError("Transport.QueueSize must be at least 1")
	}
	return nil
}

func validateClock(c ClockDefaults) error {
	if !c.NTPEnabled {
		return nil
	}
	if len(c.NTPServers) == 0 {
		return newValidationError("Clock.NTPServers must not be empty when NTP is enabled")
	}
	if c.Concurring < 1 || c.QueryTimeout <= 0 {
		return newValidationError("Clock.Concurring and Clock.QueryTimeout must be positive")
	}
	return nil
}

// validationError is returned when configuration validation fails
type validationError struct {
	message string
}

func newValidationError(message string) error {
	return &validationError{message: message}
}

func (e *validationError) Error() string {
	return "configuration validation failed: " + e.message
}
