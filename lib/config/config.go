package config

import (
	"path/filepath"

	"github.com/go-i2p/go-porthop/lib/util"
	"github.com/samber/oops"
	"github.com/spf13/viper"
)

// CfgFile overrides the default config file location when set.
var CfgFile string

// InitConfig registers defaults, then reads (or creates) the config file.
func InitConfig() error {
	if CfgFile != "" {
		viper.SetConfigFile(CfgFile)
	} else {
		viper.AddConfigPath(BuildConfigDirPath())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("PORTHOP")
	viper.AutomaticEnv()

	setDefaults()
	return handleConfigFile()
}

// BuildConfigDirPath returns $HOME/.go-porthop.
func BuildConfigDirPath() string {
	return util.AppDir()
}

func setDefaults() {
	d := Defaults()

	viper.SetDefault("timesync.sample_count", d.TimeSync.SampleCount)
	viper.SetDefault("timesync.exchange_timeout", d.TimeSync.ExchangeTimeout)
	viper.SetDefault("timesync.tolerance", d.TimeSync.Tolerance)
	viper.SetDefault("timesync.single_step_threshold", d.TimeSync.SingleStepThreshold)
	viper.SetDefault("timesync.max_step", d.TimeSync.MaxStep)
	viper.SetDefault("timesync.step_fraction", d.TimeSync.StepFraction)
	viper.SetDefault("timesync.emergency_threshold", d.TimeSync.EmergencyThreshold)
	viper.SetDefault("timesync.sanity_bound", d.TimeSync.SanityBound)
	viper.SetDefault("timesync.min_quality", d.TimeSync.MinQuality)
	viper.SetDefault("timesync.emergency_min_quality", d.TimeSync.EmergencyMinQuality)
	viper.SetDefault("timesync.emergency_attempts", d.TimeSync.EmergencyAttempts)
	viper.SetDefault("timesync.drift_window", d.TimeSync.DriftWindow)
	viper.SetDefault("timesync.max_drift_ppm", d.TimeSync.MaxDriftPPM)
	viper.SetDefault("timesync.history_size", d.TimeSync.HistorySize)
	viper.SetDefault("timesync.resync_interval", d.TimeSync.ResyncInterval)
	viper.SetDefault("timesync.stale_after", d.TimeSync.StaleAfter)

	viper.SetDefault("hopping.interval", d.Hopping.Interval)
	viper.SetDefault("hopping.min_port", d.Hopping.MinPort)
	viper.SetDefault("hopping.max_port", d.Hopping.MaxPort)
	viper.SetDefault("hopping.window_size", d.Hopping.WindowSize)
	viper.SetDefault("hopping.max_window_size", d.Hopping.MaxWindowSize)
	viper.SetDefault("hopping.alternate_candidates", d.Hopping.AlternateCandidates)
	viper.SetDefault("hopping.overlap_margin", d.Hopping.OverlapMargin)
	viper.SetDefault("hopping.min_overlap", d.Hopping.MinOverlap)
	viper.SetDefault("hopping.max_overlap", d.Hopping.MaxOverlap)
	viper.SetDefault("hopping.rekey_lead_windows", d.Hopping.RekeyLeadWindows)

	viper.SetDefault("recovery.max_attempts_per_level", d.Recovery.MaxAttemptsPerLevel)
	viper.SetDefault("recovery.base_backoff", d.Recovery.BaseBackoff)
	viper.SetDefault("recovery.max_backoff", d.Recovery.MaxBackoff)
	viper.SetDefault("recovery.attempt_rate", d.Recovery.AttemptRate)
	viper.SetDefault("recovery.attempt_burst", d.Recovery.AttemptBurst)
	viper.SetDefault("recovery.emergency_enabled", d.Recovery.EmergencyEnabled)
	viper.SetDefault("recovery.auth_failure_threshold", d.Recovery.AuthFailureThreshold)
	viper.SetDefault("recovery.category_threshold", d.Recovery.CategoryThreshold)
	viper.SetDefault("recovery.condition_window", d.Recovery.ConditionWindow)
	viper.SetDefault("recovery.sequence_window", d.Recovery.SequenceWindow)
	viper.SetDefault("recovery.sequence_timeout", d.Recovery.SequenceTimeout)
	viper.SetDefault("recovery.history_size", d.Recovery.HistorySize)

	viper.SetDefault("session.handshake_timeout", d.Session.HandshakeTimeout)
	viper.SetDefault("session.handshake_skew", d.Session.HandshakeSkew)
	viper.SetDefault("session.rendezvous_interval", d.Session.RendezvousInterval)
	viper.SetDefault("session.close_timeout", d.Session.CloseTimeout)
	viper.SetDefault("session.receive_buffer", d.Session.ReceiveBuffer)
	viper.SetDefault("session.notification_buffer", d.Session.NotificationBuffer)
	viper.SetDefault("session.max_payload", d.Session.MaxPayload)

	viper.SetDefault("transport.listen_host", d.Transport.ListenHost)
	viper.SetDefault("transport.max_datagram_size", d.Transport.MaxDatagramSize)
	viper.SetDefault("transport.queue_size", d.Transport.QueueSize)

	viper.SetDefault("clock.ntp_enabled", d.Clock.NTPEnabled)
	viper.SetDefault("clock.ntp_servers", d.Clock.NTPServers)
	viper.SetDefault("clock.concurring", d.Clock.Concurring)
	viper.SetDefault("clock.query_timeout", d.Clock.QueryTimeout)
}

// CurrentConfig builds a ConfigDefaults tree from the current viper state.
func CurrentConfig() ConfigDefaults {
	return ConfigDefaults{
		TimeSync: TimeSyncDefaults{
			SampleCount:         viper.GetInt("timesync.sample_count"),
			ExchangeTimeout:     viper.GetDuration("timesync.exchange_timeout"),
			Tolerance:           viper.GetDuration("timesync.tolerance"),
			SingleStepThreshold: viper.GetDuration("timesync.single_step_threshold"),
			MaxStep:             viper.GetDuration("timesync.max_step"),
			StepFraction:        viper.GetFloat64("timesync.step_fraction"),
			EmergencyThreshold:  viper.GetDuration("timesync.emergency_threshold"),
			SanityBound:         viper.GetDuration("timesync.sanity_bound"),
			MinQuality:          viper.GetFloat64("timesync.min_quality"),
			EmergencyMinQuality: viper.GetFloat64("timesync.emergency_min_quality"),
			EmergencyAttempts:   viper.GetInt("timesync.emergency_attempts"),
			DriftWindow:         viper.GetDuration("timesync.drift_window"),
			MaxDriftPPM:         viper.GetFloat64("timesync.max_drift_ppm"),
			HistorySize:         viper.GetInt("timesync.history_size"),
			ResyncInterval:      viper.GetDuration("timesync.resync_interval"),
			StaleAfter:          viper.GetDuration("timesync.stale_after"),
		},
		Hopping: HoppingDefaults{
			Interval:            viper.GetDuration("hopping.interval"),
			MinPort:             viper.GetInt("hopping.min_port"),
			MaxPort:             viper.GetInt("hopping.max_port"),
			WindowSize:          viper.GetInt("hopping.window_size"),
			MaxWindowSize:       viper.GetInt("hopping.max_window_size"),
			AlternateCandidates: viper.GetInt("hopping.alternate_candidates"),
			OverlapMargin:       viper.GetDuration("hopping.overlap_margin"),
			MinOverlap:          viper.GetDuration("hopping.min_overlap"),
			MaxOverlap:          viper.GetDuration("hopping.max_overlap"),
			RekeyLeadWindows:    viper.GetInt("hopping.rekey_lead_windows"),
		},
		Recovery: RecoveryDefaults{
			MaxAttemptsPerLevel:  viper.GetInt("recovery.max_attempts_per_level"),
			BaseBackoff:          viper.GetDuration("recovery.base_backoff"),
			MaxBackoff:           viper.GetDuration("recovery.max_backoff"),
			AttemptRate:          viper.GetFloat64("recovery.attempt_rate"),
			AttemptBurst:         viper.GetInt("recovery.attempt_burst"),
			EmergencyEnabled:     viper.GetBool("recovery.emergency_enabled"),
			AuthFailureThreshold: viper.GetInt("recovery.auth_failure_threshold"),
			CategoryThreshold:    viper.GetInt("recovery.category_threshold"),
			ConditionWindow:      viper.GetDuration("recovery.condition_window"),
			SequenceWindow:       viper.GetInt("recovery.sequence_window"),
			SequenceTimeout:      viper.GetDuration("recovery.sequence_timeout"),
			HistorySize:          viper.GetInt("recovery.history_size"),
		},
		Session: SessionDefaults{
			HandshakeTimeout:   viper.GetDuration("session.handshake_timeout"),
			HandshakeSkew:      viper.GetDuration("session.handshake_skew"),
			RendezvousInterval: viper.GetDuration("session.rendezvous_interval"),
			CloseTimeout:       viper.GetDuration("session.close_timeout"),
			ReceiveBuffer:      viper.GetInt("session.receive_buffer"),
			NotificationBuffer: viper.GetInt("session.notification_buffer"),
			MaxPayload:         viper.GetInt("session.max_payload"),
		},
		Transport: TransportDefaults{
			ListenHost:      viper.GetString("transport.listen_host"),
			MaxDatagramSize: viper.GetInt("transport.max_datagram_size"),
			QueueSize:       viper.GetInt("transport.queue_size"),
		},
		Clock: ClockDefaults{
			NTPEnabled:   viper.GetBool("clock.ntp_enabled"),
			NTPServers:   viper.GetStringSlice("clock.ntp_servers"),
			Concurring:   viper.GetInt("clock.concurring"),
			QueryTimeout: viper.GetDuration("clock.query_timeout"),
		},
	}
}

// Load runs InitConfig and returns the validated configuration.
func Load() (ConfigDefaults, error) {
	if err := InitConfig(); err != nil {
		return ConfigDefaults{}, err
	}
	cfg := CurrentConfig()
	if err := Validate(cfg); err != nil {
		return ConfigDefaults{}, err
	}
	return cfg, nil
}

func createDefaultConfig(dir string) error {
	if err := util.EnsureDir(dir); err != nil {
		return oops.Wrapf(err, "could not create config directory %s", dir)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := viper.WriteConfigAs(path); err != nil {
		return oops.Wrapf(err, "could not write default config file %s", path)
	}
	log.Debugf("Created default configuration at: %s", path)
	return nil
}

func handleConfigFile() error {
	err := viper.ReadInConfig()
	if err == nil {
		log.Debugf("Using config file: %s", viper.ConfigFileUsed())
		return nil
	}
	if _, ok := err.(viper.ConfigFileNotFoundError); ok && CfgFile == "" {
		return createDefaultConfig(BuildConfigDirPath())
	}
	if CfgFile != "" && !util.CheckFileExists(CfgFile) {
		return oops.Errorf("config file %s is not found", CfgFile)
	}
	return oops.Wrapf(err, "error reading config file")
}
