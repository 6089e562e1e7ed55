// Package config provides configuration management for go-porthop.
//
// # Sources
//
// Defaults() is the single source of truth for default values. InitConfig
// registers every default with viper, then reads
// $HOME/.go-porthop/config.yaml (or the file named by CfgFile), creating it
// with the defaults on first run. CurrentConfig builds a typed ConfigDefaults
// tree from the merged viper state.
//
// # Sections
//
//   - TimeSync: sample counts, correction step limits, emergency threshold,
//     drift window and resync cadence.
//   - Hopping: hop interval, port range, adaptive window and binding overlap.
//   - Recovery: attempts per level, backoff, attempt rate and detector
//     thresholds.
//   - Session: handshake timeout and skew, buffers, payload limits.
//   - Transport: UDP listen address and datagram size.
//   - Clock: optional NTP anchoring of the local wall clock.
//
// Packages take their section directly, e.g. timesync.NewEngine receives a
// config.TimeSyncDefaults.
package config
