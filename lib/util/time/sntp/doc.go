// Package sntp anchors the local wall clock to UTC using public NTP servers.
//
// Port-hop windows are indexed from UTC midnight, so two peers whose hosts
// disagree about UTC by more than the emergency threshold start every
// session in the emergency time-sync path. An Anchor narrows that gap before
// any session exists: it queries several servers, discards responses that
// fail validation, takes the median offset and exposes the corrected time as
// a monotonic.Source. Peers still align to each other through the timesync
// engine; the anchor only keeps the shared grid close to true UTC.
package sntp
