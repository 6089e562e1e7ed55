package sntp

import (
	"time"

	"github.com/beevik/ntp"
	"github.com/go-i2p/logger"
)

const (
	maxRTT            = 2 * time.Second  // Max acceptable round-trip time
	maxClockOffset    = 10 * time.Second // Max acceptable clock offset
	maxRootDispersion = 1 * time.Second  // Max acceptable root dispersion
	maxRootDelay      = 1 * time.Second  // Max acceptable root delay
)

// validateResponse validates an NTP response against leap indicator, stratum,
// timing metrics, time value and root metrics.
func validateResponse(response *ntp.Response) bool {
	return validateLeapAndStratum(response) &&
		validateTimingMetrics(response) &&
		validateTimeValue(response) &&
		validateRootMetrics(response)
}

func validateLeapAndStratum(response *ntp.Response) bool {
	if response.Leap == ntp.LeapNotInSync {
		rejectResponse("server clock not synchronized", logger.Fields{"leap": response.Leap})
		return false
	}
	if response.Stratum == 0 || response.Stratum > 15 {
		rejectResponse("stratum out of range", logger.Fields{"stratum": response.Stratum})
		return false
	}
	return true
}

func validateTimingMetrics(response *ntp.Response) bool {
	if response.RTT < 0 || response.RTT > maxRTT {
		rejectResponse("round-trip delay out of bounds", logger.Fields{"rtt": response.RTT})
		return false
	}
	if absDuration(response.ClockOffset) > maxClockOffset {
		rejectResponse("clock offset out of bounds", logger.Fields{"offset": response.ClockOffset})
		return false
	}
	return true
}

func validateTimeValue(response *ntp.Response) bool {
	if response.Time.IsZero() {
		rejectResponse("zero time", nil)
		return false
	}
	return true
}

func validateRootMetrics(response *ntp.Response) bool {
	if response.RootDispersion > maxRootDispersion {
		rejectResponse("root dispersion too high", logger.Fields{"root_dispersion": response.RootDispersion})
		return false
	}
	if response.RootDelay > maxRootDelay {
		rejectResponse("root delay too high", logger.Fields{"root_delay": response.RootDelay})
		return false
	}
	return true
}

func rejectResponse(reason string, fields logger.Fields) {
	if fields == nil {
		fields = logger.Fields{}
	}
	fields["at"] = "validateResponse"
	fields["reason"] = reason
	log.WithFields(fields).Debug("NTP response failed validation")
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
