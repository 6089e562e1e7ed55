package sntp

import (
	"testing"
	"time"

	"github.com/beevik/ntp"
	"github.com/stretchr/testify/assert"
)

func TestValidateResponse(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *ntp.Response)
		valid  bool
	}{
		{"valid", func(r *ntp.Response) {}, true},
		{"not in sync", func(r *ntp.Response) { r.Leap = ntp.LeapNotInSync }, false},
		{"stratum zero", func(r *ntp.Response) { r.Stratum = 0 }, false},
		{"stratum sixteen", func(r *ntp.Response) { r.Stratum = 16 }, false},
		{"negative rtt", func(r *ntp.Response) { r.RTT = -time.Millisecond }, false},
		{"rtt too high", func(r *ntp.Response) { r.RTT = 3 * time.Second }, false},
		{"offset too high", func(r *ntp.Response) { r.ClockOffset = -11 * time.Second }, false},
		{"zero time", func(r *ntp.Response) { r.Time = time.Time{} }, false},
		{"root dispersion", func(r *ntp.Response) { r.RootDispersion = 2 * time.Second }, false},
		{"root delay", func(r *ntp.Response) { r.RootDelay = 2 * time.Second }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validResponse(100 * time.Millisecond)
			tt.mutate(r)
			assert.Equal(t, tt.valid, validateResponse(r))
		})
	}
}
