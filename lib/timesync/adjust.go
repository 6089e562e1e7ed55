package timesync

import "time"

// PlanAdjustment splits correction into the steps Tick will apply.
//
// A correction below singleStep is a single step. Otherwise each step takes
// fraction of what remains, capped at maxStep, until the remainder drops
// below singleStep; the remainder is the last step. The steps always sum to
// correction exactly.
func PlanAdjustment(correction, singleStep, maxStep time.Duration, fraction float64) []time.Duration {
	if correction == 0 {
		return nil
	}
	if absDuration(correction) < singleStep {
		return []time.Duration{correction}
	}
	var steps []time.Duration
	remaining := correction
	for absDuration(remaining) >= singleStep {
		step := time.Duration(float64(remaining) * fraction)
		if step > maxStep {
			step = maxStep
		} else if step < -maxStep {
			step = -maxStep
		}
		if step == 0 {
			break
		}
		steps = append(steps, step)
		remaining -= step
	}
	if remaining != 0 {
		steps = append(steps, remaining)
	}
	return steps
}
