package dispatch

import "math/rand/v2"

// IntervalFunc returns the number of seconds to wait before the next send.
type IntervalFunc func(minSeconds, maxSeconds int) int

// RandomInterval is uniform over [minSeconds, maxSeconds], inclusive.
func RandomInterval(minSeconds, maxSeconds int) int {
	if maxSeconds < minSeconds {
		minSeconds, maxSeconds = maxSeconds, minSeconds
	}
	if minSeconds < 0 {
		minSeconds = 0
	}
	if maxSeconds < 0 {
		maxSeconds = 0
	}
	return minSeconds + rand.IntN(maxSeconds-minSeconds+1)
}

// FixedInterval always waits the same number of seconds.
func FixedInterval(seconds int) IntervalFunc {
	return func(int, int) int { return seconds }
}
