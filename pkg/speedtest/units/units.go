// Package units converts transfer rates between units.
package units

import "time"

// MbitPerSec converts bytes per second to megabits per second.
func MbitPerSec(bytesPerSec float64) float64 {
	return bytesPerSec * 8 / 1_000_000
}

// Rate returns the rate in Mbit/s for numBytes transferred over elapsed.
// A non-positive elapsed time yields 0.
func Rate(numBytes uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return MbitPerSec(float64(numBytes) / elapsed.Seconds())
}
