package units

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMbitPerSec(t *testing.T) {
	tests := []struct {
		name        string
		bytesPerSec float64
		want        float64
	}{
		{name: "zero", bytesPerSec: 0, want: 0},
		{name: "one-megabit", bytesPerSec: 125_000, want: 1},
		{name: "five-megabytes", bytesPerSec: 5_000_000, want: 40},
		{name: "half-megabyte", bytesPerSec: 500_000, want: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, MbitPerSec(tt.bytesPerSec), 1e-9)
		})
	}
}

func TestRate(t *testing.T) {
	assert.Equal(t, 0.0, Rate(1000, 0))
	assert.Equal(t, 0.0, Rate(1000, -time.Second))
	assert.Equal(t, 0.0, Rate(0, time.Second))
	assert.InDelta(t, 40.0, Rate(10_000_000, 2*time.Second), 1e-9)

	// Monotonic in bytes and in duration.
	durations := []time.Duration{time.Millisecond, time.Second, 3 * time.Second}
	for _, d := range durations {
		prev := -1.0
		for _, n := range []uint64{0, 1, 1000, 1 << 20, 1 << 30} {
			got := Rate(n, d)
			assert.GreaterOrEqual(t, got, prev, "not monotonic in bytes at %d/%s", n, d)
			prev = got
		}
	}
	for _, n := range []uint64{0, 1, 1 << 20} {
		prev := Rate(n, time.Millisecond)
		for _, d := range durations[1:] {
			got := Rate(n, d)
			assert.LessOrEqual(t, got, prev, "not monotonic in duration at %d/%s", n, d)
			prev = got
		}
	}
}
