// Package sampler turns a stream of "n bytes transferred" events into a
// speed reading.
package sampler

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robertodauria/httpspeed/pkg/speedtest/results"
	"github.com/robertodauria/httpspeed/pkg/speedtest/units"
)

// Sampler tracks elapsed time and cumulative bytes for one transfer. A
// Sampler must not be shared across subtests.
type Sampler struct {
	clock clockwork.Clock

	mu       sync.Mutex
	start    time.Time
	last     time.Time
	numBytes uint64
}

// New returns a Sampler reading time from clock. A nil clock means the real
// clock.
func New(clock clockwork.Clock) *Sampler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sampler{clock: clock}
}

// Start records the start time and resets the byte counter. It must be
// called once before the first OnBytes.
func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start = s.clock.Now()
	s.last = s.start
	s.numBytes = 0
}

// OnBytes adds n to the byte counter and returns the current speed in
// Mbit/s. The speed is 0 when no time has elapsed since Start.
func (s *Sampler) OnBytes(n int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.numBytes += uint64(n)
	}
	s.last = s.clock.Now()
	return units.Rate(s.numBytes, s.last.Sub(s.start))
}

// Finalize returns the measured speed of the transfer: the last
// instantaneous sample taken by OnBytes, or 0 if there was none.
func (s *Sampler) Finalize() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return units.Rate(s.numBytes, s.last.Sub(s.start))
}

// NumBytes returns the number of bytes counted so far.
func (s *Sampler) NumBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.numBytes)
}

// Measurement returns a snapshot of the last sample.
func (s *Sampler) Measurement() results.Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := s.last.Sub(s.start)
	return results.Measurement{
		AppInfo: &results.AppInfo{
			NumBytes:    int64(s.numBytes),
			ElapsedTime: elapsed.Microseconds(),
		},
		Mbps:   units.Rate(s.numBytes, elapsed),
		Origin: "client",
	}
}
