// Package results contains the records produced by a speed test.
package results

import (
	"time"

	"github.com/robertodauria/httpspeed/pkg/speedtest/spec"
)

// Summary is the struct that is serialized as JSON to disk as the archival
// record of a complete test run.
type Summary struct {
	// MeasurementID is the unique identifier of this run.
	MeasurementID string
	// GitShortCommit is the Git commit (short form) of the running code.
	GitShortCommit string
	// Version is the symbolic version (if any) of the running code.
	Version string

	StartTime time.Time
	EndTime   time.Time

	Download *PhaseResult `json:",omitempty"`
	Upload   *PhaseResult `json:",omitempty"`
}

// PhaseResult saves all instantaneous measurements over the lifetime of a
// single subtest.
type PhaseResult struct {
	Kind      spec.SubtestKind
	URL       string
	StartTime time.Time
	EndTime   time.Time
	// NumBytes is the number of bytes transferred during the subtest.
	NumBytes int64
	// FinalMbps is the measured speed reported when the subtest completed.
	FinalMbps float64
	// Error is set when the subtest failed.
	Error string `json:",omitempty"`

	Measurements []Measurement `json:",omitempty"`
}

// Failed returns whether the subtest ended with an error.
func (p *PhaseResult) Failed() bool {
	return p != nil && p.Error != ""
}

// Measurement is a single sample taken during a subtest.
type Measurement struct {
	AppInfo *AppInfo `json:",omitempty"`
	// Mbps is the speed computed from AppInfo.
	Mbps float64
	// Origin is either "client" or "server".
	Origin string `json:",omitempty"`
}

// AppInfo contains an application level measurement.
type AppInfo struct {
	NumBytes int64
	// ElapsedTime is expressed in microseconds.
	ElapsedTime int64
}

// ServerResult is the archival record written by the test server for each
// subtest it serves.
type ServerResult struct {
	GitShortCommit string
	Version        string
	// MeasurementID is the client-provided measurement ID, if any.
	MeasurementID string
	// UUID is generated by the server for each subtest.
	UUID   string
	Client string

	StartTime time.Time
	EndTime   time.Time

	Kind spec.SubtestKind
	// MIMEType is the MIME type of the uploaded part (upload only).
	MIMEType     string `json:",omitempty"`
	Measurements []Measurement
}
