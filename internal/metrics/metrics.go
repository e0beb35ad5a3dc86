// Package metrics defines the Prometheus metrics exported by the speed test
// client and server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Runs counts test runs by outcome: "ok", "failed", "noop" or "rejected".
	Runs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpspeed_client_runs_total",
			Help: "Number of test runs requested, by outcome.",
		},
		[]string{"result"},
	)

	// SubtestSpeed is the distribution of final speeds in Mbit/s.
	SubtestSpeed = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpspeed_client_subtest_speed_mbps",
			Help:    "Final speed of completed subtests in Mbit/s.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		},
		[]string{"kind"},
	)

	// SubtestDuration is the wall-clock duration of subtests.
	SubtestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpspeed_client_subtest_duration_seconds",
			Help:    "Duration of subtests, successful or not.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// SubtestErrors counts failed subtests by error type.
	SubtestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpspeed_client_subtest_errors_total",
			Help: "Number of failed subtests, by kind and error type.",
		},
		[]string{"kind", "type"},
	)

	// ServedBytes counts bytes sent or received by the test server.
	ServedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpspeed_server_bytes_total",
			Help: "Bytes transferred by the test server, by subtest kind.",
		},
		[]string{"kind"},
	)

	// ServerRequests counts requests to the test server by kind and status.
	ServerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpspeed_server_requests_total",
			Help: "Requests served by the test server, by kind and status.",
		},
		[]string{"kind", "status"},
	)

	// LiveFeedClients is the number of connected live feed viewers.
	LiveFeedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpspeed_livefeed_clients",
			Help: "Number of connected live feed clients.",
		},
	)
)
