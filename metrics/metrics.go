// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sweep state machine.
	SweepPhase = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sweepd_phase",
			Help: "Current sweep phase (1 for the active phase, 0 otherwise)",
		},
		[]string{"phase"},
	)

	SweepErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweepd_errors_total",
			Help: "Total number of sweep process failures",
		},
	)

	RecoveryRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweepd_recovery_retries_total",
			Help: "Total number of recovery retries by strategy",
		},
		[]string{"strategy"},
	)

	BlacklistedFrequencies = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sweepd_blacklisted_frequencies",
			Help: "Current number of blacklisted frequencies",
		},
	)

	// Process supervision.
	ProcessSpawns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweepd_process_spawns_total",
			Help: "Total number of sweep process spawns",
		},
	)

	ProbeResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweepd_probe_results_total",
			Help: "Total number of device probes by outcome",
		},
		[]string{"reason"},
	)

	// Streaming.
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sweepd_stream_subscribers",
			Help: "Current number of stream subscribers",
		},
	)

	SamplesStreamed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweepd_samples_streamed_total",
			Help: "Total number of aggregated samples published to the stream",
		},
	)

	// HTTP surface.
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweepd_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sweepd_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

// knownPhases keeps the phase gauge exhaustive so dashboards never miss a
// label.
var knownPhases = []string{"idle", "starting", "running", "stopping", "error", "emergency_stopped"}

// SetPhase sets the phase gauge to the given phase.
func SetPhase(phase string) {
	for _, p := range knownPhases {
		v := 0.0
		if p == phase {
			v = 1
		}
		SweepPhase.WithLabelValues(p).Set(v)
	}
}

// ObserveRequest records one served HTTP request.
func ObserveRequest(method, endpoint string, status int, dur time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(dur.Seconds())
}
