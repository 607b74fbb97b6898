package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "panostream"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sessionsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "accepted_total",
			Help:      "Connections accepted by the server loop.",
		},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently running.",
		},
	)
	sessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "ended_total",
			Help:      "Sessions terminated, by failure kind.",
		},
		[]string{"kind"},
	)
	requestsServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "requests_total",
			Help:      "Panorama requests answered.",
		},
		[]string{"profile"},
	)
	wireBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "bytes_total",
			Help:      "Frame bytes moved over panorama connections.",
		},
		[]string{"direction"},
	)
	inferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "duration_seconds",
			Help:      "Backend Infer call duration in seconds, excluding queue wait.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"backend", "success"},
	)
	persistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "diagnostics",
			Name:      "failures_total",
			Help:      "Diagnostic snapshots that could not be written.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			sessionsAccepted, sessionsActive, sessionsEnded, requestsServed, wireBytes,
			inferenceDuration, persistFailures,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSessionStart() {
	RegisterMetrics()
	sessionsAccepted.Inc()
	sessionsActive.Inc()
}

// RecordSessionEnd counts a terminated session. kind is "closed" for a clean
// peer disconnect, else the failure kind.
func RecordSessionEnd(kind string) {
	RegisterMetrics()
	sessionsActive.Dec()
	sessionsEnded.WithLabelValues(kind).Inc()
}

func RecordRequest(profile string, in, out int) {
	RegisterMetrics()
	requestsServed.WithLabelValues(profile).Inc()
	wireBytes.WithLabelValues("in").Add(float64(in))
	wireBytes.WithLabelValues("out").Add(float64(out))
}

func RecordInference(backend string, duration time.Duration, success bool) {
	RegisterMetrics()
	inferenceDuration.WithLabelValues(backend, strconv.FormatBool(success)).Observe(duration.Seconds())
}

func RecordPersistFailure() {
	RegisterMetrics()
	persistFailures.Inc()
}
