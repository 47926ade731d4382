package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relayctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	providerAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "relay",
			Name:      "provider_attempts_total",
			Help:      "Provider invocations by the fallback chain.",
		},
		[]string{"provider", "outcome"},
	)
	providerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relayctl",
			Subsystem: "relay",
			Name:      "provider_duration_seconds",
			Help:      "Provider invocation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "outcome"},
	)
	degradedResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "relay",
			Name:      "degraded_responses_total",
			Help:      "Requests for which every provider failed.",
		},
	)
	hubConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relayctl",
			Subsystem: "hub",
			Name:      "connections",
			Help:      "Live hub connections.",
		},
		[]string{"hub"},
	)
	hubFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "hub",
			Name:      "frames_total",
			Help:      "Inbound hub frames by operation and outcome.",
		},
		[]string{"hub", "op", "outcome"},
	)
	rpcInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relayctl",
			Subsystem: "rpc",
			Name:      "calls_in_flight",
			Help:      "Pending RPC calls awaiting a correlated response.",
		},
		[]string{"client"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			providerAttempts, providerDuration, degradedResponses,
			hubConnections, hubFrames,
			rpcInFlight,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordProviderAttempt(provider, outcome string, duration time.Duration) {
	RegisterMetrics()
	providerAttempts.WithLabelValues(provider, outcome).Inc()
	providerDuration.WithLabelValues(provider, outcome).Observe(duration.Seconds())
}

func RecordDegradedResponse() {
	RegisterMetrics()
	degradedResponses.Inc()
}

func SetHubConnections(hub string, n int) {
	RegisterMetrics()
	hubConnections.WithLabelValues(hub).Set(float64(n))
}

func RecordHubFrame(hub, op, outcome string) {
	RegisterMetrics()
	hubFrames.WithLabelValues(hub, op, outcome).Inc()
}

func AddRPCInFlight(client string, delta int) {
	RegisterMetrics()
	rpcInFlight.WithLabelValues(client).Add(float64(delta))
}
