package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Gateway metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotor_requests_total",
			Help: "Total number of proxied requests by upstream status and key label",
		},
		[]string{"status", "key_label"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rotor_request_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	SelectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotor_key_selections_total",
			Help: "Total number of key selections by key label and mode",
		},
		[]string{"key_label", "mode"},
	)

	SelectionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rotor_selection_failures_total",
			Help: "Total number of requests refused because no key was eligible",
		},
	)

	// Limiter metrics
	LimiterRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotor_limiter_rejections_total",
			Help: "Total number of rate-limited requests by scope",
		},
		[]string{"scope"},
	)

	// Upstream metrics
	UpstreamRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rotor_upstream_retries_total",
			Help: "Total number of upstream retry attempts",
		},
	)

	UpstreamErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rotor_upstream_errors_total",
			Help: "Total number of upstream transport failures after retries",
		},
	)

	// Key health metrics
	KeysByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rotor_keys_total",
			Help: "Number of keys by health status",
		},
		[]string{"status"},
	)

	KeyBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotor_key_blocks_total",
			Help: "Total number of key blocks by reason",
		},
		[]string{"reason"},
	)

	HealthRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rotor_health_refresh_duration_seconds",
			Help:    "Duration of a full health cache refresh in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Trace metrics
	TraceDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rotor_trace_drops_total",
			Help: "Total number of trace entries dropped due to a full queue",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(SelectionsTotal)
	prometheus.MustRegister(SelectionFailures)
	prometheus.MustRegister(LimiterRejections)
	prometheus.MustRegister(UpstreamRetries)
	prometheus.MustRegister(UpstreamErrors)
	prometheus.MustRegister(KeysByStatus)
	prometheus.MustRegister(KeyBlocks)
	prometheus.MustRegister(HealthRefreshDuration)
	prometheus.MustRegister(TraceDrops)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
