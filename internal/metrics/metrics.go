package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkgdepot_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pkgdepot_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	NonceOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkgdepot_nonce_operations_total",
			Help: "Nonce operations by operation and result kind.",
		},
		[]string{"op", "result"},
	)
	SignatureVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkgdepot_signature_verifications_total",
			Help: "Signature verifications by outcome (valid, stale, invalid).",
		},
		[]string{"outcome"},
	)
	GCSweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkgdepot_gc_sweeps_total",
			Help: "Expired-nonce sweeps by result.",
		},
		[]string{"result"},
	)
	GCRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pkgdepot_gc_removed_nonces_total",
			Help: "Expired nonces removed by sweeps.",
		},
	)
	GCSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pkgdepot_gc_sweep_duration_seconds",
			Help:    "Duration of expired-nonce sweeps in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		NonceOpsTotal,
		SignatureVerificationsTotal,
		GCSweepsTotal,
		GCRemovedTotal,
		GCSweepDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
