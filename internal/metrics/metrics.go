// Package metrics exposes vmmaster's runtime counters as Prometheus
// collectors on a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	// VMsCreated counts every successful provider Create call.
	VMsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vmmaster",
		Name:      "vms_created_total",
		Help:      "Total VMs successfully created across all platforms.",
	})
	// VMsDestroyed counts every VM removed from the pool, regardless of cause.
	VMsDestroyed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vmmaster",
		Name:      "vms_destroyed_total",
		Help:      "Total VMs destroyed (session close, rebuild failure, free).",
	})
	// SessionsCreated counts every session.Create call, success or failure.
	SessionsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vmmaster",
		Name:      "sessions_created_total",
		Help:      "Sessions created, labeled by outcome.",
	}, []string{"status"})
	// SessionsTimedOut counts sessions the reaper closed for idling past SESSION_TIMEOUT.
	SessionsTimedOut = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vmmaster",
		Name:      "sessions_timed_out_total",
		Help:      "Sessions closed by the reaper for exceeding SESSION_TIMEOUT.",
	})
	// PoolSize reports current ready/using VM counts.
	PoolSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vmmaster",
		Name:      "pool_size",
		Help:      "Current VM count by list (ready, using).",
	}, []string{"list"})
	// ForwardedRequestDuration tracks proxy forward latency to the upstream Selenium server.
	ForwardedRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vmmaster",
		Name:      "forwarded_request_duration_ms",
		Help:      "Latency of requests forwarded to the upstream Selenium server, in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"method"})
)

func init() {
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		VMsCreated, VMsDestroyed, SessionsCreated, SessionsTimedOut,
		PoolSize, ForwardedRequestDuration,
	)
}

// Handler returns the HTTP handler for Prometheus scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
