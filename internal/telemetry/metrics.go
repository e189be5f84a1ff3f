// Package telemetry provides observability primitives for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	CacheHits        *prometheus.CounterVec
	CacheMisses      prometheus.Counter
	RateLimitRejects prometheus.Counter
	AuthFailures     prometheus.Counter
	TokensProcessed  *prometheus.CounterVec
	PendingTasks     prometheus.GaugeFunc
}

// NewMetrics creates and registers all metrics with the given registerer.
// pendingTasks feeds the background-queue gauge; pass nil to report zero.
func NewMetrics(reg prometheus.Registerer, pendingTasks func() int64) *Metrics {
	if pendingTasks == nil {
		pendingTasks = func() int64 { return 0 }
	}

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mithril",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "mithril",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mithril",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "mithril",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mithril",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "status"}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mithril",
			Name:      "cache_hits_total",
			Help:      "Total response cache hits by layer.",
		}, []string{"layer"}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mithril",
			Name:      "cache_misses_total",
			Help:      "Total response cache misses.",
		}),

		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mithril",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}),

		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mithril",
			Name:      "auth_failures_total",
			Help:      "Total gateway key authentication failures.",
		}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mithril",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		PendingTasks: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "mithril",
			Name:      "background_pending_tasks",
			Help:      "Current number of pending background tasks.",
		}, func() float64 { return float64(pendingTasks()) }),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.CacheHits,
		m.CacheMisses,
		m.RateLimitRejects,
		m.AuthFailures,
		m.TokensProcessed,
		m.PendingTasks,
	)

	return m
}
