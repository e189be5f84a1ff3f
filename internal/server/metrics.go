package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eugener/mithril/internal/telemetry"
)

// statusText caches the decimal form of every HTTP status code so the
// per-request label lookup never allocates via strconv.
var statusText = func() (a [600]string) {
	for i := range a {
		a[i] = strconv.Itoa(i)
	}
	return a
}()

// routePattern reports the chi route template for the matched handler, so
// metrics cardinality stays bounded regardless of path parameters.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// metricsMiddleware records request counts, durations, and in-flight gauge.
func metricsMiddleware(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.ActiveRequests.Inc()
			defer m.ActiveRequests.Dec()

			sw := statusWriterPool.Get().(*statusWriter)
			sw.ResponseWriter = w
			sw.status = http.StatusOK
			sw.wroteHeader = false
			next.ServeHTTP(sw, r)

			pattern := routePattern(r)
			status := "0"
			if sw.status >= 0 && sw.status < len(statusText) {
				status = statusText[sw.status]
			}
			m.RequestsTotal.WithLabelValues(r.Method, pattern, status).Inc()
			m.RequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())

			sw.ResponseWriter = nil
			statusWriterPool.Put(sw)
		})
	}
}
