package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/cache"
)

// cacheMiddleware serves inference requests from the two-tier response cache
// when a byte-or-semantically identical request has already succeeded. On a
// miss it stamps the body fingerprint into the request context so the
// dispatcher can record it on the telemetry row.
func (s *server) cacheMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := gateway.ApiTypeForPath(r.URL.Path); !ok {
			next.ServeHTTP(w, r)
			return
		}
		if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("request body too large"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		if len(body) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		hash := cache.FingerprintHex(body)
		cr, layer, err := s.deps.Cache.Get(r.Context(), hash)
		if err != nil {
			if !errors.Is(err, gateway.ErrNotFound) {
				// A broken cache probe degrades to a miss.
				slog.Warn("cache lookup failed", "error", err)
			}
			if s.deps.Metrics != nil {
				s.deps.Metrics.CacheMisses.Inc()
			}
			r = r.WithContext(gateway.ContextWithBodyHash(r.Context(), hash))
			next.ServeHTTP(w, r)
			return
		}

		if cr.ResponseContentType != "" {
			w.Header().Set("Content-Type", cr.ResponseContentType)
		}
		w.WriteHeader(cr.StatusCode)
		if _, err := w.Write(cr.ResponseBody); err != nil {
			slog.Debug("client write failed", "error", err)
		}

		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheHits.WithLabelValues(layer).Inc()
		}
		s.scheduleCacheLog(r, cr, layer, int(time.Since(start).Milliseconds()))
	})
}

// scheduleCacheLog records a served hit off the request path.
func (s *server) scheduleCacheLog(r *http.Request, cr *gateway.CachedResponse, layer string, latencyMs int) {
	ci := gateway.ClientInfoFromContext(r.Context())
	row := gateway.CacheLog{
		RequestID:          gateway.RequestIDFromContext(r.Context()),
		SourceRequestLogID: cr.SourceRequestLogID,
		GatewayKeyID:       gateway.GatewayKeyIDFromContext(r.Context()),
		CacheLayer:         layer,
		LatencyMs:          latencyMs,
		ClientIP:           ci.IP,
		UserAgent:          ci.UserAgent,
	}
	s.deps.Tasks.Spawn("cache_log", func(ctx context.Context) {
		if err := s.deps.Store.InsertCacheLog(ctx, &row); err != nil {
			slog.Error("cache log write failed", "request_id", row.RequestID, "error", err)
		}
	})
}
