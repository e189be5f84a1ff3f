package server

import (
	"bytes"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/mithril/internal"
)

// statusWriterPool eliminates 1 alloc/req from &statusWriter{} escaping to heap.
// Reset fields on Get, nil ResponseWriter on Put to avoid retaining references.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// recovery catches panics and returns 500.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				// LogAttrs with typed attrs keeps values on the stack (~2 fewer
				// allocs vs slog.Error which boxes every key+value into any).
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader uses the canonical MIME form so direct map access
// (w.Header()[key] = ...) skips textproto.CanonicalMIMEHeaderKey,
// saving an alloc/req that Header.Set would otherwise spend on canonicalization.
const requestIDHeader = "X-Request-Id"

// requestID mints a UUID v7 per request and exposes it in the response
// header. Inbound X-Request-Id values are never reused: the id keys a
// unique telemetry row, so a replayed header would collide.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.Must(uuid.NewV7()).String()
		w.Header()[requestIDHeader] = []string{id}
		ctx := gateway.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logging logs each request with method, path, status, and duration.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		next.ServeHTTP(sw, r)
		// LogAttrs with typed slog.String/Int/Int64 keeps attrs as stack values,
		// saving ~5 allocs/req vs slog.Info which boxes every key+value into any.
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
		)
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// clientIP resolves the request origin, honoring the first X-Forwarded-For
// hop when a fronting proxy sets it.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, found := strings.Cut(xff, ","); found {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientInfo captures the request origin for telemetry rows.
func (s *server) clientInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ci := gateway.ClientInfo{IP: clientIP(r), UserAgent: r.UserAgent()}
		ctx := gateway.ContextWithClientInfo(r.Context(), ci)
		if ctx == r.Context() {
			// Stored via pointer mutation; skip Request.WithContext.
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

// authenticate resolves the gateway key and enforces the model whitelist.
// The key id is stored by requestMeta mutation, so no new context or request
// copy is needed after the requestID middleware has run.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ci := gateway.ClientInfoFromContext(r.Context())
		key, err := s.deps.Auth.Authenticate(r.Context(), r, ci.IP)
		if err != nil {
			if s.deps.Metrics != nil {
				s.deps.Metrics.AuthFailures.Inc()
			}
			writeJSON(w, errorStatus(err), errorResponse(err.Error()))
			return
		}
		ctx := gateway.ContextWithGatewayKeyID(r.Context(), key.ID)
		if ctx != r.Context() {
			r = r.WithContext(ctx)
		}

		if !s.enforceWhitelist(w, r, key) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// enforceWhitelist applies the key's model whitelist, if any. It reads the
// body once and re-injects it downstream. Returns false when a response has
// already been written.
func (s *server) enforceWhitelist(w http.ResponseWriter, r *http.Request, key *gateway.GatewayKey) bool {
	if _, ok := gateway.ApiTypeForPath(r.URL.Path); !ok {
		return true
	}

	models, err := s.deps.Store.ModelWhitelist(r.Context(), key.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal error"))
		return false
	}
	if len(models) == 0 {
		return true
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("request body too large"))
		return false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	model := gjson.GetBytes(body, "model")
	if !gjson.ValidBytes(body) || !model.Exists() || model.Type != gjson.String {
		writeJSON(w, http.StatusBadRequest, errorResponse("missing or invalid model"))
		return false
	}
	for _, m := range models {
		if m == model.Str {
			return true
		}
	}

	s.logRejection(r, http.StatusForbidden, model.Str)
	writeJSON(w, http.StatusForbidden, errorResponse("model not allowed for this key"))
	return false
}

// logRejection records a locally resolved reject as a telemetry row.
func (s *server) logRejection(r *http.Request, status int, model string) {
	apiType, _ := gateway.ApiTypeForPath(r.URL.Path)
	ci := gateway.ClientInfoFromContext(r.Context())
	s.scheduleRequestLog(&gateway.RequestLog{
		RequestID:    gateway.RequestIDFromContext(r.Context()),
		GatewayKeyID: gateway.GatewayKeyIDFromContext(r.Context()),
		ApiType:      apiType,
		Model:        model,
		Alias:        model,
		StatusCode:   &status,
		ClientIP:     ci.IP,
		UserAgent:    ci.UserAgent,
	})
}

// rateLimit applies the key's RPS/RPM buckets. Limits are re-read from the
// store on every request so operator edits apply live.
func (s *server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keyID := gateway.GatewayKeyIDFromContext(r.Context())
		rps, rpm, err := s.deps.Store.RateLimits(r.Context(), keyID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse("internal error"))
			return
		}
		res := s.deps.RateLimiter.CheckAndConsume(keyID, rps, rpm)
		if !res.Allowed {
			if s.deps.Metrics != nil {
				s.deps.Metrics.RateLimitRejects.Inc()
			}
			if res.RetryAfterSeconds > 0 {
				w.Header().Set("Retry-After", retryAfterValue(res.RetryAfterSeconds))
			}
			writeJSON(w, http.StatusTooManyRequests, errorResponse("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfterValue rounds the bucket refill estimate up to whole seconds,
// which is what the Retry-After header expects.
func retryAfterValue(secs float64) string {
	n := int(math.Ceil(secs))
	if n < 1 {
		n = 1
	}
	return strconv.Itoa(n)
}

// statusWriter wraps ResponseWriter to capture the HTTP status code.
// WriteHeader records only the first status code; subsequent calls are
// forwarded to the underlying writer but do not update the captured value,
// matching net/http semantics where only the first WriteHeader takes effect.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Flush delegates to the underlying ResponseWriter if it implements http.Flusher.
// This ensures SSE streaming works through middleware.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter, allowing http.ResponseController
// and similar utilities to find interface implementations.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
