// Package dispatch forwards rewritten inference payloads upstream and
// captures the response for telemetry and caching.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/background"
	"github.com/eugener/mithril/internal/storage"
	"github.com/eugener/mithril/internal/telemetry"
)

// ResponseCachePut is the memory-layer insert used after a cacheable
// dispatch.
type ResponseCachePut interface {
	Put(hashHex string, cr *gateway.CachedResponse)
}

// Dispatcher sends rewritten payloads to provider endpoints.
type Dispatcher struct {
	client  *http.Client
	store   storage.Store
	tasks   *background.Tasks
	cache   ResponseCachePut
	metrics *telemetry.Metrics // nil = no metrics
}

// New creates a Dispatcher. The client's transport should come from
// NewTransport; per-endpoint timeouts are applied via request contexts.
func New(client *http.Client, store storage.Store, tasks *background.Tasks, cache ResponseCachePut, metrics *telemetry.Metrics) *Dispatcher {
	return &Dispatcher{client: client, store: store, tasks: tasks, cache: cache, metrics: metrics}
}

// hop-by-hop headers that must not be forwarded.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// rewritePayload substitutes the upstream model id and merges extra_fields
// over the payload (extra_fields wins on conflict), then reports the
// requested stream mode.
func rewritePayload(payload map[string]any, route *gateway.Route) (body []byte, stream bool, err error) {
	payload["model"] = route.ModelID

	if len(route.ExtraFields) > 0 {
		var extra map[string]any
		if err := json.Unmarshal(route.ExtraFields, &extra); err != nil {
			return nil, false, fmt.Errorf("parse extra_fields: %w", err)
		}
		for k, v := range extra {
			payload[k] = v
		}
	}

	stream, _ = payload["stream"].(bool)

	body, err = json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("serialize payload: %w", err)
	}
	return body, stream, nil
}

// setUpstreamAuth injects the protocol-specific credential headers.
func setUpstreamAuth(h http.Header, apiType gateway.ApiType, key string) {
	if apiType == gateway.ApiTypeAnthropicMessages {
		h.Set("x-api-key", key)
		h.Set("anthropic-version", "2023-06-01")
		return
	}
	h.Set("Authorization", "Bearer "+key)
}

// Dispatch rewrites the payload, forwards it to the route's endpoint, and
// relays the upstream response to the client. The telemetry row is written
// off the request path once the response (or stream) completes. logRow
// arrives pre-filled with edge fields (request id, key id, client info,
// body hash) and is completed here.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, payload map[string]any, route *gateway.Route, logRow *gateway.RequestLog) {
	start := time.Now()

	body, stream, err := rewritePayload(payload, route)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	logRow.RequestBody = body
	logRow.Provider = route.ProviderName
	logRow.Endpoint = route.EndpointURL
	logRow.Model = route.ModelID
	logRow.Alias = route.AliasName

	// Upstream lifetime is detached from the client connection: a client
	// disconnect mid-stream must not abort the capture, or the telemetry
	// row and future cache hits are lost.
	ctx := context.WithoutCancel(r.Context())
	ctx, span := telemetry.Tracer("mithril/dispatch").Start(ctx, "upstream.dispatch",
		trace.WithAttributes(
			attribute.String("provider", route.ProviderName),
			attribute.String("model", route.ModelID),
		))
	defer span.End()
	var cancel context.CancelFunc
	if route.TimeoutMs > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(route.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, route.EndpointURL, bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "upstream request failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	setUpstreamAuth(req.Header, logRow.ApiType, route.ProviderKey.Key)

	resp, err := d.client.Do(req)
	if err != nil {
		if d.metrics != nil {
			d.metrics.UpstreamErrors.WithLabelValues(route.ProviderName, "transport").Inc()
		}
		d.scheduleKeyFailure(route.ProviderKey.ID)
		latency := int(time.Since(start).Milliseconds())
		logRow.LatencyMs = &latency
		logRow.ResponseBody = []byte(err.Error())
		logRow.ResponseContentType = "text/plain"
		d.scheduleLog(logRow, "")
		slog.LogAttrs(r.Context(), slog.LevelError, "upstream transport error",
			slog.String("provider", route.ProviderName),
			slog.String("endpoint", route.EndpointURL),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	if d.metrics != nil {
		d.metrics.UpstreamDuration.WithLabelValues(route.ProviderName, route.ModelID).
			Observe(time.Since(start).Seconds())
		if resp.StatusCode >= 400 {
			d.metrics.UpstreamErrors.WithLabelValues(route.ProviderName, strconv.Itoa(resp.StatusCode)).Inc()
		}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		d.scheduleKeyDisable(route.ProviderKey.ID, route.ProviderName)
	}

	status := resp.StatusCode
	logRow.StatusCode = &status
	logRow.ResponseContentType = resp.Header.Get("Content-Type")

	for key, vals := range resp.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		w.Header()[key] = vals
	}
	w.WriteHeader(status)

	if stream {
		latency := int(time.Since(start).Milliseconds())
		logRow.LatencyMs = &latency
		captured := d.relayStream(w, resp.Body)
		logRow.ResponseBody = captured
		d.scheduleLog(logRow, logRow.RequestBodyHash)
		return
	}

	respBody, readErr := io.ReadAll(resp.Body)
	latency := int(time.Since(start).Milliseconds())
	logRow.LatencyMs = &latency
	logRow.ResponseBody = respBody
	if readErr != nil {
		slog.Warn("upstream body read failed", "error", readErr, "provider", route.ProviderName)
	}
	if _, err := w.Write(respBody); err != nil {
		slog.Debug("client write failed", "error", err)
	}
	d.scheduleLog(logRow, logRow.RequestBodyHash)
}

// relayStream pumps upstream bytes to the client with per-chunk flushing
// while teeing everything into a capture buffer. A client write failure
// stops relaying but not consuming; the capture still completes.
func (d *Dispatcher) relayStream(w http.ResponseWriter, upstream io.Reader) []byte {
	flusher, canFlush := w.(http.Flusher)
	var captured []byte
	clientAlive := true
	buf := make([]byte, 32*1024)

	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			captured = append(captured, buf[:n]...)
			if clientAlive {
				if _, werr := w.Write(buf[:n]); werr != nil {
					clientAlive = false
					slog.Debug("client disconnected mid-stream", "error", werr)
				} else if canFlush {
					flusher.Flush()
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Warn("upstream stream error", "error", err)
			}
			return captured
		}
	}
}

// scheduleLog completes the telemetry row off the request path. Successful
// cacheable responses are promoted into the memory cache under their body
// hash once the row id is known.
func (d *Dispatcher) scheduleLog(logRow *gateway.RequestLog, cacheHash string) {
	row := *logRow
	d.tasks.Spawn("request_log", func(ctx context.Context) {
		u := ExtractUsage(row.ApiType, row.ResponseBody)
		row.PromptTokens = u.PromptTokens
		row.CompletionTokens = u.CompletionTokens
		row.TotalTokens = u.TotalTokens
		if d.metrics != nil {
			if u.PromptTokens != nil {
				d.metrics.TokensProcessed.WithLabelValues(row.Model, "prompt").Add(float64(*u.PromptTokens))
			}
			if u.CompletionTokens != nil {
				d.metrics.TokensProcessed.WithLabelValues(row.Model, "completion").Add(float64(*u.CompletionTokens))
			}
		}

		id, err := d.store.InsertRequestLog(ctx, &row)
		if err != nil {
			slog.Error("request log write failed", "request_id", row.RequestID, "error", err)
			return
		}
		if cacheHash != "" && row.StatusCode != nil && gateway.Cacheable(*row.StatusCode, row.ResponseBody) {
			d.cache.Put(cacheHash, &gateway.CachedResponse{
				SourceRequestLogID:  id,
				StatusCode:          *row.StatusCode,
				ResponseBody:        row.ResponseBody,
				ResponseContentType: row.ResponseContentType,
			})
		}
	})
}

// circuitOpenDuration is how long a key sits out after a transport failure.
const circuitOpenDuration = 30 * time.Second

// scheduleKeyFailure records transport-failure metadata on the key and opens
// its circuit briefly so the next pick prefers a healthy sibling.
func (d *Dispatcher) scheduleKeyFailure(keyID string) {
	openUntil := time.Now().Add(circuitOpenDuration)
	d.tasks.Spawn("provider_key_failure", func(ctx context.Context) {
		if err := d.store.RecordProviderKeyFailure(ctx, keyID, &openUntil); err != nil {
			slog.Warn("provider key failure record failed", "key_id", keyID, "error", err)
		}
	})
}

// scheduleKeyDisable turns off a provider key that the upstream rejected.
func (d *Dispatcher) scheduleKeyDisable(keyID, providerName string) {
	d.tasks.Spawn("disable_provider_key", func(ctx context.Context) {
		if err := d.store.DisableProviderKey(ctx, keyID); err != nil {
			slog.Error("provider key disable failed", "key_id", keyID, "error", err)
			return
		}
		slog.Warn("provider key disabled after upstream 401",
			"key_id", keyID, "provider", providerName)
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
