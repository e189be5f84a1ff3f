// Package gateway defines domain types and interfaces for the Mithril AI
// inference gateway. This package has no project imports -- it is the
// dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// --- API types ---

// ApiType identifies the wire protocol family an endpoint speaks.
type ApiType string

const (
	ApiTypeOpenAiChatCompletions ApiType = "openai_chat_completions"
	ApiTypeOpenAiEmbeddings      ApiType = "openai_embeddings"
	ApiTypeOpenAiResponses       ApiType = "openai_responses"
	ApiTypeOpenAiModels          ApiType = "openai_models"
	ApiTypeAnthropicMessages     ApiType = "anthropic_messages"
)

// inferencePaths maps client-facing inference routes to their api type.
var inferencePaths = map[string]ApiType{
	"/v1/chat/completions": ApiTypeOpenAiChatCompletions,
	"/v1/embeddings":       ApiTypeOpenAiEmbeddings,
	"/v1/responses":        ApiTypeOpenAiResponses,
	"/v1/messages":         ApiTypeAnthropicMessages,
}

// ApiTypeForPath returns the api type served by an inference route,
// or false for any other path.
func ApiTypeForPath(path string) (ApiType, bool) {
	t, ok := inferencePaths[path]
	return t, ok
}

// --- Provider-side entities ---

// Provider is a configured upstream LLM vendor.
type Provider struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Brief      string    `json:"brief,omitempty"` // short token enabling "brief:model" routing
	Enabled    bool      `json:"enabled"`
	UsageCount int64     `json:"usage_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// ProviderEndpoint is a concrete URL a provider serves one api type on.
type ProviderEndpoint struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"provider_id"`
	ApiType    ApiType   `json:"api_type"`
	URL        string    `json:"url"`
	TimeoutMs  int       `json:"timeout_ms"`
	Enabled    bool      `json:"enabled"`
	UsageCount int64     `json:"usage_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// ProviderKey is an upstream credential owned by a provider.
type ProviderKey struct {
	ID               string     `json:"id"`
	ProviderID       string     `json:"provider_id"`
	Name             string     `json:"name,omitempty"`
	Key              string     `json:"-"` // never serialized
	Weight           int        `json:"weight"`
	UsageCount       int64      `json:"usage_count"`
	Enabled          bool       `json:"enabled"`
	FailCount        int        `json:"fail_count"`
	CircuitOpenUntil *time.Time `json:"circuit_open_until,omitempty"`
	LastFailAt       *time.Time `json:"last_fail_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Eligible reports whether the key may be used at the given instant.
// A circuit_open_until exactly equal to now counts as expired.
func (k *ProviderKey) Eligible(now time.Time) bool {
	if !k.Enabled {
		return false
	}
	return k.CircuitOpenUntil == nil || !k.CircuitOpenUntil.After(now)
}

// --- Alias routing entities ---

// Alias is a public virtual model name.
type Alias struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// AliasTarget maps an alias to a concrete provider model.
type AliasTarget struct {
	ID          string          `json:"id"`
	AliasID     string          `json:"alias_id"`
	ProviderID  string          `json:"provider_id"`
	ModelID     string          `json:"model_id"`
	Enabled     bool            `json:"enabled"`
	ExtraFields json.RawMessage `json:"extra_fields,omitempty"` // JSON object merged over the payload
	UsageCount  int64           `json:"usage_count"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AliasTargetDetail is a routing-join row: a target with its provider and
// matching endpoint resolved. Rows come back ordered by provider usage_count
// then provider id, so the first row is the load-balancing pick.
type AliasTargetDetail struct {
	AliasTargetID      string
	AliasName          string
	ProviderID         string
	ProviderName       string
	ProviderUsageCount int64
	EndpointID         string
	EndpointURL        string
	TimeoutMs          int
	ModelID            string
	ExtraFields        json.RawMessage
}

// Route is the fully resolved target of an inference request.
type Route struct {
	ProviderID    string
	ProviderName  string
	EndpointID    string
	EndpointURL   string
	TimeoutMs     int
	ModelID       string // upstream model id substituted into the payload
	ProviderKey   ProviderKey
	AliasName     string // the client-supplied model string
	ExtraFields   json.RawMessage
	AliasMatch    bool   // false for brief-shortcut routes
	AliasTargetID string // set when AliasMatch
}

// --- Edge credentials ---

// GatewayKey is the client-facing credential authenticated at the edge.
type GatewayKey struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Key          string    `json:"-"`
	Enabled      bool      `json:"enabled"`
	RateLimitRPS *int      `json:"rate_limit_rps,omitempty"`
	RateLimitRPM *int      `json:"rate_limit_rpm,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// User is a human operator of the admin surface.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// --- Telemetry rows ---

// RequestLog is one append-only telemetry row per handled request.
type RequestLog struct {
	ID                  int64     `json:"id"`
	RequestID           string    `json:"request_id"`
	GatewayKeyID        string    `json:"gateway_key_id,omitempty"`
	ApiType             ApiType   `json:"api_type"`
	Model               string    `json:"model,omitempty"`
	Alias               string    `json:"alias,omitempty"`
	Provider            string    `json:"provider,omitempty"`
	Endpoint            string    `json:"endpoint,omitempty"`
	StatusCode          *int      `json:"status_code,omitempty"`
	LatencyMs           *int      `json:"latency_ms,omitempty"`
	ClientIP            string    `json:"client_ip,omitempty"`
	UserAgent           string    `json:"user_agent,omitempty"`
	RequestBody         []byte    `json:"request_body,omitempty"`
	RequestBodyHash     string    `json:"request_body_hash,omitempty"`
	ResponseBody        []byte    `json:"response_body,omitempty"`
	RequestContentType  string    `json:"request_content_type,omitempty"`
	ResponseContentType string    `json:"response_content_type,omitempty"`
	PromptTokens        *int      `json:"prompt_tokens,omitempty"`
	CompletionTokens    *int      `json:"completion_tokens,omitempty"`
	TotalTokens         *int      `json:"total_tokens,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// Cache layer tags recorded on cache_log rows.
const (
	CacheLayerMemory   = "moka"     // L1, in-process
	CacheLayerDatabase = "database" // L2, persistent store
)

// CacheLog records one served cache hit.
type CacheLog struct {
	ID                 int64     `json:"id"`
	RequestID          string    `json:"request_id"`
	SourceRequestLogID int64     `json:"source_request_log_id"`
	GatewayKeyID       string    `json:"gateway_key_id,omitempty"`
	CacheLayer         string    `json:"cache_layer"`
	LatencyMs          int       `json:"latency_ms"`
	ClientIP           string    `json:"client_ip,omitempty"`
	UserAgent          string    `json:"user_agent,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// CachedResponse is a replayable response materialized from a successful
// request_logs row.
type CachedResponse struct {
	SourceRequestLogID  int64
	StatusCode          int
	ResponseBody        []byte
	ResponseContentType string
}

// Cacheable reports whether a completed exchange may serve future hits.
func Cacheable(statusCode int, responseBody []byte) bool {
	return statusCode >= 200 && statusCode <= 299 && len(responseBody) > 0
}

// --- Stats projections (admin surface) ---

// StatBucket is one time bucket in a requests-over-time series.
type StatBucket struct {
	Bucket string `json:"bucket"` // RFC3339 truncated to the bucket size
	Count  int64  `json:"count"`
}

// ProviderCount is a per-provider request tally.
type ProviderCount struct {
	Provider string `json:"provider"`
	Count    int64  `json:"count"`
}

// CacheHitRate summarizes cache effectiveness over a window.
type CacheHitRate struct {
	Hits     int64 `json:"hits"`     // cache_log rows
	Requests int64 `json:"requests"` // request_logs rows
}

// --- Context plumbing ---

// ClientInfo carries the request origin captured at the edge.
type ClientInfo struct {
	IP        string
	UserAgent string
}

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Later middleware stores into the same pointer, avoiding a second
// context.WithValue + Request.WithContext per stage.
type requestMeta struct {
	RequestID    string
	Client       ClientInfo
	GatewayKeyID string
	BodyHash     string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.RequestID = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithClientInfo stores the client origin in the request metadata.
func ContextWithClientInfo(ctx context.Context, ci ClientInfo) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Client = ci
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Client: ci})
}

// ClientInfoFromContext extracts the client origin from context.
func ClientInfoFromContext(ctx context.Context) ClientInfo {
	if m := metaFromContext(ctx); m != nil {
		return m.Client
	}
	return ClientInfo{}
}

// ContextWithGatewayKeyID stores the authenticated gateway key id.
func ContextWithGatewayKeyID(ctx context.Context, id string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.GatewayKeyID = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{GatewayKeyID: id})
}

// GatewayKeyIDFromContext extracts the authenticated gateway key id, or "".
func GatewayKeyIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.GatewayKeyID
	}
	return ""
}

// ContextWithBodyHash stores the request body fingerprint computed by the
// cache layer so the dispatcher can stamp it onto the telemetry row.
func ContextWithBodyHash(ctx context.Context, hash string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.BodyHash = hash
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{BodyHash: hash})
}

// BodyHashFromContext extracts the request body fingerprint, or "".
func BodyHashFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.BodyHash
	}
	return ""
}
