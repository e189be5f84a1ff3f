// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/eugener/mithril/internal"
)

// GatewayKeyStore manages client-facing gateway keys and their whitelists.
type GatewayKeyStore interface {
	// GetGatewayKeyBySecret resolves an enabled key by its secret value.
	// Returns gateway.ErrNotFound for unknown or disabled keys.
	GetGatewayKeyBySecret(ctx context.Context, secret string) (*gateway.GatewayKey, error)
	GetGatewayKey(ctx context.Context, id string) (*gateway.GatewayKey, error)
	ListGatewayKeys(ctx context.Context, offset, limit int) ([]*gateway.GatewayKey, error)
	CreateGatewayKey(ctx context.Context, k *gateway.GatewayKey) error
	UpdateGatewayKey(ctx context.Context, k *gateway.GatewayKey) error
	DeleteGatewayKey(ctx context.Context, id string) error

	// ModelWhitelist returns the exact-match model whitelist for a key.
	// An empty slice means the key may use any model.
	ModelWhitelist(ctx context.Context, gatewayKeyID string) ([]string, error)
	SetModelWhitelist(ctx context.Context, gatewayKeyID string, models []string) error

	// RateLimits returns the key's RPS and RPM limits; nil means unlimited.
	RateLimits(ctx context.Context, gatewayKeyID string) (rps, rpm *int, err error)
}

// ProviderStore manages providers, their endpoints, and their keys.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *gateway.Provider) error
	GetProvider(ctx context.Context, id string) (*gateway.Provider, error)
	// GetProviderByBrief resolves an enabled provider by its brief token.
	GetProviderByBrief(ctx context.Context, brief string) (*gateway.Provider, error)
	ListProviders(ctx context.Context) ([]*gateway.Provider, error)
	UpdateProvider(ctx context.Context, p *gateway.Provider) error
	DeleteProvider(ctx context.Context, id string) error
	IncrementProviderUsage(ctx context.Context, id string) error

	CreateEndpoint(ctx context.Context, e *gateway.ProviderEndpoint) error
	ListEndpointsByProvider(ctx context.Context, providerID string) ([]*gateway.ProviderEndpoint, error)
	UpdateEndpoint(ctx context.Context, e *gateway.ProviderEndpoint) error
	DeleteEndpoint(ctx context.Context, id string) error
	IncrementEndpointUsage(ctx context.Context, id string) error

	CreateProviderKey(ctx context.Context, k *gateway.ProviderKey) error
	ListProviderKeys(ctx context.Context, providerID string) ([]*gateway.ProviderKey, error)
	UpdateProviderKey(ctx context.Context, k *gateway.ProviderKey) error
	DeleteProviderKey(ctx context.Context, id string) error
	// EligibleProviderKeys returns enabled keys whose circuit is closed at
	// the given instant, ordered by ascending usage_count.
	EligibleProviderKeys(ctx context.Context, providerID string, now time.Time) ([]gateway.ProviderKey, error)
	IncrementProviderKeyUsage(ctx context.Context, id string) error
	DisableProviderKey(ctx context.Context, id string) error
	// RecordProviderKeyFailure bumps fail_count, stamps last_fail_at, and
	// optionally opens the circuit until the given instant.
	RecordProviderKeyFailure(ctx context.Context, id string, openUntil *time.Time) error
}

// AliasStore manages aliases and their targets.
type AliasStore interface {
	CreateAlias(ctx context.Context, a *gateway.Alias) error
	GetAlias(ctx context.Context, id string) (*gateway.Alias, error)
	ListAliases(ctx context.Context, offset, limit int) ([]*gateway.Alias, error)
	UpdateAlias(ctx context.Context, a *gateway.Alias) error
	DeleteAlias(ctx context.Context, id string) error

	CreateAliasTarget(ctx context.Context, t *gateway.AliasTarget) error
	ListAliasTargets(ctx context.Context, aliasID string) ([]*gateway.AliasTarget, error)
	UpdateAliasTarget(ctx context.Context, t *gateway.AliasTarget) error
	DeleteAliasTarget(ctx context.Context, id string) error

	// ResolveAliasTargets returns the routing join for an enabled alias:
	// enabled targets whose provider is enabled and has an enabled endpoint
	// of the requested api type, ordered by provider usage_count then
	// provider id.
	ResolveAliasTargets(ctx context.Context, aliasName string, apiType gateway.ApiType) ([]gateway.AliasTargetDetail, error)
	IncrementAliasTargetUsage(ctx context.Context, id string) error
}

// TelemetryStore appends and queries request/cache telemetry.
type TelemetryStore interface {
	// InsertRequestLog appends one row and returns its row id.
	InsertRequestLog(ctx context.Context, l *gateway.RequestLog) (int64, error)
	InsertCacheLog(ctx context.Context, l *gateway.CacheLog) error

	// FindCachedResponse returns the newest successful, non-empty response
	// recorded for the given body hash, or gateway.ErrNotFound.
	FindCachedResponse(ctx context.Context, bodyHashHex string) (*gateway.CachedResponse, error)

	ListRequestLogs(ctx context.Context, offset, limit int) ([]*gateway.RequestLog, error)
	GetRequestLog(ctx context.Context, requestID string) (*gateway.RequestLog, error)

	RequestsOverTime(ctx context.Context, since time.Time) ([]gateway.StatBucket, error)
	RequestsByProvider(ctx context.Context, since time.Time) ([]gateway.ProviderCount, error)
	CacheHitRate(ctx context.Context, since time.Time) (gateway.CacheHitRate, error)
}

// UserStore manages human operators of the admin surface.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (*gateway.User, error)
	CreateUser(ctx context.Context, u *gateway.User) error
}

// Store combines all storage interfaces.
type Store interface {
	GatewayKeyStore
	ProviderStore
	AliasStore
	TelemetryStore
	UserStore
	Ping(ctx context.Context) error
	Close() error
}
