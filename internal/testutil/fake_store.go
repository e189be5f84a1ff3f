// Package testutil provides shared test doubles for the gateway.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	gateway "github.com/eugener/mithril/internal"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu           sync.RWMutex
	nextLogID    int64
	GatewayKeys  map[string]*gateway.GatewayKey // by secret
	Whitelists   map[string][]string            // gateway key id -> models
	Providers    map[string]*gateway.Provider
	Endpoints    map[string]*gateway.ProviderEndpoint
	ProviderKeys map[string]*gateway.ProviderKey
	Aliases      map[string]*gateway.Alias // by name
	AliasTargets map[string]*gateway.AliasTarget
	RequestLogs  []*gateway.RequestLog
	CacheLogs    []*gateway.CacheLog
	Users        map[string]*gateway.User // by email

	// FailFindCached forces L2 probes to error when set.
	FailFindCached error
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		nextLogID:    0,
		GatewayKeys:  make(map[string]*gateway.GatewayKey),
		Whitelists:   make(map[string][]string),
		Providers:    make(map[string]*gateway.Provider),
		Endpoints:    make(map[string]*gateway.ProviderEndpoint),
		ProviderKeys: make(map[string]*gateway.ProviderKey),
		Aliases:      make(map[string]*gateway.Alias),
		AliasTargets: make(map[string]*gateway.AliasTarget),
		Users:        make(map[string]*gateway.User),
	}
}

// --- GatewayKeyStore ---

func (s *FakeStore) GetGatewayKeyBySecret(_ context.Context, secret string) (*gateway.GatewayKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.GatewayKeys[secret]
	if !ok || !k.Enabled {
		return nil, gateway.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *FakeStore) GetGatewayKey(_ context.Context, id string) (*gateway.GatewayKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.GatewayKeys {
		if k.ID == id {
			cp := *k
			return &cp, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListGatewayKeys(context.Context, int, int) ([]*gateway.GatewayKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.GatewayKey, 0, len(s.GatewayKeys))
	for _, k := range s.GatewayKeys {
		cp := *k
		out = append(out, &cp)
	}
	return out, nil
}

func (s *FakeStore) CreateGatewayKey(_ context.Context, k *gateway.GatewayKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GatewayKeys[k.Key] = k
	return nil
}

func (s *FakeStore) UpdateGatewayKey(_ context.Context, k *gateway.GatewayKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for secret, existing := range s.GatewayKeys {
		if existing.ID == k.ID {
			k.Key = existing.Key
			s.GatewayKeys[secret] = k
			return nil
		}
	}
	return gateway.ErrNotFound
}

func (s *FakeStore) DeleteGatewayKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for secret, k := range s.GatewayKeys {
		if k.ID == id {
			delete(s.GatewayKeys, secret)
			return nil
		}
	}
	return gateway.ErrNotFound
}

func (s *FakeStore) ModelWhitelist(_ context.Context, keyID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.Whitelists[keyID]...), nil
}

func (s *FakeStore) SetModelWhitelist(_ context.Context, keyID string, models []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(models) == 0 {
		delete(s.Whitelists, keyID)
		return nil
	}
	s.Whitelists[keyID] = append([]string(nil), models...)
	return nil
}

func (s *FakeStore) RateLimits(ctx context.Context, keyID string) (*int, *int, error) {
	k, err := s.GetGatewayKey(ctx, keyID)
	if err != nil {
		return nil, nil, err
	}
	return k.RateLimitRPS, k.RateLimitRPM, nil
}

// --- ProviderStore ---

func (s *FakeStore) CreateProvider(_ context.Context, p *gateway.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Providers[p.ID] = p
	return nil
}

func (s *FakeStore) GetProvider(_ context.Context, id string) (*gateway.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.Providers[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *FakeStore) GetProviderByBrief(_ context.Context, brief string) (*gateway.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.Providers {
		if p.Brief == brief && p.Enabled {
			cp := *p
			return &cp, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListProviders(context.Context) ([]*gateway.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.Provider, 0, len(s.Providers))
	for _, p := range s.Providers {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *FakeStore) UpdateProvider(_ context.Context, p *gateway.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Providers[p.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.Providers[p.ID] = p
	return nil
}

func (s *FakeStore) DeleteProvider(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Providers[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.Providers, id)
	return nil
}

func (s *FakeStore) IncrementProviderUsage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.Providers[id]; ok {
		p.UsageCount++
	}
	return nil
}

func (s *FakeStore) CreateEndpoint(_ context.Context, e *gateway.ProviderEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Endpoints[e.ID] = e
	return nil
}

func (s *FakeStore) ListEndpointsByProvider(_ context.Context, providerID string) ([]*gateway.ProviderEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.ProviderEndpoint
	for _, e := range s.Endpoints {
		if e.ProviderID == providerID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) UpdateEndpoint(_ context.Context, e *gateway.ProviderEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Endpoints[e.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.Endpoints[e.ID] = e
	return nil
}

func (s *FakeStore) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Endpoints[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.Endpoints, id)
	return nil
}

func (s *FakeStore) IncrementEndpointUsage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.Endpoints[id]; ok {
		e.UsageCount++
	}
	return nil
}

func (s *FakeStore) CreateProviderKey(_ context.Context, k *gateway.ProviderKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProviderKeys[k.ID] = k
	return nil
}

func (s *FakeStore) ListProviderKeys(_ context.Context, providerID string) ([]*gateway.ProviderKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.ProviderKey
	for _, k := range s.ProviderKeys {
		if k.ProviderID == providerID {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) UpdateProviderKey(_ context.Context, k *gateway.ProviderKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ProviderKeys[k.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.ProviderKeys[k.ID] = k
	return nil
}

func (s *FakeStore) DeleteProviderKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ProviderKeys[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.ProviderKeys, id)
	return nil
}

func (s *FakeStore) EligibleProviderKeys(_ context.Context, providerID string, now time.Time) ([]gateway.ProviderKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []gateway.ProviderKey
	for _, k := range s.ProviderKeys {
		if k.ProviderID == providerID && k.Eligible(now) {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UsageCount != out[j].UsageCount {
			return out[i].UsageCount < out[j].UsageCount
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *FakeStore) IncrementProviderKeyUsage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.ProviderKeys[id]; ok {
		k.UsageCount++
	}
	return nil
}

func (s *FakeStore) DisableProviderKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.ProviderKeys[id]
	if !ok {
		return gateway.ErrNotFound
	}
	k.Enabled = false
	return nil
}

func (s *FakeStore) RecordProviderKeyFailure(_ context.Context, id string, openUntil *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.ProviderKeys[id]
	if !ok {
		return gateway.ErrNotFound
	}
	now := time.Now()
	k.FailCount++
	k.LastFailAt = &now
	k.CircuitOpenUntil = openUntil
	return nil
}

// --- AliasStore ---

func (s *FakeStore) CreateAlias(_ context.Context, a *gateway.Alias) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Aliases[a.Name] = a
	return nil
}

func (s *FakeStore) GetAlias(_ context.Context, id string) (*gateway.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.Aliases {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListAliases(context.Context, int, int) ([]*gateway.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.Alias, 0, len(s.Aliases))
	for _, a := range s.Aliases {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *FakeStore) UpdateAlias(_ context.Context, a *gateway.Alias) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, existing := range s.Aliases {
		if existing.ID == a.ID {
			delete(s.Aliases, name)
			s.Aliases[a.Name] = a
			return nil
		}
	}
	return gateway.ErrNotFound
}

func (s *FakeStore) DeleteAlias(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, a := range s.Aliases {
		if a.ID == id {
			delete(s.Aliases, name)
			return nil
		}
	}
	return gateway.ErrNotFound
}

func (s *FakeStore) CreateAliasTarget(_ context.Context, t *gateway.AliasTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AliasTargets[t.ID] = t
	return nil
}

func (s *FakeStore) ListAliasTargets(_ context.Context, aliasID string) ([]*gateway.AliasTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.AliasTarget
	for _, t := range s.AliasTargets {
		if t.AliasID == aliasID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) UpdateAliasTarget(_ context.Context, t *gateway.AliasTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.AliasTargets[t.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.AliasTargets[t.ID] = t
	return nil
}

func (s *FakeStore) DeleteAliasTarget(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.AliasTargets[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.AliasTargets, id)
	return nil
}

func (s *FakeStore) ResolveAliasTargets(_ context.Context, aliasName string, apiType gateway.ApiType) ([]gateway.AliasTargetDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alias, ok := s.Aliases[aliasName]
	if !ok || !alias.Enabled {
		return nil, nil
	}

	var out []gateway.AliasTargetDetail
	for _, t := range s.AliasTargets {
		if t.AliasID != alias.ID || !t.Enabled {
			continue
		}
		p, ok := s.Providers[t.ProviderID]
		if !ok || !p.Enabled {
			continue
		}
		for _, e := range s.Endpoints {
			if e.ProviderID == p.ID && e.ApiType == apiType && e.Enabled {
				out = append(out, gateway.AliasTargetDetail{
					AliasTargetID:      t.ID,
					AliasName:          alias.Name,
					ProviderID:         p.ID,
					ProviderName:       p.Name,
					ProviderUsageCount: p.UsageCount,
					EndpointID:         e.ID,
					EndpointURL:        e.URL,
					TimeoutMs:          e.TimeoutMs,
					ModelID:            t.ModelID,
					ExtraFields:        t.ExtraFields,
				})
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderUsageCount != out[j].ProviderUsageCount {
			return out[i].ProviderUsageCount < out[j].ProviderUsageCount
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out, nil
}

func (s *FakeStore) IncrementAliasTargetUsage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.AliasTargets[id]; ok {
		t.UsageCount++
	}
	return nil
}

// --- TelemetryStore ---

func (s *FakeStore) InsertRequestLog(_ context.Context, l *gateway.RequestLog) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLogID++
	l.ID = s.nextLogID
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	s.RequestLogs = append(s.RequestLogs, l)
	return l.ID, nil
}

func (s *FakeStore) InsertCacheLog(_ context.Context, l *gateway.CacheLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = int64(len(s.CacheLogs) + 1)
	s.CacheLogs = append(s.CacheLogs, l)
	return nil
}

func (s *FakeStore) FindCachedResponse(_ context.Context, hash string) (*gateway.CachedResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailFindCached != nil {
		return nil, s.FailFindCached
	}
	for i := len(s.RequestLogs) - 1; i >= 0; i-- {
		l := s.RequestLogs[i]
		if l.RequestBodyHash != hash || l.StatusCode == nil {
			continue
		}
		if gateway.Cacheable(*l.StatusCode, l.ResponseBody) {
			return &gateway.CachedResponse{
				SourceRequestLogID:  l.ID,
				StatusCode:          *l.StatusCode,
				ResponseBody:        l.ResponseBody,
				ResponseContentType: l.ResponseContentType,
			}, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListRequestLogs(_ context.Context, offset, limit int) ([]*gateway.RequestLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.RequestLog
	for i := len(s.RequestLogs) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		cp := *s.RequestLogs[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *FakeStore) GetRequestLog(_ context.Context, requestID string) (*gateway.RequestLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.RequestLogs {
		if l.RequestID == requestID {
			cp := *l
			return &cp, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) RequestsOverTime(_ context.Context, since time.Time) ([]gateway.StatBucket, error) {
	return nil, nil
}

func (s *FakeStore) RequestsByProvider(_ context.Context, since time.Time) ([]gateway.ProviderCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int64)
	for _, l := range s.RequestLogs {
		if l.CreatedAt.After(since) {
			counts[l.Provider]++
		}
	}
	var out []gateway.ProviderCount
	for p, c := range counts {
		out = append(out, gateway.ProviderCount{Provider: p, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out, nil
}

func (s *FakeStore) CacheHitRate(_ context.Context, since time.Time) (gateway.CacheHitRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return gateway.CacheHitRate{
		Hits:     int64(len(s.CacheLogs)),
		Requests: int64(len(s.RequestLogs)),
	}, nil
}

// --- UserStore ---

func (s *FakeStore) GetUserByEmail(_ context.Context, email string) (*gateway.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.Users[email]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *FakeStore) CreateUser(_ context.Context, u *gateway.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Users[u.Email] = u
	return nil
}

// --- lifecycle ---

func (s *FakeStore) Ping(context.Context) error { return nil }
func (s *FakeStore) Close() error               { return nil }
