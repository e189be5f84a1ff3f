// Package routing resolves client model strings to concrete upstream targets.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/background"
	"github.com/eugener/mithril/internal/storage"
)

// Router turns (model string, api type) into a dispatchable Route. Usage
// counters feeding the load balancer are bumped off the request path.
type Router struct {
	store storage.Store
	tasks *background.Tasks
}

// New creates a Router.
func New(store storage.Store, tasks *background.Tasks) *Router {
	return &Router{store: store, tasks: tasks}
}

// splitBrief parses "brief:model" shortcut syntax. Both halves must be
// non-empty; anything else is treated as a plain alias name.
func splitBrief(model string) (brief, upstream string, ok bool) {
	brief, upstream, found := strings.Cut(model, ":")
	if !found || brief == "" || upstream == "" {
		return "", "", false
	}
	return brief, upstream, true
}

// Resolve picks the upstream target for a request. Brief-prefixed model
// strings bypass the alias table; everything else goes through alias
// resolution with least-used-provider ordering.
func (rt *Router) Resolve(ctx context.Context, model string, apiType gateway.ApiType) (*gateway.Route, error) {
	route, err := rt.resolveTarget(ctx, model, apiType)
	if err != nil {
		return nil, err
	}

	key, err := rt.pickProviderKey(ctx, route.ProviderID)
	if err != nil {
		return nil, err
	}
	route.ProviderKey = *key

	rt.scheduleCounters(route)
	return route, nil
}

func (rt *Router) resolveTarget(ctx context.Context, model string, apiType gateway.ApiType) (*gateway.Route, error) {
	if brief, upstream, ok := splitBrief(model); ok {
		route, err := rt.resolveBrief(ctx, brief, upstream, model, apiType)
		if err == nil {
			return route, nil
		}
		if !errors.Is(err, gateway.ErrNotFound) {
			return nil, err
		}
		// Unknown brief: fall through to the alias table. The model string
		// may legitimately contain a colon.
	}

	targets, err := rt.store.ResolveAliasTargets(ctx, model, apiType)
	if err != nil {
		return nil, fmt.Errorf("resolve alias: %w", err)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: unknown model alias: %s", gateway.ErrBadRequest, model)
	}

	t := targets[0]
	return &gateway.Route{
		ProviderID:    t.ProviderID,
		ProviderName:  t.ProviderName,
		EndpointID:    t.EndpointID,
		EndpointURL:   t.EndpointURL,
		TimeoutMs:     t.TimeoutMs,
		ModelID:       t.ModelID,
		AliasName:     model,
		ExtraFields:   t.ExtraFields,
		AliasMatch:    true,
		AliasTargetID: t.AliasTargetID,
	}, nil
}

func (rt *Router) resolveBrief(ctx context.Context, brief, upstream, model string, apiType gateway.ApiType) (*gateway.Route, error) {
	p, err := rt.store.GetProviderByBrief(ctx, brief)
	if err != nil {
		return nil, err
	}

	endpoints, err := rt.store.ListEndpointsByProvider(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	for _, e := range endpoints {
		if e.Enabled && e.ApiType == apiType {
			return &gateway.Route{
				ProviderID:   p.ID,
				ProviderName: p.Name,
				EndpointID:   e.ID,
				EndpointURL:  e.URL,
				TimeoutMs:    e.TimeoutMs,
				ModelID:      upstream,
				AliasName:    model,
			}, nil
		}
	}
	return nil, gateway.ErrNotFound
}

// pickProviderKey selects the least-used enabled key with a closed circuit.
func (rt *Router) pickProviderKey(ctx context.Context, providerID string) (*gateway.ProviderKey, error) {
	keys, err := rt.store.EligibleProviderKeys(ctx, providerID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("eligible keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, gateway.ErrNoProviderKeys
	}
	return &keys[0], nil
}

// scheduleCounters bumps the load-balancing counters off the request path.
// Failures are logged and swallowed; the counters are ordering hints, not
// accounting.
func (rt *Router) scheduleCounters(route *gateway.Route) {
	providerID := route.ProviderID
	endpointID := route.EndpointID
	keyID := route.ProviderKey.ID
	targetID := route.AliasTargetID

	rt.tasks.Spawn("usage_counters", func(ctx context.Context) {
		if err := rt.store.IncrementProviderUsage(ctx, providerID); err != nil {
			slog.Warn("provider usage increment failed", "provider_id", providerID, "error", err)
		}
		if err := rt.store.IncrementEndpointUsage(ctx, endpointID); err != nil {
			slog.Warn("endpoint usage increment failed", "endpoint_id", endpointID, "error", err)
		}
		if err := rt.store.IncrementProviderKeyUsage(ctx, keyID); err != nil {
			slog.Warn("provider key usage increment failed", "key_id", keyID, "error", err)
		}
		if targetID != "" {
			if err := rt.store.IncrementAliasTargetUsage(ctx, targetID); err != nil {
				slog.Warn("alias target usage increment failed", "target_id", targetID, "error", err)
			}
		}
	})
}
