// Package cache implements the two-tier response cache: a bounded in-memory
// W-TinyLFU layer in front of the persistent request-log store.
package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/maypok86/otter/v2"

	gateway "github.com/eugener/mithril/internal"
)

// Lookup is the persistent-layer probe, satisfied by the telemetry store.
type Lookup interface {
	FindCachedResponse(ctx context.Context, bodyHashHex string) (*gateway.CachedResponse, error)
}

// ResponseCache serves previously recorded upstream responses by request
// body fingerprint. There is no explicit population step: every successful
// dispatch lands in request_logs, which is the persistent layer.
type ResponseCache struct {
	memory *otter.Cache[string, *gateway.CachedResponse]
	store  Lookup
}

// New creates a ResponseCache with a bounded in-memory layer.
func New(store Lookup, maxEntries int) (*ResponseCache, error) {
	mem, err := otter.New[string, *gateway.CachedResponse](&otter.Options[string, *gateway.CachedResponse]{
		MaximumSize: maxEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &ResponseCache{memory: mem, store: store}, nil
}

// Get probes the memory layer, then the store. Store hits are promoted into
// memory so repeats are served without a DB round trip. The returned layer
// tag names where the hit came from.
func (c *ResponseCache) Get(ctx context.Context, hashHex string) (*gateway.CachedResponse, string, error) {
	if cr, ok := c.memory.GetIfPresent(hashHex); ok {
		return cr, gateway.CacheLayerMemory, nil
	}

	cr, err := c.store.FindCachedResponse(ctx, hashHex)
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, "", gateway.ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	c.memory.Set(hashHex, cr)
	return cr, gateway.CacheLayerDatabase, nil
}

// Put inserts a freshly dispatched response into the memory layer. The
// persistent layer is populated by the request log write, not here.
func (c *ResponseCache) Put(hashHex string, cr *gateway.CachedResponse) {
	c.memory.Set(hashHex, cr)
}

// Len reports the current memory-layer entry count.
func (c *ResponseCache) Len() int {
	return c.memory.EstimatedSize()
}
