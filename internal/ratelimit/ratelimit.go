// Package ratelimit implements per-gateway-key RPS and RPM limiting with
// lazy-refill token buckets.
package ratelimit

import (
	"sync"
	"time"
)

// Limits holds the effective RPS and RPM limits for a key. An absent limit
// means unlimited; a present limit of zero (or less) admits nothing.
type Limits struct {
	RPS, RPM       int
	HasRPS, HasRPM bool
}

func limitsFromPtrs(rps, rpm *int) Limits {
	var l Limits
	if rps != nil {
		l.RPS, l.HasRPS = *rps, true
	}
	if rpm != nil {
		l.RPM, l.HasRPM = *rpm, true
	}
	return l
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Limit             int
	Remaining         int64
	RetryAfterSeconds float64
}

// bucket is a token bucket with lazy refill (no background goroutine).
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(capacity int, windowSecs float64, now time.Time) *bucket {
	c := float64(max(capacity, 0))
	return &bucket{
		tokens:   c,
		max:      c,
		rate:     c / windowSecs,
		lastFill: now,
	}
}

// resync updates capacity and refill rate in place, clamping tokens to the
// new capacity so a lowered limit takes effect immediately.
func (b *bucket) resync(capacity int, windowSecs float64) {
	b.max = float64(max(capacity, 0))
	b.rate = b.max / windowSecs
	b.tokens = min(b.tokens, b.max)
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

// retryAfter returns seconds until one token is available. A zero-capacity
// bucket never refills, so there is no finite estimate to report.
func (b *bucket) retryAfter() float64 {
	if b.tokens >= 1 {
		return 0
	}
	if b.rate <= 0 {
		return 0
	}
	return (1 - b.tokens) / b.rate
}

// limiter holds the dual RPS + RPM buckets for a single key.
type limiter struct {
	mu       sync.Mutex
	rps      *bucket // nil if RPS unlimited
	rpm      *bucket // nil if RPM unlimited
	limits   Limits
	lastUsed time.Time
}

// resync reconciles bucket presence and parameters with current limits.
// Limits can change live when an operator edits the gateway key.
func (l *limiter) resync(limits Limits, now time.Time) {
	if limits.HasRPS {
		if l.rps == nil {
			l.rps = newBucket(limits.RPS, 1, now)
		} else if limits.RPS != l.limits.RPS {
			l.rps.resync(limits.RPS, 1)
		}
	} else {
		l.rps = nil
	}
	if limits.HasRPM {
		if l.rpm == nil {
			l.rpm = newBucket(limits.RPM, 60, now)
		} else if limits.RPM != l.limits.RPM {
			l.rpm.resync(limits.RPM, 60)
		}
	} else {
		l.rpm = nil
	}
	l.limits = limits
}

// checkAndConsume allows the request only when every active bucket has at
// least one token, then deducts one from each. A deny deducts nothing.
func (l *limiter) checkAndConsume(limits Limits, now time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastUsed = now
	l.resync(limits, now)

	if l.rps == nil && l.rpm == nil {
		return Result{Allowed: true}
	}

	if l.rps != nil {
		l.rps.refill(now)
	}
	if l.rpm != nil {
		l.rpm.refill(now)
	}

	if l.rps != nil && l.rps.tokens < 1 {
		return Result{
			Allowed:           false,
			Limit:             l.limits.RPS,
			RetryAfterSeconds: l.rps.retryAfter(),
		}
	}
	if l.rpm != nil && l.rpm.tokens < 1 {
		return Result{
			Allowed:           false,
			Limit:             l.limits.RPM,
			RetryAfterSeconds: l.rpm.retryAfter(),
		}
	}

	res := Result{Allowed: true}
	if l.rps != nil {
		l.rps.tokens--
		res.Limit = l.limits.RPS
		res.Remaining = int64(l.rps.tokens)
	}
	if l.rpm != nil {
		l.rpm.tokens--
		if l.rps == nil {
			res.Limit = l.limits.RPM
			res.Remaining = int64(l.rpm.tokens)
		}
	}
	return res
}

// Registry manages per-key limiters.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*limiter
}

// NewRegistry creates a new rate limiter registry.
func NewRegistry() *Registry {
	return &Registry{
		limiters: make(map[string]*limiter),
	}
}

// CheckAndConsume applies the key's current limits. Limiters are created
// lazily on first sight of a key and re-synced when limits change, so edits
// to a gateway key take effect without a restart. Nil limits mean unlimited;
// an explicit zero is a capacity-0 bucket that denies every request.
func (r *Registry) CheckAndConsume(keyID string, rps, rpm *int) Result {
	limits := limitsFromPtrs(rps, rpm)
	if !limits.HasRPS && !limits.HasRPM {
		return Result{Allowed: true}
	}
	return r.getOrCreate(keyID).checkAndConsume(limits, time.Now())
}

func (r *Registry) getOrCreate(keyID string) *limiter {
	r.mu.RLock()
	l, ok := r.limiters[keyID]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[keyID]; ok {
		return l
	}
	l = &limiter{lastUsed: time.Now()}
	r.limiters[keyID] = l
	return l
}

// Len returns the number of tracked keys.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.limiters)
}

// EvictStale removes limiters not used since cutoff.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, k)
			evicted++
		}
	}
	return evicted
}
