// Package authn covers edge authentication: gateway-key resolution, per-IP
// abuse protection, and operator JWTs.
package authn

import (
	"sync"
	"time"
)

const (
	failureWindow = 60 * time.Second
	banThreshold  = 5 // more than this many failures inside the window bans
)

type ipRecord struct {
	failures []time.Time
	banned   bool
}

// LoginProtection tracks authentication failures per client IP and bans
// abusive sources. State is in-memory only and resets on restart; bans have
// no auto-expiry.
type LoginProtection struct {
	mu      sync.Mutex
	records map[string]*ipRecord
}

// NewLoginProtection creates an empty protection table.
func NewLoginProtection() *LoginProtection {
	return &LoginProtection{records: make(map[string]*ipRecord)}
}

// IsBanned reports whether the IP has been banned.
func (p *LoginProtection) IsBanned(ip string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[ip]
	return ok && r.banned
}

// RecordFailure notes one failed authentication from the IP. Failures older
// than the window are dropped; exceeding the threshold inside the window
// bans the IP permanently.
func (p *LoginProtection) RecordFailure(ip string) {
	now := time.Now()
	cutoff := now.Add(-failureWindow)

	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.records[ip]
	if !ok {
		r = &ipRecord{}
		p.records[ip] = r
	}
	if r.banned {
		return
	}

	kept := r.failures[:0]
	for _, ts := range r.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	r.failures = append(kept, now)
	if len(r.failures) > banThreshold {
		r.banned = true
		r.failures = nil
	}
}
