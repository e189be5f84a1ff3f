package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/mithril/internal/ratelimit"
)

const (
	sweepInterval = 10 * time.Minute
	staleAfter    = time.Hour
)

// LimiterSweeper periodically evicts rate limiters for keys that have gone
// quiet, keeping the registry bounded over long uptimes.
type LimiterSweeper struct {
	registry *ratelimit.Registry
	interval time.Duration
	maxIdle  time.Duration
}

// NewLimiterSweeper creates a sweeper with default cadence.
func NewLimiterSweeper(registry *ratelimit.Registry) *LimiterSweeper {
	return &LimiterSweeper{
		registry: registry,
		interval: sweepInterval,
		maxIdle:  staleAfter,
	}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *LimiterSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.registry.EvictStale(time.Now().Add(-s.maxIdle)); n > 0 {
				slog.Debug("evicted stale rate limiters", "count", n)
			}
		}
	}
}
