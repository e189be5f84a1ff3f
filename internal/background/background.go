// Package background hosts the gateway's fire-and-forget work: counter
// increments, key disabling, telemetry writes, cache-hit logs. Routing all
// async work through one host makes shutdown observable.
package background

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Tasks tracks spawned goroutines so shutdown can drain them.
type Tasks struct {
	ctx     context.Context // shutdown token, checked at task entry
	workCtx context.Context // what tasks actually run on; survives the token
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending atomic.Int64

	mu       sync.Mutex
	shutdown bool
}

// New creates a task host. The parent context bounds all task lifetimes.
func New(parent context.Context) *Tasks {
	ctx, cancel := context.WithCancel(parent)
	return &Tasks{
		ctx: ctx,
		// In-flight work keeps running through the drain window, so it must
		// not be cut off the moment BeginShutdown cancels the token.
		workCtx: context.WithoutCancel(parent),
		cancel:  cancel,
	}
}

// Spawn runs work on a new goroutine. It refuses work after BeginShutdown
// and reports whether the task was accepted. A task that starts after the
// token is already cancelled no-ops. Panics are recovered and logged,
// never propagated.
func (t *Tasks) Spawn(name string, work func(ctx context.Context)) bool {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		slog.Debug("task rejected, shutting down", "task", name)
		return false
	}
	t.wg.Add(1)
	t.pending.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer t.pending.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				slog.Error("background task panic", "task", name, "panic", r)
			}
		}()
		if t.ctx.Err() != nil {
			return
		}
		work(t.workCtx)
	}()
	return true
}

// BeginShutdown stops accepting new work and cancels the task context.
// Idempotent.
func (t *Tasks) BeginShutdown() {
	t.mu.Lock()
	already := t.shutdown
	t.shutdown = true
	t.mu.Unlock()
	if !already {
		t.cancel()
	}
}

// Wait blocks until all pending tasks finish or the timeout elapses,
// reporting whether the drain completed.
func (t *Tasks) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// PendingCount reports outstanding tasks.
func (t *Tasks) PendingCount() int64 {
	return t.pending.Load()
}
