package background

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSpawnRunsWork(t *testing.T) {
	t.Parallel()
	tasks := New(context.Background())

	var ran atomic.Bool
	done := make(chan struct{})
	if ok := tasks.Spawn("test", func(context.Context) {
		ran.Store(true)
		close(done)
	}); !ok {
		t.Fatal("spawn refused before shutdown")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
	if !ran.Load() {
		t.Error("work not executed")
	}
}

func TestSpawnRefusedAfterShutdown(t *testing.T) {
	t.Parallel()
	tasks := New(context.Background())
	tasks.BeginShutdown()

	if ok := tasks.Spawn("late", func(context.Context) {
		t.Error("rejected task ran")
	}); ok {
		t.Fatal("spawn accepted after shutdown")
	}
	if n := tasks.PendingCount(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestWaitDrainsPendingWork(t *testing.T) {
	t.Parallel()
	tasks := New(context.Background())

	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		tasks.Spawn("slow", func(context.Context) {
			<-release
		})
	}
	if n := tasks.PendingCount(); n != 3 {
		t.Errorf("pending = %d, want 3", n)
	}

	// Tasks still blocked: the wait must time out.
	if tasks.Wait(20 * time.Millisecond) {
		t.Fatal("wait returned true with tasks still running")
	}

	close(release)
	if !tasks.Wait(time.Second) {
		t.Fatal("wait timed out after tasks released")
	}
	if n := tasks.PendingCount(); n != 0 {
		t.Errorf("pending after drain = %d, want 0", n)
	}
}

func TestInFlightWorkSurvivesShutdownToken(t *testing.T) {
	t.Parallel()
	tasks := New(context.Background())

	started := make(chan struct{})
	var ctxErr atomic.Value
	tasks.Spawn("inflight", func(ctx context.Context) {
		close(started)
		// Give BeginShutdown time to cancel the token.
		time.Sleep(10 * time.Millisecond)
		ctxErr.Store(ctx.Err() == nil)
	})

	<-started
	tasks.BeginShutdown()
	if !tasks.Wait(time.Second) {
		t.Fatal("drain timed out")
	}
	if alive, _ := ctxErr.Load().(bool); !alive {
		t.Error("in-flight task context cancelled during drain")
	}
}

func TestPanicDoesNotKillHost(t *testing.T) {
	t.Parallel()
	tasks := New(context.Background())

	tasks.Spawn("boom", func(context.Context) {
		panic("kaboom")
	})
	if !tasks.Wait(time.Second) {
		t.Fatal("panicked task never drained")
	}

	// Host still accepts work afterwards.
	done := make(chan struct{})
	if ok := tasks.Spawn("after", func(context.Context) { close(done) }); !ok {
		t.Fatal("spawn refused after recovered panic")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("follow-up task never ran")
	}
}
