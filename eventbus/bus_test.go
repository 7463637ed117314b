package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmit_BeforeSchedulerSetIsDropped(t *testing.T) {
	b := New(nil)
	ch, unsub, _ := b.Subscribe()
	defer unsub()

	b.Emit("job.started", map[string]any{"id": "1"})

	select {
	case ev := <-ch:
		t.Fatalf("expected no delivery without a scheduler, got %v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEmit_DeliversToAllSubscribers(t *testing.T) {
	b := New(nil)
	b.SetScheduler(InlineScheduler{})

	ch1, unsub1, _ := b.Subscribe()
	defer unsub1()
	ch2, unsub2, _ := b.Subscribe()
	defer unsub2()

	b.Emit("job.progress", map[string]any{"pct": 50})

	ev1 := <-ch1
	ev2 := <-ch2
	assert.Equal(t, "job.progress", ev1.Type)
	assert.Equal(t, "job.progress", ev2.Type)
}

func TestUnsubscribe_RemovesFromSnapshot(t *testing.T) {
	b := New(nil)
	b.SetScheduler(InlineScheduler{})

	_, unsub, _ := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())
	unsub()
	assert.Equal(t, 0, b.SubscriberCount())

	// idempotent
	unsub()
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestDeliver_FullQueueDropsOldest(t *testing.T) {
	b := New(nil)
	b.SetScheduler(InlineScheduler{})

	ch, unsub, _ := b.Subscribe()
	defer unsub()

	for i := 0; i < Q+5; i++ {
		b.Emit("tick", map[string]any{"i": i})
	}

	require.Len(t, ch, Q)
	first := <-ch
	assert.NotEqual(t, 0, first.Data["i"], "oldest entries should have been evicted")
}

func TestShutdown_BroadcastsSentinelAndStopsEmit(t *testing.T) {
	b := New(nil)
	b.SetScheduler(InlineScheduler{})

	ch, unsub, _ := b.Subscribe()
	defer unsub()

	b.Shutdown()
	ev := <-ch
	assert.Equal(t, ShutdownEventType, ev.Type)

	b.Emit("after.shutdown", nil)
	select {
	case ev := <-ch:
		t.Fatalf("expected no further delivery after shutdown, got %v", ev)
	case <-time.After(20 * time.Millisecond):
	}

	// second Shutdown is a no-op, not a panic
	b.Shutdown()
}

func TestRunScheduler_RunsScheduledWorkAndStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rs := NewRunScheduler(ctx)

	done := make(chan struct{})
	rs.Schedule(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduled function did not run")
	}

	cancel()
	select {
	case <-rs.Stopped():
	case <-time.After(time.Second):
		t.Fatal("run loop did not stop after cancel")
	}
}
