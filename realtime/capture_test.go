package realtime_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kotoba-transcriber/backend/collaborator"
	"github.com/kotoba-transcriber/backend/eventbus"
	"github.com/kotoba-transcriber/backend/history"
	"github.com/kotoba-transcriber/backend/realtime"
)

type nopStore struct{}

func (nopStore) BeginJob(_ context.Context, _, _ string) (int64, error) { return 1, nil }
func (nopStore) EndJob(_ context.Context, _ int64, _ history.EventType, _ string) error {
	return nil
}
func (nopStore) RecentJobs(_ context.Context, _ string, _ int) ([]history.JobRecord, error) {
	return nil, nil
}
func (nopStore) CountsByOutcome(_ context.Context) (map[string]map[string]int, error) {
	return nil, nil
}
func (nopStore) Close() error { return nil }

type fakeSource struct {
	mu     sync.Mutex
	frames [][]float32
	idx    int
	closed bool
}

func (s *fakeSource) Read(ctx context.Context) ([]float32, error) {
	s.mu.Lock()
	if s.idx < len(s.frames) {
		f := s.frames[s.idx]
		s.idx++
		s.mu.Unlock()
		return f, nil
	}
	s.mu.Unlock()
	// Exhausted the scripted frames: block until the caller cancels, like a
	// live capture device waiting for more audio.
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeStreamEngine struct {
	mu       sync.Mutex
	calls    int
	unloaded bool
}

func (f *fakeStreamEngine) TranscribePCM(_ context.Context, pcm []float32, _ int) (collaborator.TranscribeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return collaborator.TranscribeResult{Text: "hello"}, nil
}

// Unload satisfies the unexported unloadableEngine interface Stop probes
// for, so tests can assert the model is released on stop just like the
// audio stream.
func (f *fakeStreamEngine) Unload(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloaded = true
	return nil
}

func bigFrame(n int, fill float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = fill
	}
	return out
}

func TestRun_FlushesOnBufferThresholdAndEmitsText(t *testing.T) {
	bus := eventbus.New(nil)
	bus.SetScheduler(eventbus.InlineScheduler{})
	ch, unsub, _ := bus.Subscribe()
	defer unsub()

	src := &fakeSource{frames: [][]float32{
		bigFrame(8000, 0.5),
		bigFrame(8000, 0.5),
		bigFrame(8000, 0.5),
	}}
	eng := &fakeStreamEngine{}
	w := realtime.New(eng, src, nil, bus, nopStore{}, 16000, 1.0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	var sawText bool
	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case ev := <-ch:
			if ev.Type == "text_ready" {
				sawText = true
				break loop
			}
		case <-deadline:
			break loop
		}
	}
	cancel()
	<-done

	assert.True(t, sawText, "expected a text_ready event once the buffer threshold was crossed")
	assert.True(t, src.closed)
}

func TestPauseResume_TogglesStatus(t *testing.T) {
	bus := eventbus.New(nil)
	bus.SetScheduler(eventbus.InlineScheduler{})
	ch, unsub, _ := bus.Subscribe()
	defer unsub()

	src := &fakeSource{frames: [][]float32{}}
	eng := &fakeStreamEngine{}
	w := realtime.New(eng, src, nil, bus, nopStore{}, 16000, 1.0, nil)

	w.Pause()
	ev := <-ch
	assert.Equal(t, "status_changed", ev.Type)
	assert.Equal(t, "paused", ev.Data["status"])

	w.Resume()
	ev = <-ch
	assert.Equal(t, "recording", ev.Data["status"])
}

func TestStop_ClosesSourceAndMarksNotLive(t *testing.T) {
	bus := eventbus.New(nil)
	bus.SetScheduler(eventbus.InlineScheduler{})

	src := &fakeSource{frames: [][]float32{bigFrame(10, 0.1)}}
	eng := &fakeStreamEngine{}
	w := realtime.New(eng, src, nil, bus, nopStore{}, 16000, 1.0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, w.IsLive, time.Second, 10*time.Millisecond)
	w.Stop()
	assert.False(t, w.IsLive())
	assert.True(t, src.closed)
}

func TestStop_UnloadsEngineWhenSupported(t *testing.T) {
	bus := eventbus.New(nil)
	bus.SetScheduler(eventbus.InlineScheduler{})

	src := &fakeSource{frames: [][]float32{bigFrame(10, 0.1)}}
	eng := &fakeStreamEngine{}
	w := realtime.New(eng, src, nil, bus, nopStore{}, 16000, 1.0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, w.IsLive, time.Second, 10*time.Millisecond)
	w.Stop()

	eng.mu.Lock()
	defer eng.mu.Unlock()
	assert.True(t, eng.unloaded, "Stop should unload the model once the stream is released")
}
